package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// fakePlatform speaks just enough Engine.IO/Socket.IO to accept one robot
// session namespace.
func fakePlatform(t *testing.T, token string, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ns := Namespace("s1")
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		send := func(s string) { ws.WriteMessage(websocket.TextMessage, []byte(s)) }

		send(`0{"sid":"e1","pingInterval":25000,"pingTimeout":20000}`)
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		p, err := decodePacket(msg)
		if err != nil || p.sio != sioConnect || p.namespace != ns {
			return
		}
		var auth map[string]string
		json.Unmarshal(p.payload, &auth)
		if auth["token"] != token {
			send(`44` + ns + `,{"message":"invalid session token"}`)
			return
		}
		send(`40` + ns + `,{"sid":"n1"}`)
		send(`2`)
		send(`42/other,["battery",{"percentage":1}]`)
		send(`42` + ns + `,["connected",{}]`)
		send(`42` + ns + `,["battery",{"percentage":42,"voltage":12.1,"charging":false}]`)

		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			received <- string(msg)
		}
	}))
}

func TestWebSocketDialer_EndToEnd(t *testing.T) {
	received := make(chan string, 16)
	srv := fakePlatform(t, "good", received)
	defer srv.Close()

	c, err := New(Options{
		SessionID:            "s1",
		Token:                "good",
		BaseURL:              srv.URL,
		ConfirmTimeout:       2 * time.Second,
		MaxReconnectAttempts: -1,
	})
	require.NoError(t, err)
	defer c.Disconnect()

	batteries := make(chan robot.Battery, 2)
	c.OnBattery(func(b robot.Battery) { batteries <- b })

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	select {
	case b := <-batteries:
		assert.Equal(t, 42, b.Percentage, "events from other namespaces must be ignored")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no battery event")
	}

	require.NoError(t, c.SendVelocity(0.5, 0))

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-received:
			got = append(got, m)
		case <-deadline:
			require.FailNowf(t, "timeout", "server received %v", got)
		}
	}
	assert.Equal(t, "3", got[0], "ping must be answered with pong")
	assert.Equal(t, `42/sessions/s1/robot,["twist_command",{"linear_x":0.5,"angular_z":0}]`, got[1])
}

func TestWebSocketDialer_RejectedToken(t *testing.T) {
	srv := fakePlatform(t, "good", make(chan string, 16))
	defer srv.Close()

	c, err := New(Options{SessionID: "s1", Token: "bad", BaseURL: srv.URL, ConfirmTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectRejected)
	assert.Contains(t, err.Error(), "invalid session token")
	assert.False(t, c.IsConnected())
}

func TestWebSocketDialer_Unreachable(t *testing.T) {
	srv := fakePlatform(t, "good", nil)
	url := srv.URL
	srv.Close()

	_, err := WebSocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), url, "/ns", nil)
	assert.Error(t, err)
}
