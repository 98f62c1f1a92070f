package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/relay"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

type fakeRobot struct {
	mu        sync.Mutex
	connected bool
	calls     []string
}

func (r *fakeRobot) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRobot) record(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return nil
}

func (r *fakeRobot) SendVelocity(linear, angular float64) error { return r.record("velocity") }
func (r *fakeRobot) SendStop() error                             { return r.record("stop") }
func (r *fakeRobot) Spin(float64, time.Duration) error           { return r.record("spin") }

// navRobot adds navigation to fakeRobot.
type navRobot struct {
	fakeRobot
	goals []robot.NavGoal
}

func (r *navRobot) Navigate(goal robot.NavGoal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals = append(r.goals, goal)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *relay.Registry
}

func newTestEnv(t *testing.T, rb relay.Robot, mutate func(*Opts)) *testEnv {
	t.Helper()
	reg := relay.NewRegistry(relay.RegistryOpts{Robot: rb, Backend: relay.BackendPlatform})
	opts := Opts{Registry: reg, Router: relay.NewRouter(rb), Robot: rb}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, registry: reg}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry is required")

	_, err = New(Opts{Registry: relay.NewRegistry(relay.RegistryOpts{})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router is required")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, nil)
	env.dial(t)
	require.Eventually(t, func() bool { return env.registry.Health().ActiveConnections == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Connected: true, PlatformConnected: true, ActiveConnections: 1}, body)
}

func TestHealth_LocalBackendMatchesStatus(t *testing.T) {
	rb := &fakeRobot{connected: true}
	local := relay.NewRegistry(relay.RegistryOpts{Robot: rb, Backend: relay.BackendLocal})
	env := newTestEnv(t, rb, func(o *Opts) { o.Registry = local })

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	st := local.Status()
	assert.True(t, body.Connected)
	assert.False(t, body.PlatformConnected)
	assert.Equal(t, st.Connected, body.Connected)
	assert.Equal(t, st.PlatformConnected, body.PlatformConnected)
}

func TestWS_StatusThenCommand(t *testing.T) {
	rb := &fakeRobot{connected: true}
	env := newTestEnv(t, rb, nil)
	ws := env.dial(t)

	status := readEvent(t, ws)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, true, status["platform_connected"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","linear_x":0.5}`)))
	reply := readEvent(t, ws)
	assert.Equal(t, "command_sent", reply["type"])
	assert.Equal(t, "move", reply["command"])
}

func TestWS_MalformedInputKeepsConnection(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, nil)
	ws := env.dial(t)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	reply := readEvent(t, ws)
	assert.Equal(t, "command_sent", reply["type"])
	assert.Equal(t, "stop", reply["command"])
}

func TestWS_NotConnected(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: false}, nil)
	ws := env.dial(t)
	status := readEvent(t, ws)
	assert.Equal(t, false, status["connected"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"move"}`)))
	reply := readEvent(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "robot not connected", reply["message"])
}

func TestWS_DetachOnClose(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, nil)
	ws := env.dial(t)
	readEvent(t, ws)
	require.Eventually(t, func() bool { return env.registry.Health().ActiveConnections == 1 }, time.Second, 5*time.Millisecond)

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
	require.Eventually(t, func() bool { return env.registry.Health().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSConn_CloseSendsNormalClosure(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		conn := newWSConn(ws, nil)
		go func() {
			conn.writePump()
			close(closed)
		}()
		conn.close()
		assert.ErrorIs(t, conn.Send(map[string]string{"type": "late"}), errConnClosed)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "writer did not exit after close")
	}
}

func TestWS_BroadcastReachesAllClients(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, nil)
	clients := []*websocket.Conn{env.dial(t), env.dial(t), env.dial(t)}
	for _, ws := range clients {
		readEvent(t, ws)
	}
	require.Eventually(t, func() bool { return env.registry.Health().ActiveConnections == 3 }, time.Second, 5*time.Millisecond)

	n := relay.NewFanout(env.registry).Broadcast(relay.BatteryEvent{Type: relay.TypeBattery, Percentage: 42})
	assert.Equal(t, 3, n)
	for _, ws := range clients {
		evt := readEvent(t, ws)
		assert.Equal(t, "battery", evt["type"])
		assert.Equal(t, float64(42), evt["percentage"])
	}
}

func TestWS_RateLimit(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, func(o *Opts) {
		o.CommandsPerSecond = 0.001
		o.Burst = 1
	})
	ws := env.dial(t)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	assert.Equal(t, "command_sent", readEvent(t, ws)["type"])
	limited := readEvent(t, ws)
	assert.Equal(t, "error", limited["type"])
	assert.Equal(t, "rate limit exceeded", limited["message"])
}

func TestNavigate(t *testing.T) {
	post := func(t *testing.T, url, body string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Post(url+"/api/navigate", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var m map[string]any
		json.NewDecoder(resp.Body).Decode(&m)
		return resp.StatusCode, m
	}

	t.Run("unsupported backend", func(t *testing.T) {
		env := newTestEnv(t, &fakeRobot{connected: true}, nil)
		code, _ := post(t, env.srv.URL, `{"x":1,"y":2}`)
		assert.Equal(t, http.StatusNotImplemented, code)
	})

	t.Run("not connected", func(t *testing.T) {
		env := newTestEnv(t, &navRobot{}, nil)
		code, body := post(t, env.srv.URL, `{"x":1,"y":2}`)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "robot not connected", body["error"])
	})

	t.Run("missing coordinates", func(t *testing.T) {
		env := newTestEnv(t, &navRobot{fakeRobot: fakeRobot{connected: true}}, nil)
		code, _ := post(t, env.srv.URL, `{"yaw":1}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("accepted", func(t *testing.T) {
		rb := &navRobot{fakeRobot: fakeRobot{connected: true}}
		env := newTestEnv(t, rb, nil)
		code, body := post(t, env.srv.URL, `{"x":1.5,"y":-2,"yaw":0.3,"relative":true}`)
		assert.Equal(t, http.StatusAccepted, code)
		assert.Equal(t, "sent", body["status"])
		require.Len(t, rb.goals, 1)
		assert.Equal(t, robot.NavGoal{X: 1.5, Y: -2, Yaw: 0.3, Relative: true}, rb.goals[0])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{connected: true}, nil)
	ws := env.dial(t)
	readEvent(t, ws)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	readEvent(t, ws)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_commands_total")
	assert.Contains(t, string(body), "relay_active_connections")
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>teleop</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	env := newTestEnv(t, &fakeRobot{}, func(o *Opts) { o.StaticDir = dir })

	get := func(path string) (int, string) {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get("/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log(1)", body)

	code, body = get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "teleop")

	code, body = get("/some/client/route")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "teleop")
}

func TestStaticFiles_Disabled(t *testing.T) {
	env := newTestEnv(t, &fakeRobot{}, nil)
	resp, err := http.Get(env.srv.URL + "/index.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
