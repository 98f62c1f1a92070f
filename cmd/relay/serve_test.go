package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/alert"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/bridge"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/config"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/journal"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/relay"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/upstream"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open test db")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, journal.AutoMigrate(db))
	return db
}

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err, "parse config")
	return cfg
}

// startApp runs a in the background and returns a stop func that cancels it
// and waits for run to return.
func startApp(t *testing.T, a *app) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.run(ctx, new(bytes.Buffer)) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", a.cfg.ListenPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond, "server to listen")

	var stopped bool
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err, "run")
		case <-time.After(5 * time.Second):
			require.FailNow(t, "run did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, "waiting for %s", what)
}

func getHealth(t *testing.T, port int) healthReport {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	var h healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	return h
}

func dialBrowser(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err, "dial")
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads browser events until one of the given type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m), "decode %s", data)
		if m["type"] == typ {
			return m
		}
	}
}

func TestApp_Standalone(t *testing.T) {
	cfg := parseConfig(t, fmt.Sprintf("listen_port: %d\n", freePort(t)))
	a, err := newApp(cfg, appOpts{})
	require.NoError(t, err)
	require.Nil(t, a.channel, "standalone app should have no platform channel")
	require.Nil(t, a.bridge, "standalone app should have no bridge")
	require.Nil(t, a.monitor, "standalone app should have no monitor")
	require.Nil(t, a.journal, "standalone app should have no journal")
	startApp(t, a)

	assert.Equal(t, healthReport{Status: "ok"}, getHealth(t, cfg.ListenPort))

	ws := dialBrowser(t, cfg.ListenPort)
	status := readUntil(t, ws, "status")
	assert.Equal(t, false, status["connected"])
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","linear_x":0.2}`)))
	assert.Equal(t, "robot not connected", readUntil(t, ws, "error")["message"])
}

func TestApp_Platform(t *testing.T) {
	port := freePort(t)
	cfg := parseConfig(t, fmt.Sprintf(`
listen_port: %d
session:
  id: sess-1
  token: tok
journal:
  enabled: true
`, port))
	dialer := upstream.NewMockDialer(true)
	notifier := alert.NewMockNotifier()
	db := openTestDB(t)

	a, err := newApp(cfg, appOpts{Dialer: dialer, Notifier: notifier, DB: db})
	require.NoError(t, err)
	require.Equal(t, relay.BackendPlatform, a.backend)
	require.NotNil(t, a.monitor)
	require.NotNil(t, a.journal)
	stop := startApp(t, a)

	waitFor(t, "platform link", func() bool { return getHealth(t, port).PlatformConnected })
	assert.True(t, getHealth(t, port).Connected)

	ws := dialBrowser(t, port)
	assert.Equal(t, true, readUntil(t, ws, "status")["platform_connected"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","linear_x":0.5,"angular_z":0.1}`)))
	assert.Equal(t, "move", readUntil(t, ws, "command_sent")["command"])
	conn := dialer.Last()
	waitFor(t, "twist emitted", func() bool {
		for _, e := range conn.AllEmitted() {
			if e.Event == "twist_command" {
				return true
			}
		}
		return false
	})

	conn.SimulateEvent("battery", map[string]any{"percentage": 77, "voltage": 12.1})
	assert.Equal(t, float64(77), readUntil(t, ws, "battery")["percentage"])

	stop()

	assert.True(t, conn.IsClosed(), "upstream connection should be closed on shutdown")
	assert.Empty(t, notifier.Alerts(), "graceful shutdown raised alerts")

	events, err := journal.Recent(db, "sess-1", journal.KindUpstream, 0)
	require.NoError(t, err)
	var seen []string
	for _, e := range events {
		seen = append(seen, e.Event)
	}
	for _, want := range []string{"connecting", "connected", "disconnected"} {
		assert.Contains(t, seen, want)
	}
	browser, err := journal.Recent(db, "sess-1", journal.KindBrowser, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, browser, "expected browser attach to be journaled")
}

func TestApp_PlatformRetriesInitialConnect(t *testing.T) {
	port := freePort(t)
	cfg := parseConfig(t, fmt.Sprintf(`
listen_port: %d
session:
  id: sess-1
  token: tok
upstream:
  reconnect_delay_sec: 0.01
  reconnect_delay_max_sec: 0.02
  reconnect_attempts: 3
`, port))
	dialer := upstream.NewMockDialer(true)
	dialer.FailNext(2, fmt.Errorf("connection refused"))

	a, err := newApp(cfg, appOpts{Dialer: dialer})
	require.NoError(t, err)
	startApp(t, a)

	waitFor(t, "platform link after retries", func() bool { return getHealth(t, port).PlatformConnected })
	assert.Equal(t, 1, dialer.Dials(), "successful dials")
}

func TestApp_Local(t *testing.T) {
	port := freePort(t)
	cfg := parseConfig(t, fmt.Sprintf(`
listen_port: %d
local:
  enabled: true
  pose_interval_ms: 20
`, port))
	sim := bridge.NewSim(nil)
	a, err := newApp(cfg, appOpts{Middleware: sim})
	require.NoError(t, err)
	require.Equal(t, relay.BackendLocal, a.backend)
	require.NotNil(t, a.bridge)
	stop := startApp(t, a)

	waitFor(t, "bridge running", func() bool { return getHealth(t, port).Connected })
	assert.False(t, getHealth(t, port).PlatformConnected, "local bridge is not a platform link")

	ws := dialBrowser(t, port)
	status := readUntil(t, ws, "status")
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, false, status["platform_connected"])
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","linear_x":0.3}`)))
	readUntil(t, ws, "command_sent")
	readUntil(t, ws, "pose_update")
	readUntil(t, ws, "battery")

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/api/navigate", port), "application/json", bytes.NewReader([]byte(`{"x":1,"y":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	stop()
	require.NotEmpty(t, sim.Twists, "no twists published to the middleware")
	assert.Equal(t, robot.Twist{}, sim.Twists[len(sim.Twists)-1], "want a stop on shutdown")
}

func TestNewApp_InvalidHeartbeat(t *testing.T) {
	cfg := parseConfig(t, "listen_port: 18080\n")
	cfg.Heartbeat.Cron = "not a schedule"
	_, err := newApp(cfg, appOpts{})
	assert.Error(t, err, "invalid heartbeat schedule")
}

func TestStatusCmd(t *testing.T) {
	port := freePort(t)
	cfg := parseConfig(t, fmt.Sprintf("listen_port: %d\n", port))
	a, err := newApp(cfg, appOpts{})
	require.NoError(t, err)
	startApp(t, a)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--url", fmt.Sprintf("http://127.0.0.1:%d/", port)})
	require.NoError(t, cmd.Execute())
	out := buf.String()
	for _, want := range []string{"Status:    ok", "Robot:     disconnected", "Browsers:  0"} {
		assert.Contains(t, out, want)
	}
}

func TestStatusCmd_Unreachable(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--url", fmt.Sprintf("http://127.0.0.1:%d", freePort(t))})
	assert.Error(t, cmd.Execute(), "no relay is listening")
}
