package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posterrama/devicehub/internal/audit"
	"github.com/posterrama/devicehub/internal/auth"
	"github.com/posterrama/devicehub/internal/broadcast"
	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/hub"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
	"github.com/posterrama/devicehub/internal/infrastructure/database"
	"github.com/posterrama/devicehub/internal/infrastructure/logging"
	"github.com/posterrama/devicehub/migrations"
)

const (
	testJWTSecret    = "test-secret-key-at-least-32-characters-long"
	testDeviceSecret = "lobby-secret"
)

type testEnv struct {
	srv   *httptest.Server
	hub   *hub.Hub
	store *device.SQLiteStore
}

// newTestEnv wires a real hub, store and coordinator behind the router.
// Devices lobby-1 and cafe-1 exist; only lobby-1 has a secret.
// Group "ground-floor" holds both.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithServer(t, nil)
}

// newTestEnvWithServer is newTestEnv with a hook to tune the http.Server
// before it starts.
func newTestEnvWithServer(t *testing.T, configure func(*http.Server)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx, migrations.FS))

	store := device.NewSQLiteStore(db.DB)
	require.NoError(t, store.CreateDevice(ctx, &device.Device{ID: "lobby-1", Name: "Lobby"}))
	require.NoError(t, store.CreateDevice(ctx, &device.Device{ID: "cafe-1", Name: "Cafe"}))
	hash, err := device.HashSecret(testDeviceSecret)
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(ctx, "lobby-1", hash))
	require.NoError(t, store.CreateGroup(ctx, &device.DeviceGroup{
		ID: "ground-floor", Name: "Ground floor", Members: []string{"lobby-1", "cafe-1"},
	}))

	reg := prometheus.NewRegistry()
	log := logging.Discard()

	h, err := hub.New(hub.Options{
		Config: config.HubConfig{
			MaxFrameBytes:     4096,
			AuthTimeout:       2 * time.Second,
			PreAuthQueueSize:  10,
			SendBufferSize:    16,
			AckTimeoutDefault: 2 * time.Second,
			AckTimeoutMin:     10 * time.Millisecond,
		},
		Verifier: device.NewSecretVerifier(store),
		Queue:    store,
		Logger:   log,
		Metrics:  hub.NewMetrics(reg),
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	coord := broadcast.New(h, store, config.BroadcastConfig{PerDeviceTimeout: time.Second, MaxConcurrency: 4}, log, broadcast.NewMetrics(reg))

	s, err := New(Deps{
		WebSocket: config.WebSocketConfig{Path: "/ws/device"},
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: testJWTSecret}},
		Logger:    log,
		Hub:       h,
		Groups:    coord,
		Directory: store,
		Audit:     audit.NewSQLiteRepository(db.DB),
		Gatherer:  reg,
		Version:   "test",
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(s.Handler())
	if configure != nil {
		configure(srv.Config)
	}
	srv.Start()
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, hub: h, store: store}
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateOperatorToken("ops-"+string(role), role, testJWTSecret, time.Minute)
	require.NoError(t, err)
	return tok
}

type response struct {
	status int
	body   map[string]any
}

func (e *testEnv) do(t *testing.T, method, path, tok, body string) response {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{status: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

// connectDevice completes the device handshake over a real socket.
func (e *testEnv) connectDevice(t *testing.T, deviceID, secret string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/device"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteJSON(map[string]any{"kind": "hello", "deviceId": deviceID, "secret": secret}))
	f := readFrame(t, ws)
	require.Equal(t, "hello-ack", f["kind"])
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f map[string]any
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "ok", resp.body["status"])
	assert.Equal(t, "test", resp.body["version"])
	assert.Equal(t, 0.0, resp.body["devices_connected"])

	env.connectDevice(t, "lobby-1", testDeviceSecret)
	resp = env.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, 1.0, resp.body["devices_connected"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connectDevice(t, "lobby-1", testDeviceSecret)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "devicehub_connected_devices 1")
}

func TestOperatorRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/devices/connected", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, ErrCodeUnauthorized, resp.body["code"])

	resp = env.do(t, http.MethodGet, "/api/v1/devices/connected", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	other, err := auth.GenerateOperatorToken("ops-1", auth.RoleAdmin, "some-other-secret", time.Minute)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/api/v1/devices/connected", other, "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestOperatorRoutes_EnforcePermissions(t *testing.T) {
	env := newTestEnv(t)
	viewer := token(t, auth.RoleViewer)
	operator := token(t, auth.RoleOperator)

	resp := env.do(t, http.MethodGet, "/api/v1/devices/connected", viewer, "")
	assert.Equal(t, http.StatusOK, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command", viewer, `{"type":"reload"}`)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/settings", operator, `{"brightness":80}`)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/broadcast", operator, `{"type":"reload"}`)
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestDeviceCommand_WaitForAck(t *testing.T) {
	env := newTestEnv(t)
	ws := env.connectDevice(t, "lobby-1", testDeviceSecret)

	done := make(chan response, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command",
			token(t, auth.RoleOperator), `{"type":"show","payload":{"slide":2},"wait":true}`)
	}()

	cmd := readFrame(t, ws)
	assert.Equal(t, "command", cmd["kind"])
	assert.Equal(t, "show", cmd["type"])
	assert.Equal(t, map[string]any{"slide": 2.0}, cmd["payload"])
	require.NotEmpty(t, cmd["id"])

	require.NoError(t, ws.WriteJSON(map[string]any{
		"kind": "ack", "id": cmd["id"], "status": "shown", "info": map[string]any{"slide": 2},
	}))

	select {
	case resp := <-done:
		assert.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, true, resp.body["ok"])
		ack, ok := resp.body["ack"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "shown", ack["status"])
		assert.Equal(t, "lobby-1", ack["deviceId"])
	case <-time.After(3 * time.Second):
		t.Fatal("command request did not complete")
	}
}

func TestDeviceCommand_DeliveryErrors(t *testing.T) {
	env := newTestEnv(t)
	operator := token(t, auth.RoleOperator)

	resp := env.do(t, http.MethodPost, "/api/v1/devices/cafe-1/command?wait=true", operator, `{"type":"show"}`)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "not_connected", resp.body["code"])

	env.connectDevice(t, "lobby-1", testDeviceSecret)
	resp = env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command", operator, `{"type":"show","wait":true,"timeout_ms":50}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.status)
	assert.Equal(t, "ack_timeout", resp.body["code"])
}

func TestDeviceCommand_SocketClosedWhileWaiting(t *testing.T) {
	env := newTestEnv(t)
	ws := env.connectDevice(t, "lobby-1", testDeviceSecret)

	done := make(chan response, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command",
			token(t, auth.RoleOperator), `{"type":"show","wait":true,"timeout_ms":5000}`)
	}()

	readFrame(t, ws)
	require.NoError(t, ws.Close())

	select {
	case resp := <-done:
		assert.Equal(t, http.StatusBadGateway, resp.status)
		assert.Equal(t, "socket_closed", resp.body["code"])
	case <-time.After(3 * time.Second):
		t.Fatal("command request did not complete")
	}
}

func TestWaitingCommands_OutlastWriteTimeout(t *testing.T) {
	env := newTestEnvWithServer(t, func(srv *http.Server) {
		srv.WriteTimeout = time.Second
	})
	env.connectDevice(t, "lobby-1", testDeviceSecret)
	operator := token(t, auth.RoleOperator)

	resp := env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command", operator,
		`{"type":"show","wait":true,"timeout_ms":1500}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.status)
	assert.Equal(t, "ack_timeout", resp.body["code"])

	resp = env.do(t, http.MethodPost, "/api/v1/groups/ground-floor/command?wait=true", operator,
		`{"type":"show","timeout_ms":1500}`)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, 2.0, resp.body["total"])
	assert.Equal(t, 1.0, resp.body["live"])
	assert.Equal(t, 1.0, resp.body["queued"])

	results, ok := resp.body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "timeout", results[0].(map[string]any)["status"])
}

func TestDeviceCommand_FireAndForget(t *testing.T) {
	env := newTestEnv(t)
	operator := token(t, auth.RoleOperator)

	resp := env.do(t, http.MethodPost, "/api/v1/devices/cafe-1/command", operator, `{"type":"reload"}`)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, false, resp.body["sent"])

	ws := env.connectDevice(t, "lobby-1", testDeviceSecret)
	resp = env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/command?wait=false", operator, `{"type":"reload","wait":true}`)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["sent"])

	cmd := readFrame(t, ws)
	assert.Equal(t, "reload", cmd["type"])
	assert.NotContains(t, cmd, "id")
}

func TestDeviceCommand_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	operator := token(t, auth.RoleOperator)

	tests := []struct {
		name, path, body string
	}{
		{"empty body", "/api/v1/devices/lobby-1/command", ""},
		{"not json", "/api/v1/devices/lobby-1/command", "{"},
		{"missing type", "/api/v1/devices/lobby-1/command", `{"payload":{}}`},
		{"bad wait", "/api/v1/devices/lobby-1/command?wait=maybe", `{"type":"show"}`},
		{"timeout too large", "/api/v1/devices/lobby-1/command", `{"type":"show","timeout_ms":999999}`},
		{"settings not object", "/api/v1/devices/lobby-1/settings", `null`},
	}
	admin := token(t, auth.RoleAdmin)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := operator
			if strings.HasSuffix(tt.path, "/settings") {
				tok = admin
			}
			resp := env.do(t, http.MethodPost, tt.path, tok, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.status)
			assert.Equal(t, ErrCodeBadRequest, resp.body["code"])
		})
	}
}

func TestGroupCommand_WaitQueuesOfflineMembers(t *testing.T) {
	env := newTestEnv(t)
	ws := env.connectDevice(t, "lobby-1", testDeviceSecret)

	done := make(chan response, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/v1/groups/ground-floor/command?wait=true",
			token(t, auth.RoleOperator), `{"type":"show","payload":{"slide":7}}`)
	}()

	cmd := readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"kind": "ack", "id": cmd["id"], "status": "ok"}))

	var resp response
	select {
	case resp = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("group request did not complete")
	}

	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["ok"])
	assert.Equal(t, 2.0, resp.body["total"])
	assert.Equal(t, 1.0, resp.body["live"])
	assert.Equal(t, 1.0, resp.body["queued"])

	results, ok := resp.body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].(map[string]any)["status"])
	assert.Equal(t, "queued", results[1].(map[string]any)["status"])

	n, err := env.store.QueueLength(context.Background(), "cafe-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGroupCommand_Errors(t *testing.T) {
	env := newTestEnv(t)
	operator := token(t, auth.RoleOperator)

	resp := env.do(t, http.MethodPost, "/api/v1/groups/nowhere/command", operator, `{"type":"show"}`)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/groups/ground-floor/command", operator, `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestSettingsAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, auth.RoleAdmin)
	ws := env.connectDevice(t, "lobby-1", testDeviceSecret)

	resp := env.do(t, http.MethodPost, "/api/v1/devices/lobby-1/settings", admin, `{"brightness":80}`)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["sent"])

	f := readFrame(t, ws)
	assert.Equal(t, "apply-settings", f["kind"])
	assert.Equal(t, map[string]any{"brightness": 80.0}, f["payload"])

	resp = env.do(t, http.MethodPost, "/api/v1/broadcast", admin, `{"type":"reload"}`)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["attempted"])

	f = readFrame(t, ws)
	assert.Equal(t, "command", f["kind"])
	assert.Equal(t, "reload", f["type"])
}

func TestDeviceListings(t *testing.T) {
	env := newTestEnv(t)
	viewer := token(t, auth.RoleViewer)
	env.connectDevice(t, "lobby-1", testDeviceSecret)

	resp := env.do(t, http.MethodGet, "/api/v1/devices/connected", viewer, "")
	assert.Equal(t, []any{"lobby-1"}, resp.body["devices"])
	assert.Equal(t, 1.0, resp.body["count"])

	resp = env.do(t, http.MethodGet, "/api/v1/devices", viewer, "")
	require.Equal(t, http.StatusOK, resp.status)
	devices, ok := resp.body["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 2)
	connected := map[string]bool{}
	for _, d := range devices {
		m := d.(map[string]any)
		connected[m["id"].(string)] = m["connected"].(bool)
	}
	assert.Equal(t, map[string]bool{"lobby-1": true, "cafe-1": false}, connected)

	resp = env.do(t, http.MethodGet, "/api/v1/groups", viewer, "")
	assert.Equal(t, 1.0, resp.body["count"])
}

func TestDeviceSocket_RejectsBadSecret(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/device"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"kind": "hello", "deviceId": "lobby-1", "secret": "wrong"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = ws.ReadMessage()
		if err != nil {
			break
		}
	}
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int(hub.CloseUnauthorized), ce.Code)
	assert.False(t, env.hub.IsConnected("lobby-1"))
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{logger: logging.Discard()}
	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	operator := token(t, auth.RoleOperator)
	admin := token(t, auth.RoleAdmin)

	env.do(t, http.MethodPost, "/api/v1/devices/cafe-1/command?wait=true", operator, `{"type":"show"}`)
	env.do(t, http.MethodPost, "/api/v1/groups/ground-floor/command", operator, `{"type":"reload"}`)
	env.do(t, http.MethodPost, "/api/v1/devices/cafe-1/settings", admin, `{"volume":3}`)

	resp := env.do(t, http.MethodGet, "/api/v1/audit", operator, "")
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = env.do(t, http.MethodGet, "/api/v1/audit", admin, "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, 3.0, resp.body["total"])

	entries, ok := resp.body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3)

	settings := entries[0].(map[string]any)
	assert.Equal(t, audit.ActionSettings, settings["action"])
	assert.Equal(t, "not_sent", settings["outcome"])
	assert.Equal(t, "ops-admin", settings["operator"])

	group := entries[1].(map[string]any)
	assert.Equal(t, audit.ActionGroupCommand, group["action"])
	assert.Equal(t, "ground-floor", group["target_id"])
	assert.Equal(t, 2.0, group["details"].(map[string]any)["queued"])

	cmd := entries[2].(map[string]any)
	assert.Equal(t, "not_connected", cmd["outcome"])
	assert.Equal(t, "ops-operator", cmd["operator"])

	resp = env.do(t, http.MethodGet, "/api/v1/audit?target_type=group&limit=10", admin, "")
	assert.Equal(t, 1.0, resp.body["total"])

	resp = env.do(t, http.MethodGet, "/api/v1/audit?limit=ten", admin, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
}
