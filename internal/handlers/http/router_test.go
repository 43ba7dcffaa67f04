package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/services"
	"voicelink/internal/infrastructure/monitoring"
	"voicelink/pkg/config"
	"voicelink/pkg/errors"
)

const waitFor = 2 * time.Second

type testAPI struct {
	router *gin.Engine
	dir    *fakeDirectory
	auth   services.AuthService
	ready  *atomic.Bool
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Server.PingInterval = 50 * time.Millisecond
	cfg.Server.PongTimeout = time.Second

	logger := zaptest.NewLogger(t)
	ready := &atomic.Bool{}
	ready.Store(true)

	checker := monitoring.NewHealthChecker(logger.Sugar())
	checker.AddCheck("bus", func(context.Context) (bool, error) {
		if !ready.Load() {
			return false, stderrors.New("bus closed")
		}
		return true, nil
	}, time.Second, time.Second)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.SessionsActive(2)

	api := &testAPI{
		dir:   newFakeDirectory(),
		auth:  services.NewAuthService(cfg.Auth.JWTSecret, time.Minute),
		ready: ready,
	}
	api.router = NewRouter(RouterDeps{
		Config:   cfg,
		Auth:     api.auth,
		Sessions: api.dir,
		Health:   checker,
		Gatherer: reg,
		Logger:   logger,
	})
	return api
}

func (a *testAPI) token(t *testing.T, id domain.UserID, name string) string {
	t.Helper()
	token, err := a.auth.GenerateToken(id, name)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestProbes(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, body = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"bus": "healthy"}, body["checks"])

	api.ready.Store(false)
	w, body = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, map[string]any{"bus": "bus closed"}, body["checks"])

	w, _ = api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicelink_sessions_active 2")
}

func TestAPI_RequiresToken(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodGet, "/api/v1/call", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["error"])

	w, _ = api.do(t, http.MethodGet, "/api/v1/call", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_SignIn(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodPost, "/api/v1/session", api.token(t, "alice", ""), gin.H{"display_name": "  Alice  "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, "Alice", api.dir.names["alice"])
	call := body["call"].(map[string]any)
	assert.Equal(t, "Idle", call["session"].(map[string]any)["state"])

	// The token's display name is used when the body has none.
	w, _ = api.do(t, http.MethodPost, "/api/v1/session", api.token(t, "bob", "Bob B."), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bob B.", api.dir.names["bob"])

	w, body = api.do(t, http.MethodPost, "/api/v1/session", api.token(t, "carol", ""), gin.H{"display_name": strings.Repeat("x", 65)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["error"])

	api.dir.signInErr = errors.NewServiceUnavailableError("shutting down")
	w, body = api.do(t, http.MethodPost, "/api/v1/session", api.token(t, "dave", ""), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["error"])
}

func TestAPI_SignOut(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "alice", "Alice")

	w, _ := api.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, api.dir.Count())

	w, body := api.do(t, http.MethodDelete, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestAPI_Intents(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "alice", "Alice")

	// Nothing works before sign-in.
	w, body := api.do(t, http.MethodPost, "/api/v1/call/accept", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	w, _ = api.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	call := api.dir.call("alice")

	tests := []struct {
		path   string
		intent string
	}{
		{"/api/v1/call/accept", "accept_call"},
		{"/api/v1/call/reject", "reject_call"},
		{"/api/v1/call/cancel", "cancel_call"},
		{"/api/v1/call/end", "end_call"},
		{"/api/v1/call/screen/start", "start_screen_share"},
		{"/api/v1/call/screen/stop", "stop_screen_share"},
	}
	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			w, body := api.do(t, http.MethodPost, tt.path, token, nil)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, body, "session")
			recorded := call.recorded()
			assert.Equal(t, tt.intent, recorded[len(recorded)-1])
		})
	}

	w, _ = api.do(t, http.MethodPost, "/api/v1/call", token, gin.H{"remote_user_id": "bob"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, domain.UserID("bob"), call.remote)

	w, body = api.do(t, http.MethodPost, "/api/v1/call", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["error"])

	w, body = api.do(t, http.MethodPost, "/api/v1/call/mic/toggle", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["mic_muted"])

	w, body = api.do(t, http.MethodGet, "/api/v1/call", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", body["session"].(map[string]any)["local_user_id"])

	w, body = api.do(t, http.MethodGet, "/api/v1/call/diagnostics", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["channels"].(map[string]any)["total_channels"])
}

func TestAPI_IntentErrors(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "alice", "Alice")
	w, _ := api.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	call := api.dir.call("alice")

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid state", errors.NewInvalidStateError("accept_call", "Idle"), http.StatusConflict, "CALL_INVALID_STATE"},
		{"unreachable", errors.NewSignalingUnreachableError(stderrors.New("refused")), http.StatusServiceUnavailable, "SIGNALING_UNREACHABLE"},
		{"media denied", errors.NewMediaPermissionError(domain.ErrPermissionDenied), http.StatusForbidden, "MEDIA_PERMISSION_DENIED"},
		{"session closed", domain.ErrSessionClosed, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "SERVICE_UNAVAILABLE"},
		{"unexpected", stderrors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call.mu.Lock()
			call.err = tt.err
			call.mu.Unlock()

			w, body := api.do(t, http.MethodPost, "/api/v1/call/accept", token, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func dialEvents(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/call/events?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) StateMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg StateMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAPI_EventStream(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(api.router)
	defer server.Close()

	token := api.token(t, "alice", "Alice")
	w, _ := api.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	call := api.dir.call("alice")

	conn := dialEvents(t, server, token)
	defer conn.Close()

	msg := readState(t, conn)
	assert.Equal(t, "state", msg.Type)
	require.NotNil(t, msg.Call)
	assert.Equal(t, domain.CallIdle, msg.Call.Session.State)

	call.set(domain.CallRingingInbound)
	msg = readState(t, conn)
	assert.Equal(t, domain.CallRingingInbound, msg.Call.Session.State)

	// Signing out closes the session's watchers and so the stream.
	w, _ = api.do(t, http.MethodDelete, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	msg = readState(t, conn)
	assert.Equal(t, "closed", msg.Type)
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

}

func TestAPI_EventStreamClientLeaves(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(api.router)
	defer server.Close()

	token := api.token(t, "alice", "Alice")
	w, _ := api.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	call := api.dir.call("alice")

	conn := dialEvents(t, server, token)
	readState(t, conn)
	require.Equal(t, 1, call.watcherCount())

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))
	conn.Close()

	assert.Eventually(t, func() bool { return call.watcherCount() == 0 }, waitFor, 10*time.Millisecond)
}
