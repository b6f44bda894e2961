package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/health"
	"securetrack/internal/ipc"
	"securetrack/internal/metrics"
	"securetrack/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "securetrack.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(s))
	checker.SetReady(true)

	reg := metrics.NewRegistry("securetrack")
	reg.Counter("commands_total", "Commands received.", nil).Add(3)

	srv := New(Options{
		Listen:  "127.0.0.1:0",
		Ledger:  s,
		Health:  checker,
		Metrics: reg,
		Status: func(ctx context.Context) (*ipc.StatusResponse, error) {
			return &ipc.StatusResponse{Version: "1.0.0", SetupComplete: true, ProtectionEnabled: true}, nil
		},
	})
	return srv, s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var st ipc.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "1.0.0", st.Version)
	assert.True(t, st.ProtectionEnabled)
}

func TestStatusUnavailable(t *testing.T) {
	srv := New(Options{Status: func(context.Context) (*ipc.StatusResponse, error) {
		return nil, ipc.ErrUnavailable
	}})
	rec := get(t, srv.Handler(), "/v1/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCommands(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	id, err := s.InsertCommandLog(ctx, "LOCATE", "+15550001234")
	require.NoError(t, err)
	_, err = s.InsertCommandLog(ctx, "RING", "+15550009999")
	require.NoError(t, err)

	rec := get(t, srv.Handler(), "/v1/commands?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Commands []store.CommandLog `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Commands, 1)
	assert.Equal(t, "RING", body.Commands[0].CommandName)
	assert.Equal(t, "********9999", body.Commands[0].Sender)

	rec = get(t, srv.Handler(), "/v1/commands/"+itoa(id))
	require.Equal(t, http.StatusOK, rec.Code)
	var one store.CommandLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "LOCATE", one.CommandName)
	assert.Equal(t, store.StatusReceived, one.Status)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/v1/commands/9999").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/v1/commands/abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/v1/commands?limit=0").Code)
}

func TestIntrusionsEmpty(t *testing.T) {
	srv, s := newTestServer(t)
	rec := get(t, srv.Handler(), "/v1/intrusions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"intrusions":[]}`, rec.Body.String())

	_, err := s.InsertIntruderLog(context.Background(), &store.IntruderLog{ImagePath: "/tmp/a.jpg", Reason: "failed_unlock"})
	require.NoError(t, err)
	rec = get(t, srv.Handler(), "/v1/intrusions")
	assert.Contains(t, rec.Body.String(), "failed_unlock")
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/readyz").Code)

	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "securetrack_commands_total 3")
}

func TestRejectsRemotePeer(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckLoopback(t *testing.T) {
	assert.NoError(t, checkLoopback("127.0.0.1:8787"))
	assert.NoError(t, checkLoopback("[::1]:8787"))
	assert.NoError(t, checkLoopback("localhost:8787"))
	assert.True(t, errors.Is(checkLoopback("0.0.0.0:8787"), ErrNotLoopback))
	assert.True(t, errors.Is(checkLoopback(":8787"), ErrNotLoopback))
	assert.Error(t, checkLoopback("nonsense"))
}

func TestStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := srv.Addr()
	require.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "alive")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
