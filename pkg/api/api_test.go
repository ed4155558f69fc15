package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/runner"
)

type fakeController struct {
	mu       sync.Mutex
	resets   int
	triggers int
	trigErr  error
}

func (f *fakeController) Snapshot() runner.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runner.Snapshot{
		RunID:     "run-1",
		State:     runner.StateRunning,
		Registers: mppt.ResetState(),
		Resets:    uint64(f.resets),
	}
}

func (f *fakeController) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeController) counts() (resets, triggers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets, f.triggers
}

func (f *fakeController) Trigger() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trigErr != nil {
		return f.trigErr
	}
	f.triggers++
	return nil
}

func decided(seq uint64, action mppt.Action, power float64) runner.Record {
	return runner.Record{
		Seq: seq,
		Output: mppt.Output{
			Duty:     mppt.ResetDuty,
			Power:    fixed.FromFloat(power),
			Decided:  true,
			Decision: mppt.Decision{Action: action, MPPFound: action == mppt.ActionHold},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthAndStatus(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Config{
		Controller: ctrl,
		Extras:     map[string]func() any{"link": func() any { return map[string]int{"frames_in": 7} }},
	})
	h := s.Handler()

	w, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]any)
	controller := result["controller"].(map[string]any)
	assert.Equal(t, "run-1", controller["run_id"])
	assert.Equal(t, "running", controller["state"])
	assert.Equal(t, float64(7), result["link"].(map[string]any)["frames_in"])

	w, _ = do(t, h, http.MethodPost, "/status")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestResetAndStart(t *testing.T) {
	ctrl := &fakeController{}
	h := New(Config{Controller: ctrl}).Handler()

	w, _ := do(t, h, http.MethodPost, "/reset")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.resets)

	w, _ = do(t, h, http.MethodPost, "/start")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ctrl.triggers)

	ctrl.trigErr = errors.RuntimeError("start policy is continuous")
	w, body := do(t, h, http.MethodPost, "/start")
	assert.Equal(t, http.StatusConflict, w.Code)
	e := body["error"].(map[string]any)
	assert.Equal(t, string(errors.ErrRuntime), e["error_code"])
	assert.Contains(t, e["message"], "continuous")
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	h.Observe(runner.Record{Seq: 1})
	assert.Equal(t, 0, h.Len())

	for seq := uint64(1); seq <= 5; seq++ {
		h.Observe(decided(seq, mppt.ActionIncrease, float64(seq)))
	}
	assert.Equal(t, 3, h.Len())

	seqs := func(recs []runner.Record) []uint64 {
		out := make([]uint64, len(recs))
		for i, r := range recs {
			out[i] = r.Seq
		}
		return out
	}
	assert.Equal(t, []uint64{5, 4, 3}, seqs(h.List(0, 0, 0)))
	assert.Equal(t, []uint64{5, 4}, seqs(h.List(0, 0, 3)))
	assert.Equal(t, []uint64{4}, seqs(h.List(1, 1, 0)))

	tot := h.Totals()
	assert.Equal(t, uint64(5), tot.Decisions)
	assert.Equal(t, uint64(5), tot.Increase)
	assert.Equal(t, fixed.FromFloat(5), tot.PeakPower)

	last := h.Reset()
	assert.Equal(t, uint64(5), last.Decisions)
	assert.Zero(t, h.Len())
	assert.Equal(t, Totals{}, h.Totals())
}

func TestHistoryEndpoints(t *testing.T) {
	s := New(Config{Controller: &fakeController{}})
	obs := s.Observer()
	obs.Observe(decided(10, mppt.ActionHold, 2))
	obs.Observe(decided(13, mppt.ActionDecrease, 3))
	h := s.Handler()

	w, body := do(t, h, http.MethodGet, "/history?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(2), result["count"])
	decisions := result["decisions"].([]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, float64(13), decisions[0].(map[string]any)["seq"])

	w, _ = do(t, h, http.MethodGet, "/history?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, body = do(t, h, http.MethodGet, "/history/totals")
	totals := body["result"].(map[string]any)["totals"].(map[string]any)
	assert.Equal(t, float64(1), totals["hold"])
	assert.Equal(t, float64(1), totals["decrease"])
	assert.Equal(t, float64(1), totals["mpp_found"])

	w, _ = do(t, h, http.MethodPost, "/history/reset_totals")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, s.History().Len())
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mppt_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := New(Config{Controller: &fakeController{}, Gatherer: reg, MetricsUser: "u", MetricsPassword: "p"}).Handler()

	w, _ := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("u", "p")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mppt_test_total 1")

	h = New(Config{Controller: &fakeController{}}).Handler()
	w, _ = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := New(Config{Controller: &fakeController{}}).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/reset", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketRPC(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Config{Controller: ctrl})
	conn := dial(t, s)

	readUntil(t, conn, func(m map[string]any) bool { return m["method"] == "notify_status_update" })

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "mppt.reset", "id": 1}))
	resp := readUntil(t, conn, func(m map[string]any) bool { return m["id"] == float64(1) })
	assert.Equal(t, "ok", resp["result"])
	resets, _ := ctrl.counts()
	assert.Equal(t, 1, resets)

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "mppt.status", "id": 2}))
	resp = readUntil(t, conn, func(m map[string]any) bool { return m["id"] == float64(2) })
	result := resp["result"].(map[string]any)
	assert.Equal(t, float64(1), result["clients"])

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "mppt.bogus", "id": 3}))
	resp = readUntil(t, conn, func(m map[string]any) bool { return m["id"] == float64(3) })
	assert.Equal(t, float64(-32601), resp["error"].(map[string]any)["code"])
}

func TestWebSocketDecisionNotification(t *testing.T) {
	s := New(Config{Controller: &fakeController{}})
	conn := dial(t, s)
	readUntil(t, conn, func(m map[string]any) bool { return m["method"] == "notify_status_update" })

	require.Eventually(t, func() bool { return s.hub.count() == 1 }, time.Second, 10*time.Millisecond)
	obs := s.Observer()
	obs.Observe(runner.Record{Seq: 1})
	obs.Observe(decided(2, mppt.ActionIncrease, 1))

	msg := readUntil(t, conn, func(m map[string]any) bool { return m["method"] == "notify_decision" })
	rec := msg["params"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(2), rec["seq"])

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "mppt.history", "params": map[string]any{"limit": 5}, "id": 9}))
	resp := readUntil(t, conn, func(m map[string]any) bool { return m["id"] == float64(9) })
	assert.Len(t, resp["result"].(map[string]any)["decisions"], 1)
}
