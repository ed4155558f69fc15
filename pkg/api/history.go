package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/runner"
)

// History keeps the most recent decision records in a ring.
type History struct {
	mu     sync.RWMutex
	ring   []runner.Record
	next   int
	full   bool
	totals Totals
}

// Totals aggregates every decision seen since the last reset.
type Totals struct {
	Decisions uint64    `json:"decisions"`
	Increase  uint64    `json:"increase"`
	Decrease  uint64    `json:"decrease"`
	Hold      uint64    `json:"hold"`
	MPPFound  uint64    `json:"mpp_found"`
	PeakPower fixed.Q88 `json:"peak_power"`
	PeakDuty  fixed.Q88 `json:"peak_duty"`
}

// NewHistory returns a history holding up to size records.
func NewHistory(size int) *History {
	return &History{ring: make([]runner.Record, size)}
}

// Observe stores rec if it carries a decision.
func (h *History) Observe(rec runner.Record) {
	if !rec.Output.Decided {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = rec
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	t := &h.totals
	t.Decisions++
	switch rec.Output.Decision.Action {
	case mppt.ActionIncrease:
		t.Increase++
	case mppt.ActionDecrease:
		t.Decrease++
	default:
		t.Hold++
	}
	if rec.Output.Decision.MPPFound {
		t.MPPFound++
	}
	if rec.Output.Power >= t.PeakPower {
		t.PeakPower = rec.Output.Power
		t.PeakDuty = rec.Output.Duty
	}
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.ring)
	}
	return h.next
}

// List returns up to limit records newest first, skipping start of them
// and any with seq <= since. A limit <= 0 means no limit.
func (h *History) List(limit, start int, since uint64) []runner.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.ring)
	}
	out := make([]runner.Record, 0)
	for i := 0; i < n; i++ {
		idx := (h.next - 1 - i + len(h.ring)) % len(h.ring)
		rec := h.ring[idx]
		if rec.Seq <= since {
			break
		}
		if start > 0 {
			start--
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Totals returns the aggregates.
func (h *History) Totals() Totals {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totals
}

// Reset clears records and totals, returning the totals it dropped.
func (h *History) Reset() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.totals
	h.totals = Totals{}
	h.next = 0
	h.full = false
	clear(h.ring)
	return last
}

// RegisterEndpoints adds the history routes to r.
func (h *History) RegisterEndpoints(r *mux.Router) {
	r.HandleFunc("/history", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/history/totals", h.handleTotals).Methods(http.MethodGet)
	r.HandleFunc("/history/reset_totals", h.handleResetTotals).Methods(http.MethodPost)
}

func (h *History) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, err := queryInt(q.Get("start"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var since uint64
	if s := q.Get("since"); s != "" {
		if since, err = strconv.ParseUint(s, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{
			"count":     h.Len(),
			"decisions": h.List(limit, start, since),
		},
	})
}

func (h *History) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{"totals": h.Totals()},
	})
}

func (h *History) handleResetTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{"last_totals": h.Reset()},
	})
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
