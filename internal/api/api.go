// Package api exposes the local HTTP API: read the current snapshot, force
// a poll, and inspect agent status. The API is unauthenticated; bind it to
// localhost.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"attwatch/internal/poll"
	"attwatch/pkg/logx"
)

// Engine is the slice of the poll engine the API needs.
type Engine interface {
	GetAllData(ctx context.Context) (poll.Data, error)
	RunCycle(ctx context.Context) error
	LastPoll(ctx context.Context) time.Time
}

// Status is the GET /api/status response body.
type Status struct {
	LastPoll      string `json:"lastPoll,omitempty"`
	LoginRequired bool   `json:"loginRequired"`
	PendingCount  int    `json:"pendingCount"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// PendingCounter reports how many undelivered notifications are queued.
type PendingCounter interface {
	PendingCount(ctx context.Context) int
}

type handler struct {
	engine  Engine
	pending PendingCounter
	log     logx.Logger
	started time.Time
}

// NewRouter builds the API router.
func NewRouter(engine Engine, pending PendingCounter, log logx.Logger) *mux.Router {
	h := &handler{engine: engine, pending: pending, log: log, started: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/api/attendance", h.getAttendance).Methods(http.MethodGet)
	r.HandleFunc("/api/poll", h.postPoll).Methods(http.MethodPost)
	r.HandleFunc("/api/status", h.getStatus).Methods(http.MethodGet)
	return r
}

func (h *handler) getAttendance(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.GetAllData(r.Context())
	if err != nil {
		h.fail(w, "get attendance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *handler) postPoll(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RunCycle(r.Context()); err != nil {
		h.fail(w, "forced poll", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.engine.GetAllData(ctx)
	if err != nil {
		h.fail(w, "status", err)
		return
	}
	st := Status{
		LoginRequired: d.LoginRequired,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if last := h.engine.LastPoll(ctx); !last.IsZero() {
		st.LastPoll = last.UTC().Format(time.RFC3339)
	}
	if h.pending != nil {
		st.PendingCount = h.pending.PendingCount(ctx)
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && !h.log.IsZero() {
		h.log.Debug("response write failed", logx.Err(err))
	}
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	if !h.log.IsZero() {
		h.log.Warn("api request failed", logx.String("op", op), logx.Err(err))
	}
	h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}
