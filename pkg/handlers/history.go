package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elee1766/gostrata/pkg/db"
)

type HistoryHandler struct {
	logger  *slog.Logger
	journal *db.DB
}

func NewHistoryHandler(logger *slog.Logger, journal *db.DB) *HistoryHandler {
	return &HistoryHandler{
		logger:  logger.With("handler", "history"),
		journal: journal,
	}
}

type historyEntry struct {
	Op         string    `json:"op"`
	PoolName   string    `json:"pool_name,omitempty"`
	Target     string    `json:"target,omitempty"`
	Result     string    `json:"result"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// List serves GET /v1/history?limit=N.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	ops, err := h.journal.History("", time.Time{}, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, historyEntry{
			Op:         op.Op,
			PoolName:   op.PoolName.String,
			Target:     op.Target.String,
			Result:     op.Result,
			ErrorKind:  op.ErrorKind.String,
			Error:      op.Error.String,
			StartedAt:  op.StartedAt,
			FinishedAt: op.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}
