package handlers

import (
	"log/slog"
	"net/http"

	"github.com/elee1766/gostrata/pkg/engine"
	"github.com/elee1766/gostrata/pkg/thinpool"
)

type HealthHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewHealthHandler(logger *slog.Logger, e *engine.Engine) *HealthHandler {
	return &HealthHandler{
		logger: logger.With("handler", "health"),
		engine: e,
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Pools         int    `json:"pools"`
	DegradedPools int    `json:"degraded_pools"`
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, p := range h.engine.Pools() {
		resp.Pools++
		if p.Info().State == thinpool.StateDegraded {
			resp.DegradedPools++
		}
	}
	if resp.DegradedPools > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
