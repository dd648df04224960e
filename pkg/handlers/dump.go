package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/elee1766/gostrata/pkg/engine"
	"github.com/elee1766/gostrata/pkg/metadata"
)

type DumpHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewDumpHandler(logger *slog.Logger, e *engine.Engine) *DumpHandler {
	return &DumpHandler{
		logger: logger.With("handler", "dump"),
		engine: e,
	}
}

type dumpResponse struct {
	Generation uint64              `json:"generation"`
	Written    time.Time           `json:"written"`
	State      *metadata.PoolState `json:"state"`
}

// Dump serves GET /v1/pools/{pool}/metadata: the decoded metadata block as
// read back from the first member device.
func (h *DumpHandler) Dump(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.LookupPool(r.PathValue("pool"))
	if err != nil {
		writeError(w, err)
		return
	}

	block, err := h.engine.DumpMetadata(p.ID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dumpResponse{
		Generation: block.Generation,
		Written:    block.Written,
		State:      block.State,
	})
}
