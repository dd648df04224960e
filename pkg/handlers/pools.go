package handlers

import (
	"log/slog"
	"net/http"

	"github.com/elee1766/gostrata/pkg/engine"
	"github.com/elee1766/gostrata/pkg/pool"
)

type PoolHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewPoolHandler(logger *slog.Logger, e *engine.Engine) *PoolHandler {
	return &PoolHandler{
		logger: logger.With("handler", "pools"),
		engine: e,
	}
}

type poolEntry struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	Encrypted      bool   `json:"encrypted"`
	Generation     uint64 `json:"generation"`
	Devices        int    `json:"devices"`
	CapSectors     uint64 `json:"cap_sectors"`
	FreeSectors    uint64 `json:"free_sectors"`
	DataSectors    uint64 `json:"data_sectors"`
	CommittedBytes uint64 `json:"committed_bytes"`
	OverCommitted  bool   `json:"over_committed"`
}

func poolToEntry(info pool.Info) poolEntry {
	return poolEntry{
		ID:             info.ID.String(),
		Name:           info.Name,
		State:          string(info.State),
		Encrypted:      info.Encrypted,
		Generation:     info.Generation,
		Devices:        info.Devices,
		CapSectors:     uint64(info.CapLength),
		FreeSectors:    uint64(info.Available),
		DataSectors:    uint64(info.Utilization.DataSize),
		CommittedBytes: info.Utilization.Committed.Bytes(),
		OverCommitted:  info.Utilization.OverCommitted(),
	}
}

// List serves GET /v1/pools.
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	pools := h.engine.Pools()
	entries := make([]poolEntry, 0, len(pools))
	for _, p := range pools {
		entries = append(entries, poolToEntry(p.Info()))
	}
	writeJSON(w, http.StatusOK, entries)
}

// Get serves GET /v1/pools/{pool}, resolved by name.
func (h *PoolHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.LookupPool(r.PathValue("pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolToEntry(p.Info()))
}
