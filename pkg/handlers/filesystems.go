package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/engine"
)

type FilesystemHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

func NewFilesystemHandler(logger *slog.Logger, e *engine.Engine) *FilesystemHandler {
	return &FilesystemHandler{
		logger: logger.With("handler", "filesystems"),
		engine: e,
	}
}

type filesystemEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes uint64    `json:"size_bytes"`
	ThinID    uint64    `json:"thin_id"`
	Created   time.Time `json:"created"`
	Origin    string    `json:"origin,omitempty"`
	Device    string    `json:"device"`
}

// List serves GET /v1/pools/{pool}/filesystems.
func (h *FilesystemHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.LookupPool(r.PathValue("pool"))
	if err != nil {
		writeError(w, err)
		return
	}

	fss := p.Filesystems()
	entries := make([]filesystemEntry, 0, len(fss))
	for _, fs := range fss {
		entry := filesystemEntry{
			ID:        fs.FsID.String(),
			Name:      fs.Name,
			SizeBytes: fs.Size.Bytes(),
			ThinID:    fs.ThinID,
			Created:   fs.Created,
			Device:    "/dev/mapper/" + dm.ThinVolName(p.ID(), fs.FsID),
		}
		if fs.Origin != nil {
			entry.Origin = fs.Origin.String()
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}
