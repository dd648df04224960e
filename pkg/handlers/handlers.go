// Package handlers implements the read-only diagnostic HTTP endpoints. No
// handler mutates engine state; administration goes through the CLI.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elee1766/gostrata/pkg/errs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrPoolNotFound),
		errors.Is(err, errs.ErrFilesystemNotFound),
		errors.Is(err, errs.ErrDeviceNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: errs.Kind(err)})
}
