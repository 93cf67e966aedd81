package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nbrewer/mneme/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps domain errors onto HTTP responses: validation errors
// carry their violations, missing records are 404, exhausted retry
// budgets are 409, everything else is an opaque 500 (with the detail
// logged, not leaked).
func writeError(w http.ResponseWriter, err error, logMsg string) {
	if v := apperr.AsValidation(err); v != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "validation failed", Violations: v.Violations})
		return
	}
	if errors.Is(err, apperr.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	if errors.Is(err, apperr.ErrRetriesExceeded) {
		writeJSON(w, http.StatusConflict, errorBody("retry budget exhausted"))
		return
	}
	slog.Error(logMsg, slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}
