package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, log logger.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug("failed to write response", logger.Error(err))
	}
}

// writeError maps reconciler errors to status codes: validation 400,
// transient backend failures 502, anything else 500.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, log, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, domain.ErrTransient):
		writeJSON(w, log, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		log.Error("unexpected handler error", logger.Error(err))
		writeJSON(w, log, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
