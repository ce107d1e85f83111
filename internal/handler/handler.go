// Package handler contains HTTP request handlers for the reservation API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/model"
)

// errorBody is the JSON error envelope every failed request returns.
type errorBody struct {
	Error   model.Code `json:"error"`
	Message string     `json:"message"`
}

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError translates a domain error into its HTTP shape. Internal causes
// stay out of the response body.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	derr := model.AsError(err)
	if derr.Code == model.CodeInternal {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, derr.Status, errorBody{Error: derr.Code, Message: derr.Message})
}

// callerID reads the authenticated caller from the X-User-ID header.
// A real deployment would take this from a verified token; the engine only
// needs a stable identity to authorize against.
func callerID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return uuid.Nil, model.NewError(model.CodeUnauthorized, "missing X-User-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.NewError(model.CodeUnauthorized, "invalid X-User-ID header")
	}
	return id, nil
}

// pathUUID parses a UUID path variable, reporting missing as the given
// not-found code.
func pathUUID(vars map[string]string, name string, code model.Code) (uuid.UUID, error) {
	id, err := uuid.Parse(vars[name])
	if err != nil {
		return uuid.Nil, model.NewError(code, "invalid %s", name)
	}
	return id, nil
}
