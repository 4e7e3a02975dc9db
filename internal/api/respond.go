package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sebastianm/devbox/internal/apperr"
)

// maxBodyBytes bounds JSON request bodies. File writes carry content, so it
// leaves room above the file size limit for base64 and the envelope.
const maxBodyBytes = 16 << 20

type errorBody struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the shared error shape. Internal errors keep
// their cause out of the response.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	e := apperr.As(err)
	status := apperr.HTTPStatus(e)
	body := errorBody{Error: e.Code, Message: e.Message, Details: e.Details}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", e.Code, "error", err)
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v. An empty body decodes to the zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return &apperr.Error{
			Kind:    apperr.KindTooLarge,
			Code:    apperr.CodeValidation,
			Message: "request body too large",
			Details: map[string]any{"limit": tooLarge.Limit},
		}
	}
	return apperr.Validation("invalid JSON body", map[string]any{"body": err.Error()})
}
