package api

import (
	"encoding/json"
	"net/http"

	"github.com/camhq/cam/internal/apierr"
)

// envelope is the uniform response shape: {success, data?, error?}.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOK writes a success envelope.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeCreated writes a success envelope with 201.
func writeCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

// writeError translates any error into the envelope. Unknown errors become
// a generic INTERNAL_ERROR; stack details never reach the client.
func writeError(w http.ResponseWriter, err error) {
	e := apierr.From(err)
	writeJSON(w, e.Code.HTTPStatus(), envelope{
		Success: false,
		Error: &envelopeError{
			Code:    string(e.Code),
			Message: e.Message,
			Extra:   e.Extra,
		},
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.InvalidInput("invalid request body: %s", err.Error())
	}
	return nil
}

// actorFrom identifies the caller for audit records. Workers authenticate
// with the shared token, so the optional X-CAM-Actor header is the only
// identity signal the core records.
func actorFrom(r *http.Request) string {
	return r.Header.Get("X-CAM-Actor")
}
