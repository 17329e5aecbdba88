// Package handlers contains the REST adapters. Handlers parse and
// render; every decision belongs to the service layer underneath.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Envelope is the uniform response body.
type Envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries the stable business code alongside the message.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteData renders a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteMessage renders a success envelope with no data payload.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError maps a fault onto its HTTP status and business code.
func WriteError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), Envelope{
		Success:   false,
		Timestamp: time.Now().UTC(),
		Error: &ErrorBody{
			Code:    kind.Code(),
			Message: faults.Message(err),
			Details: faults.Details(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return faults.Wrap(faults.KindValidation, err, "invalid request body")
	}
	return nil
}
