package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// queryUUID parses a required uuid query parameter.
func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, faults.Newf(faults.KindValidation, "%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, faults.Newf(faults.KindValidation, "invalid %s", name)
	}
	return id, nil
}

// lastSeenParam parses the optional last_seen message id used for
// websocket replay.
func lastSeenParam(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("last_seen")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, faults.New(faults.KindValidation, "invalid last_seen")
	}
	return &id, nil
}
