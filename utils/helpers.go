package utils

import (
	"encoding/json"
	"net/http"

	"github.com/andrewpaige1/ideaflow-api/registry"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// SessionID returns the {sessionID} path value and whether it is well formed.
func SessionID(r *http.Request) (string, bool) {
	id := r.PathValue("sessionID")
	return id, registry.ValidateID(id) == nil
}
