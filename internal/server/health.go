package server

import (
	"net/http"
	"time"
)

// handleHealth reports liveness. The data directory is the only backing
// resource and is validated at startup, so there is nothing to ping.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}
