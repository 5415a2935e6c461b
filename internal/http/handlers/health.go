package handlers

import (
	"context"
	"net/http"
	"time"
)

// Health reports liveness plus index reachability. It always answers 200 so
// a degraded vector store does not pull the API out of rotation.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	response := map[string]any{"status": "ok"}
	if api.index != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := api.index.Ping(pingCtx); err != nil {
			response["status"] = "degraded"
			response["index"] = "unreachable"
		} else {
			response["index"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, response)
}
