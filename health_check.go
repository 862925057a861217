package main

import (
	"encoding/json"
	"net/http"
	"time"
)

var processStart = time.Now()

// HandleHealth returns a 200 OK with process liveness info.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"uptime": time.Since(processStart).Round(time.Second).String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

// HandleState serves the latest engine snapshot as plain JSON for clients
// that do not want a websocket.
func (h *Hub) HandleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap := h.Latest()
	if snap == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "warming_up"})
		return
	}
	json.NewEncoder(w).Encode(snap)
}
