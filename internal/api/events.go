package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/crossview/internal/reid/pipeline"
)

const sseBuffer = 64

// streamEvents relays a run's progress as server-sent events. The stream
// closes after the terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	events := make(chan pipeline.Event, sseBuffer)
	sub, err := s.runs.Subscribe(r.PathValue("id"), pipeline.RelayTo(ctx, events, nil))
	if err != nil {
		writeRunError(w, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx
	w.WriteHeader(http.StatusOK)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
