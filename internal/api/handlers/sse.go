package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/logger"
)

// SSEHandler streams events.Bus events to subscribers as
// text/event-stream, replacing the teacher's websocket hub per
// spec.md C13's "observers (SSE)" language.
type SSEHandler struct {
	bus *events.Bus
}

func NewSSEHandler(bus *events.Bus) *SSEHandler {
	return &SSEHandler{bus: bus}
}

// Stream handles GET /events. Each connection gets its own Bus
// subscription; the subscription's goroutine exits when the client
// disconnects and r.Context() is cancelled.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, err := h.bus.Subscribe(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to event bus")
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(event.Type) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
