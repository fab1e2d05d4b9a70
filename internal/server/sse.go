package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codemux/codemux/internal/event"
)

// sseHeartbeatInterval keeps intermediaries from timing out idle streams.
const sseHeartbeatInterval = 30 * time.Second

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(kind string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	_ = s.rc.Flush()
}

// events bridges the event bus onto an SSE stream. A `workspace` query
// parameter filters to one workspace's events. Subscribers are expected to
// re-sync from a history read on (re)connect; events are not replayed.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filter := r.URL.Query().Get("workspace")
	events := make(chan event.ChatEvent, 64)

	unsubscribe := s.bus.SubscribeAll(func(ev event.ChatEvent) {
		if filter != "" && ev.WorkspaceID != filter {
			return
		}
		select {
		case events <- ev:
		default:
			// Slow consumer; it re-syncs from history on reconnect.
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			sse.writeHeartbeat()
		case ev := <-events:
			if err := sse.writeEvent(string(ev.Kind), ev); err != nil {
				return
			}
		}
	}
}
