package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatbus/chatbus/pkg/chatproto"
)

// sseWriter wraps http.ResponseWriter for SSE. Flushing goes through
// http.ResponseController rather than a raw http.Flusher type assertion,
// since it survives middleware wrapping.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamChunks bridges a UI chunk channel to an SSE response until the
// channel closes, the request context is canceled, or a write fails. Every
// written chunk and periodic heartbeat keep the connection alive through
// intermediate proxies.
func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, route string, chunks <-chan chatproto.UIChunk) {
	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			chunksEmitted.WithLabelValues(route).Inc()
			if err := sse.writeEvent("chunk", chunk); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// streamPresence bridges presence transitions to an SSE response until the
// client disconnects.
func (s *Server) streamPresence(w http.ResponseWriter, r *http.Request, unsubSetup func(cb func(online bool)) (func(), error)) {
	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	events := make(chan bool, 8)
	unsub, err := unsubSetup(func(online bool) {
		select {
		case events <- online:
		default:
		}
	})
	if err != nil {
		return
	}
	defer unsub()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case online := <-events:
			presenceTransitions.Inc()
			if err := sse.writeEvent("presence", map[string]bool{"online": online}); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
