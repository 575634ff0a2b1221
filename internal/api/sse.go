package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// eventStream writes Server-Sent Events to one client.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventStream{w: w, flusher: flusher}, true
}

func (s *eventStream) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *eventStream) send(kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.seq++
	fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, kind, raw)
	s.flusher.Flush()
}

func (s *eventStream) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// pump forwards events until the channel closes or the client leaves.
func (s *Server) pump(r *http.Request, stream *eventStream, ch <-chan schema.Event) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			stream.comment("heartbeat")
		case e, ok := <-ch:
			if !ok {
				return
			}
			stream.send(string(e.Kind), e)
		}
	}
}
