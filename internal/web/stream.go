package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lucasnoah/bugfactory/internal/stage"
)

// eventView is the JSON payload of a "stage" SSE message.
type eventView struct {
	Kind       string `json:"kind"`
	Stage      string `json:"stage,omitempty"`
	Index      int    `json:"index"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func viewOf(ev stage.Event) eventView {
	return eventView{
		Kind:       ev.Kind,
		Stage:      ev.Stage,
		Index:      ev.Index,
		DurationMs: ev.Duration.Milliseconds(),
		Error:      ev.Err,
	}
}

// handleStream serves a Server-Sent Events stream of a live run's progress.
// Every event recorded so far is replayed first, then new ones are pushed as
// they happen. When the run ends it sends a "done" event carrying the final
// status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	lr := s.lookup(id)
	if lr == nil {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	next := 0
	for {
		events, done, changed := lr.since(next)
		for _, ev := range events {
			data, _ := json.Marshal(viewOf(ev))
			fmt.Fprintf(w, "event: stage\ndata: %s\n\n", data)
		}
		next += len(events)

		if done {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", lr.snapshot().status())
			flusher.Flush()
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		}
	}
}
