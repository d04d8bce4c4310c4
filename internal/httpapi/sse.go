package httpapi

import (
	"fmt"
	"net/http"
)

// flusherSink adapts an http.ResponseWriter to stream.Sink, matching the
// teacher's SSE handler shape: headers set once, then one Write per frame,
// flushed immediately.
type flusherSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlusherSink(w http.ResponseWriter) (*flusherSink, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &flusherSink{w: w, f: f}, true
}

func (s *flusherSink) Write(frame string) error {
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
