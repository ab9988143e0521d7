// Package sse streams import progress to HTTP clients as Server-Sent Events.
//
// A stream is a run of "progress" events ended by exactly one "complete" or
// "error" event. Every event carries an increasing id.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrClosed is returned by sends after the terminal event.
var ErrClosed = errors.New("sse: stream already finished")

// Progress is the data of a progress event.
type Progress struct {
	ElapsedMs int64           `json:"elapsed_ms"`
	Stats     json.RawMessage `json:"stats"`
}

// Complete is the data of the final event of a successful stream.
type Complete struct {
	ElapsedMs int64           `json:"elapsed_ms"`
	Result    json.RawMessage `json:"result"`
}

// Failure is the data of the final event of a failed stream.
type Failure struct {
	ElapsedMs int64           `json:"elapsed_ms"`
	Error     string          `json:"error"`
	Kind      string          `json:"kind,omitempty"`
	Partial   json.RawMessage `json:"partial,omitempty"`
}

// Writer wraps an http.ResponseWriter for SSE output. It is safe to send
// from several goroutines.
type Writer struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	started  time.Time
	now      func() time.Time
	interval time.Duration
	last     time.Time
	id       int
	closed   bool
}

// NewWriter writes the SSE headers. It returns nil when w cannot flush.
// Progress events closer together than interval are dropped; zero keeps all.
func NewWriter(w http.ResponseWriter, interval time.Duration) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher, started: time.Now(), now: time.Now, interval: interval}
}

func (s *Writer) elapsed() int64 {
	return s.now().Sub(s.started).Milliseconds()
}

// Progress sends stats unless the previous progress event was too recent.
// It reports whether the event was written.
func (s *Writer) Progress(stats any) (bool, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("marshal stats: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.now()
	if s.interval > 0 && !s.last.IsZero() && now.Sub(s.last) < s.interval {
		return false, nil
	}
	s.last = now
	return true, s.write("progress", Progress{ElapsedMs: s.elapsed(), Stats: raw})
}

// Complete sends the final result and closes the stream.
func (s *Writer) Complete(result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finish("complete", Complete{ElapsedMs: s.elapsed(), Result: raw})
}

// Fail sends the error, and partial stats when given, and closes the stream.
func (s *Writer) Fail(kind, msg string, partial any) error {
	f := Failure{ElapsedMs: s.elapsed(), Error: msg, Kind: kind}
	if partial != nil {
		raw, err := json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("marshal partial: %w", err)
		}
		f.Partial = raw
	}
	return s.finish("error", f)
}

// Ping writes a comment line so idle proxies keep the connection open.
func (s *Writer) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *Writer) finish(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.write(event, data)
}

// write sends one event. The caller holds mu.
func (s *Writer) write(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.id++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.id, event, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
