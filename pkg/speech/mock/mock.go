// Package mock provides a test double for the speech.Sink interface.
package mock

import (
	"context"
	"sync"
)

// PlayRecord captures one completed (or cancelled) Play invocation.
type PlayRecord struct {
	// Data is the concatenation of all audio chunks received.
	Data []byte

	// Mime is the MIME type passed to Play.
	Mime string

	// Cancelled reports whether the play context was cancelled before the
	// audio channel closed.
	Cancelled bool
}

// Sink is a scripted speech.Sink. By default each Play drains its audio and
// returns immediately; set Hold to make playback block until Release is
// called (or the context is cancelled), which lets tests exercise
// cancel-and-replace behaviour.
type Sink struct {
	mu sync.Mutex

	// Hold makes Play block after draining audio until Release is called.
	Hold bool

	// PlayErr, if non-nil, is returned from every Play.
	PlayErr error

	records []PlayRecord
	release chan struct{}
}

// NewSink returns a Sink ready for use.
func NewSink() *Sink {
	return &Sink{release: make(chan struct{}, 16)}
}

// Play implements speech.Sink.
func (s *Sink) Play(ctx context.Context, audio <-chan []byte, mimeType string) error {
	rec := PlayRecord{Mime: mimeType}

drain:
	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				break drain
			}
			rec.Data = append(rec.Data, chunk...)
		case <-ctx.Done():
			rec.Cancelled = true
			break drain
		}
	}

	s.mu.Lock()
	hold := s.Hold
	s.mu.Unlock()

	if hold && !rec.Cancelled {
		select {
		case <-s.release:
		case <-ctx.Done():
			rec.Cancelled = true
		}
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	err := s.PlayErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return ctx.Err()
}

// Release unblocks one held playback.
func (s *Sink) Release() {
	s.release <- struct{}{}
}

// Records returns a copy of all completed Play invocations.
func (s *Sink) Records() []PlayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlayRecord(nil), s.records...)
}
