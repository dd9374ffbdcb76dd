// Package mock provides test doubles for the stt package interfaces.
//
// Use Recognizer to verify that the caller opens streams with the expected
// StreamConfig. Use Stream to feed controlled Result values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	rec := &mock.Recognizer{Stream: st}
//	handle, _ := rec.Start(ctx, cfg)
//	st.Emit(stt.Result{Text: "hello", IsFinal: true})
//	st.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/interviewflow/interviewflow/pkg/provider/stt"
)

// StartCall records a single invocation of Recognizer.Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Start.
	Cfg stt.StreamConfig
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Stream is the StreamHandle returned by Start. If nil, Start returns a
	// new default Stream.
	Stream stt.StreamHandle

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start.
	StartCalls []StartCall
}

// Start records the call and returns Stream, StartErr.
func (r *Recognizer) Start(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	if r.Stream != nil {
		return r.Stream, nil
	}
	return NewStream(), nil
}

// Calls returns a copy of the recorded Start invocations.
func (r *Recognizer) Calls() []StartCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StartCall(nil), r.StartCalls...)
}

// Stream is a scripted implementation of stt.StreamHandle. Tests drive it
// with Emit and End; the code under test consumes Results as usual.
type Stream struct {
	mu sync.Mutex

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// StopCalls and AbortCalls count invocations.
	StopCalls  int
	AbortCalls int

	results chan stt.Result
	ended   bool
	err     error
}

// NewStream returns a Stream with a buffered results channel.
func NewStream() *Stream {
	return &Stream{results: make(chan stt.Result, 16)}
}

// Emit delivers one recognition result to the consumer. Emit after End panics.
func (s *Stream) Emit(res stt.Result) {
	s.results <- res
}

// End closes the results channel with the given terminal error.
func (s *Stream) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.mu.Unlock()
	close(s.results)
}

// SendAudio records the chunk. Returns stt.ErrClosed after End.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrClosed
	}
	s.Audio = append(s.Audio, chunk)
	return nil
}

// AudioChunks returns a copy of the recorded SendAudio payloads.
func (s *Stream) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Audio...)
}

// Results returns the scripted result channel.
func (s *Stream) Results() <-chan stt.Result { return s.results }

// Stop records the call. The test remains responsible for calling End.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	return nil
}

// Abort records the call and ends the stream with stt.ErrAborted.
func (s *Stream) Abort() error {
	s.mu.Lock()
	aborted := s.ended
	s.AbortCalls++
	s.mu.Unlock()
	if !aborted {
		s.End(stt.ErrAborted)
	}
	return nil
}

// Err returns the error recorded by End.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
