// Package mock provides test doubles for the tts package interfaces.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/interviewflow/interviewflow/pkg/provider/tts"
)

// SynthesizeCall records a single completed synthesis request.
type SynthesizeCall struct {
	// Text is the concatenation of all fragments received before the text
	// channel closed.
	Text string

	// Voice is the voice requested for this synthesis.
	Voice tts.Voice
}

// Synthesizer is a mock implementation of tts.Synthesizer. It consumes the
// text channel, records the call, then emits the configured Chunks.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks are the audio payloads emitted for every synthesis.
	Chunks [][]byte

	// StartErr, if non-nil, is returned from SynthesizeStream immediately.
	StartErr error

	// Mime overrides the reported MIME type. Defaults to "audio/pcm;rate=16000".
	Mime string

	// SynthesizeCalls records every completed synthesis.
	SynthesizeCalls []SynthesizeCall
}

// SynthesizeStream implements tts.Synthesizer.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	s.mu.Lock()
	err := s.StartErr
	chunks := append([][]byte(nil), s.Chunks...)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks)+1)
	go func() {
		defer close(out)

		var sb strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					s.mu.Lock()
					s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{
						Text:  sb.String(),
						Voice: voice,
					})
					s.mu.Unlock()
					for _, c := range chunks {
						select {
						case out <- c:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				sb.WriteString(fragment)
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// MIMEType implements tts.Synthesizer.
func (s *Synthesizer) MIMEType() string {
	if s.Mime != "" {
		return s.Mime
	}
	return "audio/pcm;rate=16000"
}

// Calls returns a copy of the recorded synthesis calls.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthesizeCall(nil), s.SynthesizeCalls...)
}
