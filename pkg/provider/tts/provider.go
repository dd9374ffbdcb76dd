// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of encoded audio bytes as they become available,
// enabling low-latency pipelining between response generation and playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice identifies a synthesis voice within a provider.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name, if known.
	Name string

	// Provider names the backend this voice belongs to (e.g., "elevenlabs").
	Provider string
}

// Synthesizer is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel.
type Synthesizer interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits encoded audio byte chunks as they are
	// synthesised.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered mid-synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation
	// from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// MIMEType describes the encoding of the emitted audio chunks (e.g.,
	// "audio/pcm;rate=16000" or "audio/mpeg"). It is constant for the
	// lifetime of the synthesizer.
	MIMEType() string
}
