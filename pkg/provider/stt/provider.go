// Package stt defines the Recognizer interface for Speech-to-Text backends.
//
// A recognizer wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// StreamHandle: once opened, a stream accepts raw PCM audio frames and emits
// a single ordered sequence of Result values, interleaving low-latency
// interim hypotheses with authoritative finals. A later interim supersedes
// the previous interim; finals accumulate.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// Sentinel errors reported by [StreamHandle.Err] when a stream ends.
var (
	// ErrNoSpeech indicates the stream was finalized without any speech
	// having been recognized. This is an expected outcome, not a fault.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrAborted indicates the stream was torn down by Abort. Pending
	// results were deliberately discarded.
	ErrAborted = errors.New("stt: stream aborted")

	// ErrClosed is returned by SendAudio once the stream has ended.
	ErrClosed = errors.New("stt: stream is closed")
)

// StreamConfig describes the audio format and recognition hints for a new
// transcription stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for domain terms (e.g., "kubernetes", "memoization").
	Keywords []string
}

// Result is one recognition update. Interim results (IsFinal false) are
// unstable and replaced by the next update; final results are committed.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// StreamHandle represents an open transcription stream. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// The stream ends when either Stop or Abort is called or the provider side
// fails; in all cases the Results channel is closed and Err reports the
// terminal condition. All methods must be safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the format agreed in StreamConfig. Returns
	// ErrClosed after the stream has ended.
	SendAudio(chunk []byte) error

	// Results returns the ordered stream of recognition updates. The
	// channel is closed when the stream ends; a graceful Stop may deliver
	// trailing finals before the close.
	Results() <-chan Result

	// Stop finalizes the stream gracefully: buffered audio is flushed to
	// the provider and any resulting finals are still delivered on Results
	// before it closes. Calling Stop more than once is safe.
	Stop() error

	// Abort tears the stream down immediately, discarding buffered audio
	// and pending results. Err reports ErrAborted afterwards. Calling
	// Abort more than once is safe.
	Abort() error

	// Err returns the terminal condition after Results has closed: nil for
	// a clean finalize, ErrNoSpeech when nothing was recognized, ErrAborted
	// after Abort, or a provider error otherwise. Before the stream ends
	// the return value is undefined.
	Err() error
}

// Recognizer is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously.
type Recognizer interface {
	// Start opens a new streaming transcription session with the given
	// configuration. The returned StreamHandle is ready to accept audio
	// immediately. The caller owns the handle and must end it with Stop or
	// Abort.
	Start(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
