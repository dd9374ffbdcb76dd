// Package capture adapts a streaming speech recognizer to the turn-taking
// needs of an interview session.
//
// The adapter owns one recognition stream at a time. Every recognizer update
// re-derives the full transcript for the current window from the accumulated
// result set: committed finals joined in order, plus the latest interim
// hypothesis. Consumers therefore never have to splice text fragments
// themselves, and a superseded interim can never leak into the final answer.
//
// Start is idempotent against the adapter's actual state: starting while a
// stream is already open is a no-op, not an error. Stop finalizes gracefully
// (a trailing update may still be delivered); Abort discards the window.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/pkg/provider/stt"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// ErrUnsupported indicates that no speech recognition capability is
// available. Callers should degrade to text-only input.
var ErrUnsupported = errors.New("capture: speech recognition is not available")

// ErrorKind classifies capture failures for the session controller.
type ErrorKind int

const (
	// ErrorNoSpeech means the window closed without recognizing anything.
	// Expected during silence; not a fault.
	ErrorNoSpeech ErrorKind = iota

	// ErrorAborted means the window was torn down deliberately.
	ErrorAborted

	// ErrorOther covers genuine recognizer failures (network, auth, device).
	ErrorOther
)

// String returns the browser-style error label for k.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNoSpeech:
		return "no-speech"
	case ErrorAborted:
		return "aborted"
	default:
		return "other"
	}
}

// Source is an exclusive audio input device producing raw PCM frames.
// Start acquires the device; the returned channel closes when the device is
// released. Stop releases it. Implementations must tolerate Stop without a
// prior Start and repeated Stop calls.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}

// Corrector post-processes finalized transcript segments, e.g. to snap
// misheard domain terms back to known keywords.
type Corrector interface {
	Correct(text string) string
}

// Config assembles a capture Adapter.
type Config struct {
	// Recognizer opens transcription streams. Required; New returns
	// ErrUnsupported when nil.
	Recognizer stt.Recognizer

	// Source supplies microphone audio. Optional: when nil the recognizer
	// is assumed to obtain audio on its own (tests, server-fed streams).
	Source Source

	// Stream is passed to the recognizer for every window.
	Stream stt.StreamConfig

	// Corrector is applied to each finalized segment. Optional.
	Corrector Corrector

	// OnUpdate receives the re-derived transcript after every recognizer
	// result. Optional.
	OnUpdate func(types.PartialTranscript)

	// OnError receives the classified terminal condition of a window that
	// did not finalize cleanly. Optional.
	OnError func(ErrorKind)

	// Metrics records capture gauges and stream lifetime. Optional.
	Metrics *observe.Metrics
}

// Adapter manages the lifecycle of speech capture windows. All methods are
// safe for concurrent use.
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	gen     uint64
	active  bool
	handle  stt.StreamHandle
	finals  []string
	interim string
	started time.Time
}

// New creates an Adapter. Returns ErrUnsupported when cfg.Recognizer is nil
// so callers can fall back to text-only input.
func New(cfg Config) (*Adapter, error) {
	if cfg.Recognizer == nil {
		return nil, ErrUnsupported
	}
	return &Adapter{cfg: cfg}, nil
}

// Start opens a new capture window. If a window is already open the call is
// a no-op and returns nil; the decision is based on the adapter's actual
// state, never on what the caller believes it to be.
//
// On failure the audio source is released before returning.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		slog.Debug("capture already running; start ignored")
		return nil
	}

	var frames <-chan []byte
	if a.cfg.Source != nil {
		f, err := a.cfg.Source.Start(ctx)
		if err != nil {
			return fmt.Errorf("capture: acquire source: %w", err)
		}
		frames = f
	}

	handle, err := a.cfg.Recognizer.Start(ctx, a.cfg.Stream)
	if err != nil {
		if a.cfg.Source != nil {
			_ = a.cfg.Source.Stop()
		}
		return fmt.Errorf("capture: start stream: %w", err)
	}

	a.gen++
	a.active = true
	a.handle = handle
	a.finals = a.finals[:0]
	a.interim = ""
	a.started = time.Now()

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ActiveCaptures.Add(ctx, 1)
	}

	if frames != nil {
		go pump(frames, handle)
	}
	go a.consume(a.gen, handle)

	return nil
}

// Stop finalizes the current window. The audio source is released
// immediately; the recognizer flushes buffered audio, so one trailing
// transcript update may still be delivered before the window settles.
// Stopping an idle adapter is a no-op.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	handle := a.handle
	if a.cfg.Source != nil {
		_ = a.cfg.Source.Stop()
	}
	a.mu.Unlock()

	_ = handle.Stop()
}

// Abort discards the current window. No further updates are delivered, even
// ones already in flight. Aborting an idle adapter is a no-op.
func (a *Adapter) Abort() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	handle := a.handle
	a.gen++ // consume goroutine for the old window is now stale
	a.settleLocked()
	a.mu.Unlock()

	_ = handle.Abort()
}

// Active reports whether a capture window is currently open.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Transcript returns the current re-derived window transcript.
func (a *Adapter) Transcript() types.PartialTranscript {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.PartialTranscript{
		Final:   strings.Join(a.finals, " "),
		Interim: a.interim,
	}
}

// settleLocked marks the window closed and releases resources. Caller holds mu.
func (a *Adapter) settleLocked() {
	a.active = false
	a.handle = nil
	if a.cfg.Source != nil {
		_ = a.cfg.Source.Stop()
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.STTDuration.Record(context.Background(), time.Since(a.started).Seconds())
		a.cfg.Metrics.ActiveCaptures.Add(context.Background(), -1)
	}
}

// consume drains one stream's results, re-deriving the transcript on every
// update. gen identifies the window; a bumped generation means Abort or a
// newer Start superseded this goroutine and it must go silent.
func (a *Adapter) consume(gen uint64, handle stt.StreamHandle) {
	for res := range handle.Results() {
		a.mu.Lock()
		if a.gen != gen {
			a.mu.Unlock()
			continue
		}
		if res.IsFinal {
			text := res.Text
			if a.cfg.Corrector != nil && text != "" {
				text = a.cfg.Corrector.Correct(text)
			}
			if text != "" {
				a.finals = append(a.finals, text)
			}
			a.interim = ""
		} else {
			a.interim = res.Text
		}
		update := types.PartialTranscript{
			Final:   strings.Join(a.finals, " "),
			Interim: a.interim,
		}
		a.mu.Unlock()

		if a.cfg.OnUpdate != nil {
			a.cfg.OnUpdate(update)
		}
	}

	err := handle.Err()

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.settleLocked()
	a.mu.Unlock()

	var kind ErrorKind
	switch {
	case err == nil:
		return
	case errors.Is(err, stt.ErrNoSpeech):
		kind = ErrorNoSpeech
	case errors.Is(err, stt.ErrAborted):
		kind = ErrorAborted
	default:
		kind = ErrorOther
		slog.Error("capture stream failed", "error", err)
	}
	if a.cfg.OnError != nil {
		a.cfg.OnError(kind)
	}
}

// pump copies microphone frames into the recognition stream until the source
// closes or the stream stops accepting audio.
func pump(frames <-chan []byte, handle stt.StreamHandle) {
	for chunk := range frames {
		if err := handle.SendAudio(chunk); err != nil {
			return
		}
	}
}
