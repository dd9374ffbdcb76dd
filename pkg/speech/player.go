// Package speech renders interviewer utterances through a synthesizer and an
// audio sink, enforcing the session's playback rules: at most one utterance
// plays at a time, a new request cancels and replaces the current one, and
// every request signals completion exactly once so the session controller
// can hand the floor back to the candidate.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/pkg/provider/tts"
)

// Sink renders one utterance of encoded audio. Play blocks until the
// utterance has been rendered fully or ctx is cancelled; the audio channel
// is closed by the producer when the utterance is complete.
type Sink interface {
	Play(ctx context.Context, audio <-chan []byte, mimeType string) error
}

// Config assembles a Player.
type Config struct {
	// Synth converts text to audio. Optional: when nil, Speak degrades to
	// an immediate completion signal so text-only sessions keep flowing.
	Synth tts.Synthesizer

	// Sink renders audio. Required.
	Sink Sink

	// Voice is the synthesis voice used by Speak.
	Voice tts.Voice

	// OnComplete fires exactly once per playback request when it finishes
	// or is stopped. A request that is replaced by a newer one does not
	// fire; the newer request's completion supersedes it. Optional.
	OnComplete func()

	// Metrics records synthesis latency. Optional.
	Metrics *observe.Metrics
}

// Player serialises interviewer speech output. All methods are safe for
// concurrent use.
type Player struct {
	cfg Config

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Player. cfg.Sink must not be nil.
func New(cfg Config) (*Player, error) {
	if cfg.Sink == nil {
		return nil, errors.New("speech: sink must not be nil")
	}
	return &Player{cfg: cfg}, nil
}

// Speak synthesizes text and plays it, cancelling any utterance already in
// flight. It returns immediately; completion is reported via OnComplete.
// When no synthesizer is configured, or synthesis fails, completion is
// signalled anyway so the conversation does not stall.
func (p *Player) Speak(ctx context.Context, text string) {
	gen, playCtx, done := p.replace(ctx)
	if playCtx == nil {
		return
	}

	go func() {
		defer p.finish(gen, done)

		if p.cfg.Synth == nil {
			return
		}

		textCh := make(chan string, 1)
		textCh <- text
		close(textCh)

		start := time.Now()
		audio, err := p.cfg.Synth.SynthesizeStream(playCtx, textCh, p.cfg.Voice)
		if err != nil {
			slog.Error("speech synthesis failed; continuing without audio", "error", err)
			return
		}

		if err := p.cfg.Sink.Play(playCtx, audio, p.cfg.Synth.MIMEType()); err != nil && playCtx.Err() == nil {
			slog.Error("speech playback failed", "error", err)
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.TTSDuration.Record(playCtx, time.Since(start).Seconds())
		}
	}()
}

// PlayEncoded plays pre-synthesized audio (e.g. an audio message from the
// interview server), cancelling any utterance already in flight. Completion
// is reported via OnComplete.
func (p *Player) PlayEncoded(ctx context.Context, data []byte, mimeType string) {
	gen, playCtx, done := p.replace(ctx)
	if playCtx == nil {
		return
	}

	go func() {
		defer p.finish(gen, done)

		audio := make(chan []byte, 1)
		audio <- data
		close(audio)

		if err := p.cfg.Sink.Play(playCtx, audio, mimeType); err != nil && playCtx.Err() == nil {
			slog.Error("speech playback failed", "error", err)
		}
	}()
}

// Stop cancels the current utterance, if any. Its completion signal still
// fires; stopping is how the utterance ends, not a way to silence it.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Playing reports whether an utterance is currently in flight.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// replace cancels the in-flight utterance, waits for it to drain, and
// registers a new playback generation. Returns nil playCtx when a
// concurrent replace superseded this one before it could register.
func (p *Player) replace(ctx context.Context) (uint64, context.Context, chan struct{}) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	oldCancel, oldDone := p.cancel, p.done
	p.mu.Unlock()

	// The replaced utterance must not fire OnComplete; its generation is
	// already stale. Wait for it to drain so sink access stays serialised.
	if oldCancel != nil {
		oldCancel()
		<-oldDone
	}

	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		cancel()
		return 0, nil, nil
	}
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	return gen, playCtx, done
}

// finish closes out a playback generation and fires OnComplete when this
// generation is still the current one.
func (p *Player) finish(gen uint64, done chan struct{}) {
	p.mu.Lock()
	live := p.gen == gen
	if live {
		if p.cancel != nil {
			p.cancel()
		}
		p.cancel = nil
		p.done = nil
	}
	p.mu.Unlock()

	close(done)

	if live && p.cfg.OnComplete != nil {
		p.cfg.OnComplete()
	}
}
