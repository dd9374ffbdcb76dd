// Package app wires the client-side session subsystems — capture adapter,
// output player, session channel, grading client and the controller — into
// one running interview session.
//
// Missing capabilities degrade instead of failing: without a recognizer the
// session is text-only, without a synthesizer interviewer turns complete
// immediately, and without a grading endpoint EndSession returns no report.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/interviewflow/interviewflow/internal/channel"
	"github.com/interviewflow/interviewflow/internal/config"
	"github.com/interviewflow/interviewflow/internal/controller"
	"github.com/interviewflow/interviewflow/internal/grading"
	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/internal/transcript"
	"github.com/interviewflow/interviewflow/pkg/capture"
	"github.com/interviewflow/interviewflow/pkg/provider/stt"
	"github.com/interviewflow/interviewflow/pkg/provider/tts"
	"github.com/interviewflow/interviewflow/pkg/speech"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// Config assembles a Session.
type Config struct {
	// Settings is the loaded application configuration.
	Settings *config.Config

	// Endpoint is the interview server base URL.
	Endpoint string

	// Params identify the session.
	Params types.SessionParams

	// Recognizer provides voice input. Optional; nil means text-only.
	Recognizer stt.Recognizer

	// Source is the microphone device feeding the recognizer. Optional.
	Source capture.Source

	// Synth renders interviewer text locally. Optional.
	Synth tts.Synthesizer

	// Sink plays interviewer audio. Optional; nil disables playback.
	Sink speech.Sink

	// OnTranscript receives transcript snapshots for display. Optional.
	OnTranscript func([]types.TranscriptEntry)

	// OnState receives controller state changes. Optional.
	OnState func(controller.State)

	// Metrics records session telemetry. Optional.
	Metrics *observe.Metrics
}

// Session is one assembled interview session. Drive it through Controller
// and Run; Close releases the channel.
type Session struct {
	// Controller is the session's public surface: listening control, text
	// and code submission, and EndSession.
	Controller *controller.Controller

	channel   *channel.Channel
	closeOnce sync.Once
}

// sessionConn forwards the controller's channel operations to the Session's
// channel, which is dialed after the controller exists.
type sessionConn struct {
	s *Session
}

func (c sessionConn) Send(msg types.Message) error {
	if c.s.channel == nil {
		return fmt.Errorf("app: channel not connected")
	}
	return c.s.channel.Send(msg)
}

func (c sessionConn) Close() error {
	if c.s.channel == nil {
		return nil
	}
	return c.s.channel.Close()
}

// New assembles and connects a session. The returned Session is live: the
// channel is dialed and the server's greeting will arrive as soon as the
// controller runs.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("app: settings must not be nil")
	}
	sess := &Session{}
	sc := cfg.Settings.Session

	var corrector capture.Corrector
	if len(sc.Keywords) > 0 {
		corrector = transcript.NewCorrector(sc.Keywords)
	}

	// Voice input: degrade to text-only when no recognizer is available.
	var adapter *capture.Adapter
	if cfg.Recognizer != nil {
		var err error
		adapter, err = capture.New(capture.Config{
			Recognizer: cfg.Recognizer,
			Source:     cfg.Source,
			Stream: stt.StreamConfig{
				Language: sc.Language,
				Keywords: sc.Keywords,
			},
			Corrector: corrector,
			OnUpdate:  func(p types.PartialTranscript) { sess.Controller.HandleCaptureUpdate(p) },
			OnError:   func(kind capture.ErrorKind) { sess.Controller.HandleCaptureError(kind) },
			Metrics:   cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("app: build capture adapter: %w", err)
		}
	} else {
		slog.Info("no speech recognizer configured; session is text-only")
	}

	var player *speech.Player
	if cfg.Sink != nil {
		var err error
		player, err = speech.New(speech.Config{
			Synth: cfg.Synth,
			Sink:  cfg.Sink,
			Voice: tts.Voice{
				ID:       sc.Voice.VoiceID,
				Provider: sc.Voice.Provider,
			},
			OnComplete: func() { sess.Controller.HandlePlaybackComplete() },
			Metrics:    cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("app: build player: %w", err)
		}
	}

	var grader controller.Grader
	if cfg.Settings.Grading.URL != "" {
		g, err := grading.New(
			cfg.Settings.Grading.URL,
			grading.StaticCredential(cfg.Settings.Grading.Token),
			grading.WithMetrics(cfg.Metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("app: build grading client: %w", err)
		}
		grader = g
	}

	ctrlCfg := controller.Config{
		Params:            cfg.Params,
		Conn:              sessionConn{s: sess},
		Grader:            grader,
		SilenceWindow:     sc.SilenceWindowOrDefault(),
		DisableAutoListen: sc.DisableAutoListen,
		OnTranscript:      cfg.OnTranscript,
		OnState:           cfg.OnState,
		Metrics:           cfg.Metrics,
	}
	if adapter != nil {
		ctrlCfg.Capture = adapter
	}
	if player != nil {
		ctrlCfg.Output = player
	}

	ctrl, err := controller.New(ctrlCfg)
	if err != nil {
		return nil, fmt.Errorf("app: build controller: %w", err)
	}
	sess.Controller = ctrl

	ch, err := channel.Dial(ctx, channel.Config{
		Endpoint:      cfg.Endpoint,
		Params:        cfg.Params,
		OnMessage:     ctrl.HandleInbound,
		OnStateChange: ctrl.HandleConnState,
		QueueSize:     sc.OutboundQueueOrDefault(),
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: dial session: %w", err)
	}
	sess.channel = ch

	return sess, nil
}

// Run drives the controller's event loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.Controller.Run(ctx)
}

// Close releases the session channel. EndSession already closes it as part
// of teardown; Close covers sessions abandoned without a proper end.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.channel != nil {
			err = s.channel.Close()
		}
	})
	return err
}
