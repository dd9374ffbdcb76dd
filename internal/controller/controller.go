// Package controller implements the interview session state machine.
//
// The controller mediates between the turn timer, the speech capture and
// output adapters, and the session channel. All reactions run on a single
// goroutine consuming one event queue, so no two handlers ever execute
// concurrently and the state transitions stay race-free by construction:
//
//	Standby -> Listening -> AwaitingResponse -> Speaking -> Listening ... -> Ended
//
// Ended is terminal and reachable from every state, but only through the
// explicit end-session action.
package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/interviewflow/interviewflow/internal/config"
	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/internal/turn"
	"github.com/interviewflow/interviewflow/pkg/capture"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// State is the controller's current mode. Exactly one is active at a time.
type State string

const (
	StateStandby          State = "standby"
	StateListening        State = "listening"
	StateAwaitingResponse State = "awaiting_response"
	StateSpeaking         State = "speaking"
	StateEnded            State = "ended"
)

// Errors returned by the user-facing operations.
var (
	// ErrEnded means the session has already ended.
	ErrEnded = errors.New("controller: session has ended")

	// ErrBusy means the interviewer's response is still pending and user
	// input is not accepted right now.
	ErrBusy = errors.New("controller: awaiting interviewer response")

	// ErrVoiceUnavailable means speech capture is not available for this
	// session; input must be typed.
	ErrVoiceUnavailable = errors.New("controller: voice input is not available")

	// ErrStopped means the controller's run loop is no longer consuming
	// events.
	ErrStopped = errors.New("controller: not running")
)

// Capture is the slice of the speech capture adapter the controller drives.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Abort()
	Active() bool
}

// Output is the slice of the speech output adapter the controller drives.
type Output interface {
	Speak(ctx context.Context, text string)
	PlayEncoded(ctx context.Context, data []byte, mimeType string)
	Stop()
}

// Conn is the session channel as seen by the controller.
type Conn interface {
	Send(types.Message) error
	Close() error
}

// Grader produces the end-of-session report.
type Grader interface {
	Grade(ctx context.Context, req types.GradeRequest) (*types.Report, error)
}

// encodedAudioMIME is the content type of audio messages from the server.
const encodedAudioMIME = "audio/mpeg"

// Config assembles a Controller.
type Config struct {
	// Params identify the session; Params.InterviewType is forwarded to
	// the grading request.
	Params types.SessionParams

	// Conn is the session channel. Required.
	Conn Conn

	// Capture provides voice input. Optional: when nil the session is
	// text-only from the start.
	Capture Capture

	// Output renders interviewer speech. Optional: when nil, responses
	// are text-only and the turn loop continues immediately.
	Output Output

	// Grader is called once on session end. Optional: when nil,
	// EndSession returns no report.
	Grader Grader

	// SilenceWindow is the trailing silence that finalizes a spoken
	// answer. Defaults to 3s if zero.
	SilenceWindow time.Duration

	// DisableAutoListen turns off the automatic return to Listening after
	// the interviewer finishes speaking.
	DisableAutoListen bool

	// OnTranscript receives a snapshot of the transcript after every
	// change. Optional.
	OnTranscript func([]types.TranscriptEntry)

	// OnState receives every state transition. Optional.
	OnState func(State)

	// Metrics records turn durations and session gauges. Optional.
	Metrics *observe.Metrics
}

// Controller runs one interview session. Public methods may be called from
// any goroutine; they post events consumed by Run.
type Controller struct {
	cfg    Config
	timer  *turn.Timer
	events chan event

	runCtx  context.Context
	stopped chan struct{}

	mu            sync.Mutex
	state         State
	history       []types.TranscriptEntry
	connected     bool
	voiceDisabled bool

	// Turn bookkeeping, touched only by the run goroutine.
	turnSent    bool
	armGen      uint64
	turnStarted time.Time
	livePartial types.PartialTranscript
}

type event interface{ isEvent() }

type evCaptureUpdate struct{ partial types.PartialTranscript }
type evCaptureError struct{ kind capture.ErrorKind }
type evTimerFire struct{ gen uint64 }
type evInbound struct{ msg types.Message }
type evPlaybackDone struct{}
type evConnState struct{ connected bool }
type evStartListening struct{ reply chan error }
type evStopListening struct{}
type evSubmit struct {
	msg   types.Message
	reply chan error
}
type evEnd struct {
	ctx   context.Context
	reply chan endResult
}

type endResult struct {
	report *types.Report
	err    error
}

func (evCaptureUpdate) isEvent()  {}
func (evCaptureError) isEvent()   {}
func (evTimerFire) isEvent()      {}
func (evInbound) isEvent()        {}
func (evPlaybackDone) isEvent()   {}
func (evConnState) isEvent()      {}
func (evStartListening) isEvent() {}
func (evStopListening) isEvent()  {}
func (evSubmit) isEvent()         {}
func (evEnd) isEvent()            {}

// New creates a Controller in Standby.
func New(cfg Config) (*Controller, error) {
	if cfg.Conn == nil {
		return nil, errors.New("controller: conn must not be nil")
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = config.DefaultSilenceWindow
	}
	c := &Controller{
		cfg:       cfg,
		timer:     turn.New(),
		events:    make(chan event, 64),
		stopped:   make(chan struct{}),
		state:     StateStandby,
		connected: true,
	}
	if cfg.Capture == nil {
		c.voiceDisabled = true
	}
	return c, nil
}

// Run consumes the event queue until ctx is cancelled. It must be called
// exactly once; all handlers execute on this goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	defer close(c.stopped)

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// post enqueues an event unless the run loop has stopped.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a snapshot of the transcript.
func (c *Controller) History() []types.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.TranscriptEntry(nil), c.history...)
}

// Connected reports the last known channel connectivity.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// VoiceDisabled reports whether voice input has been ruled out for this
// session, either at construction or after a capture failure.
func (c *Controller) VoiceDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceDisabled
}

// HandleCaptureUpdate feeds a transcript update from the capture adapter.
func (c *Controller) HandleCaptureUpdate(p types.PartialTranscript) {
	c.post(evCaptureUpdate{partial: p})
}

// HandleCaptureError feeds a classified capture failure.
func (c *Controller) HandleCaptureError(kind capture.ErrorKind) {
	c.post(evCaptureError{kind: kind})
}

// HandleInbound feeds a message from the session channel.
func (c *Controller) HandleInbound(msg types.Message) {
	c.post(evInbound{msg: msg})
}

// HandlePlaybackComplete feeds the output adapter's completion signal.
func (c *Controller) HandlePlaybackComplete() {
	c.post(evPlaybackDone{})
}

// HandleConnState feeds channel connectivity changes.
func (c *Controller) HandleConnState(connected bool) {
	c.post(evConnState{connected: connected})
}

// StartListening opens a capture window and enters Listening. Calling it
// while already listening is a no-op. During interviewer speech it cuts the
// playback short and hands the floor to the candidate.
func (c *Controller) StartListening(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.await(ctx, evStartListening{reply: reply}, reply)
}

// StopListening finalizes the current spoken answer, if any.
func (c *Controller) StopListening() {
	c.post(evStopListening{})
}

// SubmitText sends a typed answer, bypassing speech capture.
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("controller: answer must not be empty")
	}
	reply := make(chan error, 1)
	msg := types.Message{Type: types.MessageSubmitAnswer, Text: text}
	return c.await(ctx, evSubmit{msg: msg, reply: reply}, reply)
}

// SubmitCode sends a code submission with its language.
func (c *Controller) SubmitCode(ctx context.Context, code, language string) error {
	if strings.TrimSpace(code) == "" {
		return errors.New("controller: code must not be empty")
	}
	reply := make(chan error, 1)
	msg := types.Message{Type: types.MessageSubmitCode, Text: code, Language: language}
	return c.await(ctx, evSubmit{msg: msg, reply: reply}, reply)
}

// EndSession ends the session, releases all resources and requests the
// grading report. The transcript survives a grading failure, so EndSession
// may be called again to retry just the grading step.
func (c *Controller) EndSession(ctx context.Context) (*types.Report, error) {
	reply := make(chan endResult, 1)
	select {
	case c.events <- evEnd{ctx: ctx, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrStopped
	}
	select {
	case res := <-reply:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrStopped
	}
}

// await posts ev and waits for its reply.
func (c *Controller) await(ctx context.Context, ev event, reply chan error) error {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// handle dispatches one event. Runs on the Run goroutine only.
func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case evCaptureUpdate:
		c.onCaptureUpdate(ev.partial)
	case evCaptureError:
		c.onCaptureError(ev.kind)
	case evTimerFire:
		c.onTimerFire(ev.gen)
	case evInbound:
		c.onInbound(ev.msg)
	case evPlaybackDone:
		c.onPlaybackDone()
	case evConnState:
		c.onConnState(ev.connected)
	case evStartListening:
		ev.reply <- c.onStartListening()
	case evStopListening:
		c.onStopListening()
	case evSubmit:
		ev.reply <- c.onSubmit(ev.msg)
	case evEnd:
		ev.reply <- c.onEnd(ev.ctx)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		slog.Debug("session state change", "from", prev, "to", s)
		if c.cfg.OnState != nil {
			c.cfg.OnState(s)
		}
	}
}

func (c *Controller) onCaptureUpdate(p types.PartialTranscript) {
	if c.State() != StateListening || c.turnSent {
		return
	}

	// The live entry shows the interim hypothesis, but only the finalized
	// portion may ever become the answer.
	c.livePartial = p
	c.upsertLiveEntry(p.Text())

	// Each update restarts the silence countdown; only the latest arm may
	// finalize the turn.
	c.armGen++
	gen := c.armGen
	c.timer.Arm(c.cfg.SilenceWindow, func() {
		c.post(evTimerFire{gen: gen})
	})
}

func (c *Controller) onTimerFire(gen uint64) {
	if gen != c.armGen {
		return
	}
	c.finalizeTurn()
}

func (c *Controller) onStopListening() {
	if c.State() != StateListening {
		return
	}
	c.finalizeTurn()
}

// finalizeTurn closes the listening window and sends the answer. At most one
// finalize runs per turn regardless of whether the timer fire or a manual
// stop got here first.
func (c *Controller) finalizeTurn() {
	if c.State() != StateListening || c.turnSent {
		return
	}
	c.turnSent = true
	c.timer.Disarm()

	if c.cfg.Capture != nil {
		c.cfg.Capture.Stop()
	}

	// An unstable interim hypothesis is discarded with the window; the
	// answer is what the recognizer committed.
	text := strings.TrimSpace(c.livePartial.Final)
	c.livePartial = types.PartialTranscript{}
	c.settleLiveEntry(text)

	if text == "" {
		// Nothing was finalized; the listening window just closes.
		c.setState(StateStandby)
		return
	}

	c.sendAnswer(types.Message{Type: types.MessageSubmitAnswer, Text: text})
}

func (c *Controller) onSubmit(msg types.Message) error {
	switch c.State() {
	case StateEnded:
		return ErrEnded
	case StateAwaitingResponse, StateSpeaking:
		return ErrBusy
	case StateListening:
		// A typed submission bypasses and discards the capture window.
		c.turnSent = true
		c.timer.Disarm()
		if c.cfg.Capture != nil {
			c.cfg.Capture.Abort()
		}
		c.removeLiveEntry()
	}

	c.appendEntry(types.TranscriptEntry{
		Speaker: types.SpeakerUser,
		Text:    msg.Text,
		Role:    types.RoleUser,
	})
	c.sendAnswer(msg)
	return nil
}

// sendAnswer transmits an outbound turn and enters AwaitingResponse.
func (c *Controller) sendAnswer(msg types.Message) {
	if err := c.cfg.Conn.Send(msg); err != nil {
		slog.Error("failed to send answer", "type", msg.Type, "error", err)
	}
	if c.cfg.Metrics != nil && !c.turnStarted.IsZero() {
		c.cfg.Metrics.TurnDuration.Record(context.Background(), time.Since(c.turnStarted).Seconds())
		c.turnStarted = time.Time{}
	}
	c.setState(StateAwaitingResponse)
}

func (c *Controller) onStartListening() error {
	switch c.State() {
	case StateEnded:
		return ErrEnded
	case StateAwaitingResponse:
		return ErrBusy
	case StateListening:
		return nil
	case StateSpeaking:
		if c.cfg.Output != nil {
			c.cfg.Output.Stop()
		}
	}
	return c.beginListening()
}

// beginListening opens a capture window and enters Listening.
func (c *Controller) beginListening() error {
	if c.VoiceDisabled() || c.cfg.Capture == nil {
		return ErrVoiceUnavailable
	}
	if err := c.cfg.Capture.Start(c.runCtx); err != nil {
		return fmt.Errorf("controller: start capture: %w", err)
	}
	c.turnSent = false
	c.turnStarted = time.Now()
	c.livePartial = types.PartialTranscript{}
	c.setState(StateListening)
	return nil
}

func (c *Controller) onCaptureError(kind capture.ErrorKind) {
	switch kind {
	case capture.ErrorAborted:
		return
	case capture.ErrorNoSpeech:
		if c.State() == StateListening && !c.turnSent {
			c.timer.Disarm()
			c.removeLiveEntry()
			c.setState(StateStandby)
		}
	case capture.ErrorOther:
		slog.Warn("speech capture failed; session falls back to text input")
		c.mu.Lock()
		c.voiceDisabled = true
		c.mu.Unlock()
		c.appendEntry(types.TranscriptEntry{
			Speaker: types.SpeakerSystem,
			Text:    "Voice input is unavailable. Please type your answers.",
			Role:    types.RoleSystem,
		})
		if c.State() == StateListening {
			c.timer.Disarm()
			c.removeLiveEntry()
			c.setState(StateStandby)
		}
	}
}

func (c *Controller) onInbound(msg types.Message) {
	switch msg.Type {
	case types.MessageTranscript:
		// Server-echoed live text updates the current live entry in place.
		c.upsertLiveEntry(msg.Text)

	case types.MessageAIResponse:
		c.appendEntry(types.TranscriptEntry{
			Speaker: types.SpeakerAI,
			Text:    msg.Text,
			Role:    types.RoleAI,
		})
		switch c.State() {
		case StateStandby, StateAwaitingResponse:
			c.startSpeaking(msg.Text)
		default:
			// Unexpected state; keep the entry, skip playback.
		}

	case types.MessageAudio:
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			slog.Warn("discarding undecodable audio message", "error", err)
			return
		}
		if c.cfg.Output == nil {
			return
		}
		switch c.State() {
		case StateAwaitingResponse, StateSpeaking:
		case StateListening:
			// Server audio can trail the text response past a local
			// completion; the interviewer reclaims the floor and the
			// just-opened capture window is discarded.
			c.timer.Disarm()
			if c.cfg.Capture != nil {
				c.cfg.Capture.Abort()
			}
			c.removeLiveEntry()
			c.livePartial = types.PartialTranscript{}
		default:
			return
		}
		c.setState(StateSpeaking)
		c.cfg.Output.PlayEncoded(c.runCtx, data, encodedAudioMIME)

	case types.MessageSystem:
		c.appendEntry(types.TranscriptEntry{
			Speaker: types.SpeakerSystem,
			Text:    msg.Text,
			Role:    types.RoleSystem,
		})

	default:
		// Unknown inbound types are shown rather than dropped.
		c.appendEntry(types.TranscriptEntry{
			Speaker: types.SpeakerSystem,
			Text:    msg.Text,
			Role:    types.RoleSystem,
		})
	}
}

// startSpeaking hands text to the output adapter. With no output configured
// the turn completes immediately so the loop keeps moving.
func (c *Controller) startSpeaking(text string) {
	if c.cfg.Output == nil {
		c.setState(StateSpeaking)
		c.onPlaybackDone()
		return
	}
	c.setState(StateSpeaking)
	c.cfg.Output.Speak(c.runCtx, text)
}

func (c *Controller) onPlaybackDone() {
	if c.State() != StateSpeaking {
		return
	}
	if c.cfg.DisableAutoListen || c.VoiceDisabled() || c.cfg.Capture == nil {
		c.setState(StateStandby)
		return
	}
	if err := c.beginListening(); err != nil {
		slog.Warn("auto-listen failed; returning to standby", "error", err)
		c.setState(StateStandby)
	}
}

func (c *Controller) onConnState(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()

	if changed && !connected {
		slog.Warn("session channel disconnected", "session_id", c.cfg.Params.SessionID)
	}
}

func (c *Controller) onEnd(ctx context.Context) endResult {
	if c.State() != StateEnded {
		c.teardown()
		c.setState(StateEnded)
	}

	if c.cfg.Grader == nil {
		return endResult{}
	}

	req := types.GradeRequest{
		History: c.gradingHistory(),
		Type:    c.cfg.Params.InterviewType,
	}
	report, err := c.cfg.Grader.Grade(ctx, req)
	if err != nil {
		// History stays intact; EndSession may be retried.
		return endResult{err: fmt.Errorf("controller: grade session: %w", err)}
	}
	return endResult{report: report}
}

// teardown releases every session resource deterministically.
func (c *Controller) teardown() {
	c.timer.Disarm()
	if c.cfg.Capture != nil {
		c.cfg.Capture.Abort()
	}
	if c.cfg.Output != nil {
		c.cfg.Output.Stop()
	}
	if err := c.cfg.Conn.Close(); err != nil {
		slog.Debug("closing session channel", "error", err)
	}
}

// gradingHistory maps settled user and interviewer entries to the grading
// wire format, in order. Live and system entries are excluded.
func (c *Controller) gradingHistory() []types.HistoryMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]types.HistoryMessage, 0, len(c.history))
	for _, e := range c.history {
		if e.Live {
			continue
		}
		switch e.Speaker {
		case types.SpeakerUser:
			history = append(history, types.HistoryMessage{Role: "user", Content: e.Text})
		case types.SpeakerAI:
			history = append(history, types.HistoryMessage{Role: "assistant", Content: e.Text})
		}
	}
	return history
}

// upsertLiveEntry replaces the text of the current live user entry, creating
// it if absent. The transcript never accumulates duplicate fragments of the
// same utterance.
func (c *Controller) upsertLiveEntry(text string) {
	c.mu.Lock()
	updated := false
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Live && c.history[i].Speaker == types.SpeakerUser {
			c.history[i].Text = text
			updated = true
			break
		}
	}
	if !updated {
		c.history = append(c.history, types.TranscriptEntry{
			Speaker: types.SpeakerUser,
			Text:    text,
			Role:    types.RoleUser,
			Live:    true,
		})
	}
	c.mu.Unlock()
	c.notifyTranscript()
}

// settleLiveEntry finalizes the live user entry with text, or removes it
// when the window produced nothing.
func (c *Controller) settleLiveEntry(text string) {
	c.mu.Lock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Live && c.history[i].Speaker == types.SpeakerUser {
			if text == "" {
				c.history = append(c.history[:i], c.history[i+1:]...)
			} else {
				c.history[i].Text = text
				c.history[i].Live = false
			}
			break
		}
	}
	c.mu.Unlock()
	c.notifyTranscript()
}

// removeLiveEntry drops the live user entry, if any.
func (c *Controller) removeLiveEntry() {
	c.settleLiveEntry("")
}

func (c *Controller) appendEntry(e types.TranscriptEntry) {
	c.mu.Lock()
	c.history = append(c.history, e)
	c.mu.Unlock()
	c.notifyTranscript()
}

func (c *Controller) notifyTranscript() {
	if c.cfg.OnTranscript == nil {
		return
	}
	c.cfg.OnTranscript(c.History())
}
