package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/interviewflow/interviewflow/pkg/capture"
	"github.com/interviewflow/interviewflow/pkg/types"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []types.Message
	closed int
}

func (f *fakeConn) Send(msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) sentMessages() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.sent...)
}

type fakeCapture struct {
	mu     sync.Mutex
	starts int
	stops  int
	aborts int
	active bool
}

func (f *fakeCapture) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.active = true
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
}

func (f *fakeCapture) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.active = false
}

func (f *fakeCapture) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapture) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

type fakeOutput struct {
	mu      sync.Mutex
	spoken  []string
	encoded [][]byte
	stops   int
}

func (f *fakeOutput) Speak(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
}

func (f *fakeOutput) PlayEncoded(_ context.Context, data []byte, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encoded = append(f.encoded, data)
}

func (f *fakeOutput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeOutput) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func (f *fakeOutput) encodedChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.encoded...)
}

type fakeGrader struct {
	mu       sync.Mutex
	report   *types.Report
	err      error
	requests []types.GradeRequest
}

func (f *fakeGrader) Grade(_ context.Context, req types.GradeRequest) (*types.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func (f *fakeGrader) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeGrader) requestLog() []types.GradeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.GradeRequest(nil), f.requests...)
}

type fixture struct {
	c       *Controller
	conn    *fakeConn
	capture *fakeCapture
	output  *fakeOutput
	grader  *fakeGrader
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		conn:    &fakeConn{},
		capture: &fakeCapture{},
		output:  &fakeOutput{},
		grader:  &fakeGrader{report: &types.Report{Feedback: "well done"}},
	}
	cfg := Config{
		Params: types.SessionParams{
			SessionID:     "sess-1",
			InterviewType: types.InterviewTechnical,
		},
		Conn:          f.conn,
		Capture:       f.capture,
		Output:        f.output,
		Grader:        f.grader,
		SilenceWindow: 30 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.c = c

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return f
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.State(), want)
}

func waitSent(t *testing.T, conn *fakeConn, n int) []types.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := conn.sentMessages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d", len(conn.sentMessages()), n)
	return nil
}

func TestSpokenTurnFinalizedBySilence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	waitState(t, f.c, StateListening)

	f.c.HandleCaptureUpdate(types.PartialTranscript{Final: "What is a binary search tree"})

	msgs := waitSent(t, f.conn, 1)
	if msgs[0].Type != types.MessageSubmitAnswer || msgs[0].Text != "What is a binary search tree" {
		t.Fatalf("sent %+v, want submit_answer with the spoken text", msgs[0])
	}
	waitState(t, f.c, StateAwaitingResponse)

	history := f.c.History()
	if len(history) != 1 || history[0].Live || history[0].Speaker != types.SpeakerUser {
		t.Fatalf("history = %+v, want one settled user entry", history)
	}
}

func TestCaptureUpdateRestartsSilenceWindow(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SilenceWindow = 60 * time.Millisecond })
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}

	// Keep speaking faster than the silence window; no finalize may happen.
	for i := 0; i < 4; i++ {
		f.c.HandleCaptureUpdate(types.PartialTranscript{Interim: "still talking"})
		time.Sleep(25 * time.Millisecond)
	}
	if got := f.c.State(); got != StateListening {
		t.Fatalf("state = %q while speech continues, want %q", got, StateListening)
	}

	f.c.HandleCaptureUpdate(types.PartialTranscript{Final: "done now"})
	msgs := waitSent(t, f.conn, 1)
	if msgs[0].Text != "done now" {
		t.Fatalf("sent %q, want %q", msgs[0].Text, "done now")
	}
}

func TestFinalizeSendsOnlyCommittedText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureUpdate(types.PartialTranscript{
		Final:   "What is a binary search tree",
		Interim: "um I",
	})

	msgs := waitSent(t, f.conn, 1)
	if msgs[0].Text != "What is a binary search tree" {
		t.Fatalf("sent %q, want the committed text without the interim hypothesis", msgs[0].Text)
	}
	history := f.c.History()
	if len(history) != 1 || history[0].Text != "What is a binary search tree" {
		t.Fatalf("history = %+v, want one settled entry with the committed text", history)
	}
}

func TestInterimOnlySilenceClosesWindowWithoutSending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureUpdate(types.PartialTranscript{Interim: "unstable guess"})

	waitState(t, f.c, StateStandby)
	if msgs := f.conn.sentMessages(); len(msgs) != 0 {
		t.Fatalf("sent %d messages, want 0 — interim text is not an answer", len(msgs))
	}
	if history := f.c.History(); len(history) != 0 {
		t.Fatalf("history = %+v, want empty", history)
	}
}

func TestFinalizeRunsAtMostOncePerTurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureUpdate(types.PartialTranscript{Final: "my answer"})

	// Manual stop races the timer fire for the same utterance.
	f.c.StopListening()
	time.Sleep(100 * time.Millisecond)

	if msgs := f.conn.sentMessages(); len(msgs) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(msgs))
	}
}

func TestEmptyFinalizeClosesWindowWithoutSending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureUpdate(types.PartialTranscript{})

	waitState(t, f.c, StateStandby)
	if msgs := f.conn.sentMessages(); len(msgs) != 0 {
		t.Fatalf("sent %d messages, want 0", len(msgs))
	}
	if history := f.c.History(); len(history) != 0 {
		t.Fatalf("history = %+v, want empty", history)
	}
}

func TestStartListeningIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("first StartListening() error: %v", err)
	}
	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("second StartListening() error: %v", err)
	}
	if got := f.capture.startCount(); got != 1 {
		t.Fatalf("capture started %d times, want 1", got)
	}
}

func TestAIResponseSpeaksThenAutoListens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "my answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	waitState(t, f.c, StateAwaitingResponse)

	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "Good question..."})
	waitState(t, f.c, StateSpeaking)

	if spoken := f.output.spokenTexts(); len(spoken) != 1 || spoken[0] != "Good question..." {
		t.Fatalf("spoken = %v, want the interviewer response", spoken)
	}
	history := f.c.History()
	last := history[len(history)-1]
	if last.Speaker != types.SpeakerAI || last.Role != types.RoleAI {
		t.Fatalf("last entry = %+v, want interviewer entry", last)
	}

	f.c.HandlePlaybackComplete()
	waitState(t, f.c, StateListening)
	if got := f.capture.startCount(); got != 1 {
		t.Fatalf("capture started %d times after auto-listen, want 1", got)
	}
}

func TestTrailingAudioInterruptsAutoListen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "my answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "Tell me more."})
	waitState(t, f.c, StateSpeaking)

	// Local playback finishes before the server's audio rendition arrives;
	// auto-listen has already reopened a capture window.
	f.c.HandlePlaybackComplete()
	waitState(t, f.c, StateListening)

	f.c.HandleInbound(types.Message{
		Type: types.MessageAudio,
		Data: base64.StdEncoding.EncodeToString([]byte("mp3-bytes")),
	})
	waitState(t, f.c, StateSpeaking)

	if chunks := f.output.encodedChunks(); len(chunks) != 1 || string(chunks[0]) != "mp3-bytes" {
		t.Fatalf("played %d chunks, want the server audio", len(chunks))
	}
	if got := f.capture.abortCount(); got == 0 {
		t.Fatal("capture window not aborted when the interviewer reclaimed the floor")
	}
	if msgs := f.conn.sentMessages(); len(msgs) != 1 {
		t.Fatalf("sent %d messages, want only the original answer", len(msgs))
	}
}

func TestAutoListenDisabledReturnsToStandby(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.DisableAutoListen = true })
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "Next question."})
	waitState(t, f.c, StateSpeaking)

	f.c.HandlePlaybackComplete()
	waitState(t, f.c, StateStandby)
	if got := f.capture.startCount(); got != 0 {
		t.Fatalf("capture started %d times, want 0", got)
	}
}

func TestAwaitingResponseRejectsUserInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "first"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	if err := f.c.SubmitText(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("SubmitText() while awaiting = %v, want ErrBusy", err)
	}
	if err := f.c.StartListening(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("StartListening() while awaiting = %v, want ErrBusy", err)
	}
}

func TestSubmitCodeSendsLanguage(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.c.SubmitCode(context.Background(), "def f(): pass", "python"); err != nil {
		t.Fatalf("SubmitCode() error: %v", err)
	}
	msgs := waitSent(t, f.conn, 1)
	if msgs[0].Type != types.MessageSubmitCode || msgs[0].Language != "python" {
		t.Fatalf("sent %+v, want submit_code with language", msgs[0])
	}
}

func TestSystemMessageAppendsWithoutStateChange(t *testing.T) {
	f := newFixture(t, nil)

	f.c.HandleInbound(types.Message{Type: types.MessageSystem, Text: "server restarting"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.c.History()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	history := f.c.History()
	if len(history) != 1 || history[0].Speaker != types.SpeakerSystem {
		t.Fatalf("history = %+v, want one system entry", history)
	}
	if got := f.c.State(); got != StateStandby {
		t.Fatalf("state = %q, want %q", got, StateStandby)
	}
}

func TestTranscriptMessagesUpdateSingleLiveEntry(t *testing.T) {
	f := newFixture(t, nil)

	f.c.HandleInbound(types.Message{Type: types.MessageTranscript, Text: "What is"})
	f.c.HandleInbound(types.Message{Type: types.MessageTranscript, Text: "What is a heap"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history := f.c.History()
		if len(history) == 1 && history[0].Text == "What is a heap" {
			if !history[0].Live {
				t.Fatalf("entry = %+v, want live", history[0])
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("history = %+v, want one live entry with latest text", f.c.History())
}

func TestCaptureFailureDisablesVoiceForSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureError(capture.ErrorOther)
	waitState(t, f.c, StateStandby)

	if !f.c.VoiceDisabled() {
		t.Fatal("VoiceDisabled() = false, want true")
	}
	if err := f.c.StartListening(ctx); !errors.Is(err, ErrVoiceUnavailable) {
		t.Fatalf("StartListening() = %v, want ErrVoiceUnavailable", err)
	}
	// Typed input still works.
	if err := f.c.SubmitText(ctx, "typed instead"); err != nil {
		t.Fatalf("SubmitText() after voice failure: %v", err)
	}
}

func TestNoSpeechEndsWindowSilently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening() error: %v", err)
	}
	f.c.HandleCaptureError(capture.ErrorNoSpeech)
	waitState(t, f.c, StateStandby)

	if msgs := f.conn.sentMessages(); len(msgs) != 0 {
		t.Fatalf("sent %d messages, want 0", len(msgs))
	}
	if f.c.VoiceDisabled() {
		t.Fatal("VoiceDisabled() = true after no-speech, want false")
	}
}

func TestEndSessionGradesSettledHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "my answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "Tell me more."})
	waitState(t, f.c, StateSpeaking)

	report, err := f.c.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if report.Feedback != "well done" {
		t.Fatalf("report.Feedback = %q, want %q", report.Feedback, "well done")
	}
	waitState(t, f.c, StateEnded)

	reqs := f.grader.requestLog()
	if len(reqs) != 1 {
		t.Fatalf("grader called %d times, want 1", len(reqs))
	}
	want := []types.HistoryMessage{
		{Role: "user", Content: "my answer"},
		{Role: "assistant", Content: "Tell me more."},
	}
	if len(reqs[0].History) != len(want) {
		t.Fatalf("history = %+v, want %+v", reqs[0].History, want)
	}
	for i := range want {
		if reqs[0].History[i] != want[i] {
			t.Fatalf("history[%d] = %+v, want %+v", i, reqs[0].History[i], want[i])
		}
	}
	if reqs[0].Type != types.InterviewTechnical {
		t.Fatalf("grade type = %q, want %q", reqs[0].Type, types.InterviewTechnical)
	}

	f.conn.mu.Lock()
	closed := f.conn.closed
	f.conn.mu.Unlock()
	if closed == 0 {
		t.Fatal("channel not closed on session end")
	}
}

func TestEndSessionRetriesGradingOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.SubmitText(ctx, "answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}

	f.grader.setErr(errors.New("grading service unavailable"))
	if _, err := f.c.EndSession(ctx); err == nil {
		t.Fatal("EndSession() succeeded, want grading error")
	}
	if history := f.c.History(); len(history) == 0 {
		t.Fatal("history lost after grading failure")
	}

	f.grader.setErr(nil)
	report, err := f.c.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() retry error: %v", err)
	}
	if report == nil {
		t.Fatal("EndSession() retry returned nil report")
	}
	if got := len(f.grader.requestLog()); got != 2 {
		t.Fatalf("grader called %d times, want 2", got)
	}
}

func TestEndedIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.c.EndSession(ctx); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	waitState(t, f.c, StateEnded)

	if err := f.c.SubmitText(ctx, "late answer"); !errors.Is(err, ErrEnded) {
		t.Fatalf("SubmitText() after end = %v, want ErrEnded", err)
	}
	if err := f.c.StartListening(ctx); !errors.Is(err, ErrEnded) {
		t.Fatalf("StartListening() after end = %v, want ErrEnded", err)
	}

	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "too late"})
	time.Sleep(30 * time.Millisecond)
	if got := f.c.State(); got != StateEnded {
		t.Fatalf("state = %q after end, want %q", got, StateEnded)
	}
	if spoken := f.output.spokenTexts(); len(spoken) != 0 {
		t.Fatalf("spoke %v after end, want nothing", spoken)
	}
}

func TestTextOnlySessionWithoutAdapters(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Capture = nil
		cfg.Output = nil
	})
	ctx := context.Background()

	if err := f.c.StartListening(ctx); !errors.Is(err, ErrVoiceUnavailable) {
		t.Fatalf("StartListening() = %v, want ErrVoiceUnavailable", err)
	}
	if err := f.c.SubmitText(ctx, "typed answer"); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	f.c.HandleInbound(types.Message{Type: types.MessageAIResponse, Text: "Noted."})

	// Without an output adapter the turn completes immediately.
	waitState(t, f.c, StateStandby)
}
