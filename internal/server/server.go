// Package server implements the interview backend: a websocket endpoint that
// runs the interviewer side of a session, plus health and metrics routes.
//
// Each connection gets its own conversation history and an outbound queue
// drained by a dedicated send pump. Turns are processed one at a time in
// arrival order; the send pump only decouples writing from turn handling, so
// replies always leave in the order they were produced.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/interviewflow/interviewflow/internal/health"
	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/pkg/provider/llm"
	"github.com/interviewflow/interviewflow/pkg/provider/tts"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// Interviewer generation parameters. Low temperature keeps the tone formal;
// the token cap keeps answers short enough for voice interaction.
const (
	interviewerTemperature = 0.6
	interviewerMaxTokens   = 150

	outboundQueueSize = 16
)

// initialGreeting opens every session before the candidate says anything.
const initialGreeting = "Hello! I'm your interviewer today. Let's start with a simple question: Tell me about yourself."

// llmApology is sent when the model call fails; a turn is never dropped.
const llmApology = "I apologize, but I am having trouble processing that right now."

// personaPrompts select the interviewer's character per interview type.
var personaPrompts = map[types.InterviewType]string{
	types.InterviewTechnical:    "You are a strict Senior Software Architect. Ask deep technical questions. Be concise. Do not be overly friendly.",
	types.InterviewHR:           "You are a professional HR Manager. Focus on behavioral questions using the STAR method.",
	types.InterviewManagerial:   "You are a VP of Engineering. Focus on leadership and conflict resolution.",
	types.InterviewSystemDesign: "You are a Lead Engineer focusing on scalability and architecture. Maintain a professional tone.",
	types.InterviewDSAPractice:  "You are an algorithms coach. Pose data structure and algorithm problems, then probe the candidate's reasoning and complexity analysis.",
}

const genericPersona = "You are a professional interviewer."

// Config assembles a Server.
type Config struct {
	// LLM drives the interviewer. Required.
	LLM llm.Provider

	// Synth, when set, adds synthesized audio messages alongside every
	// interviewer reply.
	Synth tts.Synthesizer

	// Voice is the synthesis voice used with Synth.
	Voice tts.Voice

	// Version is reported by the liveness endpoint.
	Version string

	// Metrics records request and session telemetry. Optional.
	Metrics *observe.Metrics
}

// Server hosts the interview websocket endpoint.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("server: llm provider must not be nil")
	}
	return &Server{cfg: cfg}, nil
}

// Handler returns the full HTTP handler tree:
//
//	GET /ws/interview/{clientID}  — interview session websocket
//	GET /ws/ping                  — connectivity probe
//	GET /healthz, /readyz         — health endpoints
//	GET /metrics                  — Prometheus metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/interview/{clientID}", s.handleInterview)
	mux.HandleFunc("GET /ws/ping", s.handlePing)
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(s.cfg.Version, health.Checker{
		Name: "llm",
		Check: func(ctx context.Context) error {
			// The provider is constructed eagerly; a non-nil provider is
			// considered ready. Remote reachability is probed per turn.
			return nil
		},
	})
	h.Register(mux)

	m := s.cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return observe.Middleware(m)(mux)
}

// handlePing answers "pong" over a short-lived websocket and closes. Clients
// use it as a connectivity pre-flight.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	_ = conn.Write(r.Context(), websocket.MessageText, []byte("pong"))
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// handleInterview runs one interview session over a websocket.
func (s *Server) handleInterview(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")
	interviewType := types.InterviewType(r.URL.Query().Get("type"))
	if interviewType == "" {
		interviewType = types.InterviewTechnical
	}
	difficulty := r.URL.Query().Get("difficulty")
	topic := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Warn("websocket accept failed", "client_id", clientID, "error", err)
		return
	}

	slog.Info("interview session started",
		"client_id", clientID,
		"type", interviewType,
		"difficulty", difficulty,
		"topic", topic,
	)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(r.Context(), 1)
		defer s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	sess := &session{
		server:        s,
		conn:          conn,
		clientID:      clientID,
		interviewType: interviewType,
		outbound:      make(chan types.Message, outboundQueueSize),
	}
	sess.run(r.Context())

	slog.Info("interview session closed", "client_id", clientID)
}

// session is the per-connection state of one interview.
type session struct {
	server        *Server
	conn          *websocket.Conn
	clientID      string
	interviewType types.InterviewType
	outbound      chan types.Message

	mu      sync.Mutex
	history []llm.ChatMessage
}

// run drives the receive and send pumps until the connection closes.
func (s *session) run(ctx context.Context) {
	defer s.conn.CloseNow()

	s.appendHistory(llm.RoleAssistant, initialGreeting)
	s.reply(ctx, initialGreeting)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receivePump(gctx) })
	g.Go(func() error { return s.sendPump(gctx) })

	if err := g.Wait(); err != nil && websocket.CloseStatus(err) == -1 && gctx.Err() == nil {
		slog.Debug("session pump ended", "client_id", s.clientID, "error", err)
	}
}

// receivePump reads client frames and produces interviewer turns.
func (s *session) receivePump(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			// Malformed frames are echoed back, not dropped.
			s.enqueue(ctx, types.Message{Type: types.MessageSystem, Text: string(data)})
			continue
		}
		if s.server.cfg.Metrics != nil {
			s.server.cfg.Metrics.RecordMessage(ctx, string(msg.Type), "inbound")
		}

		switch msg.Type {
		case types.MessageSubmitAnswer:
			s.handleTurn(ctx, msg.Text)
		case types.MessageSubmitCode:
			s.handleTurn(ctx, formatCodeAnswer(msg.Text, msg.Language))
		default:
			s.enqueue(ctx, types.Message{Type: types.MessageSystem, Text: string(data)})
		}
	}
}

// sendPump drains the outbound queue in order.
func (s *session) sendPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.outbound:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("marshal outbound message", "client_id", s.clientID, "error", err)
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
			if s.server.cfg.Metrics != nil {
				s.server.cfg.Metrics.RecordMessage(ctx, string(msg.Type), "outbound")
			}
		}
	}
}

// handleTurn appends the candidate's answer, asks the model for the next
// interviewer utterance, and queues the reply. Exactly two history entries
// are added per turn.
func (s *session) handleTurn(ctx context.Context, answer string) {
	if answer == "" {
		return
	}
	s.appendHistory(llm.RoleUser, answer)

	aiReply := s.completeTurn(ctx)
	s.appendHistory(llm.RoleAssistant, aiReply)
	s.reply(ctx, aiReply)
}

// completeTurn calls the LLM with the persona prompt and full history. On
// failure the apology line keeps the conversation alive.
func (s *session) completeTurn(ctx context.Context) string {
	persona, ok := personaPrompts[s.interviewType]
	if !ok {
		persona = genericPersona
	}

	start := time.Now()
	resp, err := s.server.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		Messages:     s.historySnapshot(),
		Temperature:  interviewerTemperature,
		MaxTokens:    interviewerMaxTokens,
		SystemPrompt: persona,
	})
	if s.server.cfg.Metrics != nil {
		s.server.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("llm completion failed", "client_id", s.clientID, "error", err)
		if s.server.cfg.Metrics != nil {
			s.server.cfg.Metrics.RecordProviderError(ctx, "llm", "completion")
		}
		return llmApology
	}
	return resp.Content
}

// reply queues the interviewer's text and, when synthesis is configured, the
// matching audio message.
func (s *session) reply(ctx context.Context, text string) {
	s.enqueue(ctx, types.Message{Type: types.MessageAIResponse, Text: text})

	if s.server.cfg.Synth == nil {
		return
	}
	audio, err := s.synthesize(ctx, text)
	if err != nil {
		slog.Warn("speech synthesis failed; text-only reply", "client_id", s.clientID, "error", err)
		if s.server.cfg.Metrics != nil {
			s.server.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesis")
		}
		return
	}
	s.enqueue(ctx, types.Message{
		Type: types.MessageAudio,
		Data: base64.StdEncoding.EncodeToString(audio),
	})
}

// synthesize renders text to one encoded audio payload.
func (s *session) synthesize(ctx context.Context, text string) ([]byte, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	start := time.Now()
	chunks, err := s.server.cfg.Synth.SynthesizeStream(ctx, textCh, s.server.cfg.Voice)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for chunk := range chunks {
		buf.Write(chunk)
	}
	if s.server.cfg.Metrics != nil {
		s.server.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("server: synthesizer produced no audio")
	}
	return buf.Bytes(), nil
}

// enqueue adds a message to the outbound queue unless the session is gone.
func (s *session) enqueue(ctx context.Context, msg types.Message) {
	select {
	case s.outbound <- msg:
	case <-ctx.Done():
	}
}

func (s *session) appendHistory(role, content string) {
	s.mu.Lock()
	s.history = append(s.history, llm.ChatMessage{Role: role, Content: content})
	s.mu.Unlock()
}

func (s *session) historySnapshot() []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.ChatMessage(nil), s.history...)
}

// formatCodeAnswer wraps a code submission so the model sees the language.
func formatCodeAnswer(code, language string) string {
	if language == "" {
		return "Here is my code:\n\n" + code
	}
	return fmt.Sprintf("Here is my %s code:\n\n%s", language, code)
}
