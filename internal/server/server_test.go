package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/interviewflow/interviewflow/pkg/provider/llm"
	llmmock "github.com/interviewflow/interviewflow/pkg/provider/llm/mock"
	ttsmock "github.com/interviewflow/interviewflow/pkg/provider/tts/mock"
	"github.com/interviewflow/interviewflow/pkg/types"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialInterview(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/interview/client-1" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial interview: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg types.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestInterviewGreetingAndTurn(t *testing.T) {
	provider := &llmmock.Provider{Replies: []string{"Interesting. What is a goroutine?"}}
	srv := newTestServer(t, Config{LLM: provider})
	conn := dialInterview(t, srv, "?type=technical&difficulty=medium")

	greeting := readMessage(t, conn)
	if greeting.Type != types.MessageAIResponse || greeting.Text != initialGreeting {
		t.Fatalf("first message = %+v, want the greeting", greeting)
	}

	writeMessage(t, conn, types.Message{Type: types.MessageSubmitAnswer, Text: "I am a Go developer."})

	reply := readMessage(t, conn)
	if reply.Type != types.MessageAIResponse || reply.Text != "Interesting. What is a goroutine?" {
		t.Fatalf("reply = %+v, want the model's response", reply)
	}

	reqs := provider.RequestLog()
	if len(reqs) != 1 {
		t.Fatalf("llm called %d times, want 1", len(reqs))
	}
	req := reqs[0]
	if req.SystemPrompt != personaPrompts[types.InterviewTechnical] {
		t.Fatalf("system prompt = %q, want technical persona", req.SystemPrompt)
	}
	if req.Temperature != interviewerTemperature || req.MaxTokens != interviewerMaxTokens {
		t.Fatalf("generation params = (%v, %d), want (%v, %d)",
			req.Temperature, req.MaxTokens, interviewerTemperature, interviewerMaxTokens)
	}
	// The model sees greeting + candidate answer, in order.
	want := []llm.ChatMessage{
		{Role: llm.RoleAssistant, Content: initialGreeting},
		{Role: llm.RoleUser, Content: "I am a Go developer."},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", req.Messages, want)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Fatalf("messages[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestSubmitCodeReachesTheModel(t *testing.T) {
	provider := &llmmock.Provider{Replies: []string{"Walk me through the complexity."}}
	srv := newTestServer(t, Config{LLM: provider})
	conn := dialInterview(t, srv, "?type=dsa_practice")

	readMessage(t, conn) // greeting

	writeMessage(t, conn, types.Message{
		Type:     types.MessageSubmitCode,
		Text:     "def solve(): pass",
		Language: "python",
	})
	reply := readMessage(t, conn)
	if reply.Type != types.MessageAIResponse {
		t.Fatalf("reply = %+v, want ai_response", reply)
	}

	reqs := provider.RequestLog()
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "python") || !strings.Contains(last.Content, "def solve(): pass") {
		t.Fatalf("last message = %+v, want the code with its language", last)
	}
	if reqs[0].SystemPrompt != personaPrompts[types.InterviewDSAPractice] {
		t.Fatalf("system prompt = %q, want dsa persona", reqs[0].SystemPrompt)
	}
}

func TestLLMFailureSendsApology(t *testing.T) {
	provider := &llmmock.Provider{Err: context.DeadlineExceeded}
	srv := newTestServer(t, Config{LLM: provider})
	conn := dialInterview(t, srv, "")

	readMessage(t, conn) // greeting

	writeMessage(t, conn, types.Message{Type: types.MessageSubmitAnswer, Text: "hello?"})
	reply := readMessage(t, conn)
	if reply.Type != types.MessageAIResponse || reply.Text != llmApology {
		t.Fatalf("reply = %+v, want the apology line", reply)
	}
}

func TestMalformedFrameEchoedAsSystem(t *testing.T) {
	srv := newTestServer(t, Config{LLM: &llmmock.Provider{}})
	conn := dialInterview(t, srv, "")

	readMessage(t, conn) // greeting

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo := readMessage(t, conn)
	if echo.Type != types.MessageSystem || echo.Text != "not json at all" {
		t.Fatalf("echo = %+v, want system message with raw payload", echo)
	}
}

func TestUnknownPersonaFallsBackToGeneric(t *testing.T) {
	provider := &llmmock.Provider{Replies: []string{"Go on."}}
	srv := newTestServer(t, Config{LLM: provider})
	conn := dialInterview(t, srv, "?type=astrology")

	readMessage(t, conn) // greeting
	writeMessage(t, conn, types.Message{Type: types.MessageSubmitAnswer, Text: "hi"})
	readMessage(t, conn)

	reqs := provider.RequestLog()
	if reqs[0].SystemPrompt != genericPersona {
		t.Fatalf("system prompt = %q, want generic persona", reqs[0].SystemPrompt)
	}
}

func TestSynthAddsAudioMessages(t *testing.T) {
	provider := &llmmock.Provider{Replies: []string{"Nice to meet you."}}
	synth := &ttsmock.Synthesizer{Chunks: [][]byte{[]byte("mp3-a"), []byte("mp3-b")}}
	srv := newTestServer(t, Config{LLM: provider, Synth: synth})
	conn := dialInterview(t, srv, "")

	greeting := readMessage(t, conn)
	if greeting.Type != types.MessageAIResponse {
		t.Fatalf("first = %+v, want greeting text", greeting)
	}
	audio := readMessage(t, conn)
	if audio.Type != types.MessageAudio {
		t.Fatalf("second = %+v, want audio message", audio)
	}
	decoded, err := base64.StdEncoding.DecodeString(audio.Data)
	if err != nil {
		t.Fatalf("decode audio payload: %v", err)
	}
	if string(decoded) != "mp3-amp3-b" {
		t.Fatalf("audio payload = %q, want concatenated chunks", decoded)
	}
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t, Config{LLM: &llmmock.Provider{}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/ping"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ping: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(data) != "pong" {
		t.Fatalf("ping response = %q, want %q", data, "pong")
	}
}

func TestOperationalRoutes(t *testing.T) {
	srv := newTestServer(t, Config{LLM: &llmmock.Provider{}, Version: "test"})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
