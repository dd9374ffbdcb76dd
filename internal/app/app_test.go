package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/interviewflow/interviewflow/internal/config"
	"github.com/interviewflow/interviewflow/internal/controller"
	"github.com/interviewflow/interviewflow/internal/server"
	llmmock "github.com/interviewflow/interviewflow/pkg/provider/llm/mock"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// startBackend runs a real interview server with a scripted model.
func startBackend(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	s, err := server.New(server.Config{LLM: &llmmock.Provider{Replies: replies, Fallback: "Noted."}})
	if err != nil {
		t.Fatalf("server.New() error: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTextOnlySessionAgainstRealBackend(t *testing.T) {
	backend := startBackend(t, "Why do you want this role?")

	gradeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.GradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode grade request: %v", err)
		}
		json.NewEncoder(w).Encode(types.Report{
			Scores:   types.Scores{Technical: 7},
			Feedback: "keep practicing",
		})
	}))
	t.Cleanup(gradeSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sess, err := New(ctx, Config{
		Settings: &config.Config{
			Grading: config.GradingConfig{URL: gradeSrv.URL, Token: "tok"},
		},
		Endpoint: backend.URL,
		Params: types.SessionParams{
			SessionID:     "it-1",
			InterviewType: types.InterviewHR,
			Difficulty:    "easy",
		},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	go sess.Run(ctx)

	// The server greets first; without an output adapter the controller
	// returns straight to standby.
	waitFor(t, func() bool {
		h := sess.Controller.History()
		return len(h) == 1 && h[0].Speaker == types.SpeakerAI
	}, "greeting")

	if err := sess.Controller.SubmitText(ctx, "I enjoy building teams."); err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	waitFor(t, func() bool {
		return len(sess.Controller.History()) == 3 && sess.Controller.State() == controller.StateStandby
	}, "interviewer reply")

	h := sess.Controller.History()
	if h[2].Text != "Why do you want this role?" {
		t.Fatalf("reply = %q, want scripted model response", h[2].Text)
	}

	report, err := sess.Controller.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if report == nil || report.Feedback != "keep practicing" {
		t.Fatalf("report = %+v, want graded feedback", report)
	}
}

func TestSessionWithoutGradingReturnsNoReport(t *testing.T) {
	backend := startBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sess, err := New(ctx, Config{
		Settings: &config.Config{},
		Endpoint: backend.URL,
		Params:   types.SessionParams{SessionID: "it-2"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	go sess.Run(ctx)

	report, err := sess.Controller.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if report != nil {
		t.Fatalf("report = %+v, want nil without a grading endpoint", report)
	}
}

func TestNewRequiresSettings(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("New() without settings succeeded, want error")
	}
}
