package grading

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/interviewflow/interviewflow/pkg/types"
)

func TestGradePostsHistoryWithBearerToken(t *testing.T) {
	var gotAuth string
	var gotReq types.GradeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(types.Report{
			Scores:   types.Scores{Technical: 8, Communication: 7, Confidence: 6},
			Feedback: "solid fundamentals",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, StaticCredential("tok-123"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	req := types.GradeRequest{
		History: []types.HistoryMessage{
			{Role: "user", Content: "my answer"},
			{Role: "assistant", Content: "a follow-up"},
		},
		Type: types.InterviewTechnical,
	}
	report, err := c.Grade(t.Context(), req)
	if err != nil {
		t.Fatalf("Grade() error: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q, want bearer token", gotAuth)
	}
	if len(gotReq.History) != 2 || gotReq.Type != types.InterviewTechnical {
		t.Fatalf("server received %+v, want full history and type", gotReq)
	}
	if report.Scores.Technical != 8 || report.Feedback != "solid fundamentals" {
		t.Fatalf("report = %+v, want decoded scores and feedback", report)
	}
}

func TestGradeNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, StaticCredential("tok"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Grade(t.Context(), types.GradeRequest{}); err == nil {
		t.Fatal("Grade() succeeded on 401, want error")
	}
}

func TestGradeFailsWithoutCredential(t *testing.T) {
	c, err := New("http://localhost:0", StaticCredential(""))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Grade(t.Context(), types.GradeRequest{}); err == nil {
		t.Fatal("Grade() succeeded without credential, want error")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", StaticCredential("t")); err == nil {
		t.Fatal("New() with empty url succeeded, want error")
	}
	if _, err := New("http://x", nil); err == nil {
		t.Fatal("New() with nil credentials succeeded, want error")
	}
}
