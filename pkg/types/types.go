// Package types contains the shared data types exchanged between the
// interview session controller, the websocket channel, and the grading
// collaborator. It has no dependencies on other interviewflow packages so
// that providers, adapters and the controller can all share it freely.
package types

import "fmt"

// InterviewType selects the interviewer persona for a session.
type InterviewType string

// Known interview types. Unknown values fall back to a generic persona.
const (
	InterviewTechnical    InterviewType = "technical"
	InterviewHR           InterviewType = "hr"
	InterviewManagerial   InterviewType = "managerial"
	InterviewSystemDesign InterviewType = "system_design"
	InterviewDSAPractice  InterviewType = "dsa_practice"
)

// SessionParams identifies one interview session and its configuration as
// carried in the websocket URL.
type SessionParams struct {
	// SessionID is the unique identifier of this session. It becomes the
	// final path segment of the websocket URL.
	SessionID string

	// InterviewType selects the interviewer persona.
	InterviewType InterviewType

	// Difficulty is a free-form difficulty hint (e.g. "easy", "hard").
	Difficulty string

	// Topic optionally narrows the interview to a subject area.
	Topic string
}

// Validate reports whether the params are usable for dialing a session.
func (p SessionParams) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("types: session id must not be empty")
	}
	return nil
}

// MessageType discriminates the JSON messages on the session channel.
type MessageType string

// Outbound message types (client to server).
const (
	// MessageSubmitAnswer carries a finalized spoken or typed answer.
	MessageSubmitAnswer MessageType = "submit_answer"

	// MessageSubmitCode carries a code submission with its language.
	MessageSubmitCode MessageType = "submit_code"
)

// Inbound message types (server to client).
const (
	// MessageTranscript is a live transcription update echoed by the server.
	// Consecutive transcript messages supersede one another.
	MessageTranscript MessageType = "transcript"

	// MessageAIResponse is the interviewer's next utterance.
	MessageAIResponse MessageType = "ai_response"

	// MessageAudio carries base64-encoded synthesized speech in Data.
	MessageAudio MessageType = "audio"

	// MessageSystem is a status or error notice for display only.
	MessageSystem MessageType = "system"
)

// Message is the wire format of the session channel. Fields that do not
// apply to a given type are omitted from the encoded JSON.
type Message struct {
	Type MessageType `json:"type"`

	// Text is the payload for submit_answer, submit_code, transcript,
	// ai_response and system messages.
	Text string `json:"text,omitempty"`

	// Language names the programming language of a submit_code message.
	Language string `json:"language,omitempty"`

	// Data holds base64-encoded audio for audio messages.
	Data string `json:"data,omitempty"`
}

// Speaker labels who produced a transcript entry.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

// Role is the conversational role of a transcript entry as understood by
// the grading collaborator.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// TranscriptEntry is one line of the session transcript.
type TranscriptEntry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	Role    Role    `json:"role"`

	// Live marks an in-progress transcription that later updates replace.
	// Live entries are excluded from grading history.
	Live bool `json:"live,omitempty"`
}

// PartialTranscript is the state of an in-progress speech capture window.
// Final holds text the recognizer has committed; Interim is the current
// unstable hypothesis and may change or disappear on the next update.
type PartialTranscript struct {
	Final   string
	Interim string
}

// Text returns the combined display text, final portion first.
func (p PartialTranscript) Text() string {
	if p.Interim == "" {
		return p.Final
	}
	if p.Final == "" {
		return p.Interim
	}
	return p.Final + " " + p.Interim
}

// HistoryMessage is one turn of conversation in a grading request. Role is
// "user" or "assistant".
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GradeRequest is the payload sent to the grading collaborator when a
// session ends.
type GradeRequest struct {
	History []HistoryMessage `json:"history"`
	Type    InterviewType    `json:"type"`
}

// Scores groups the numeric ratings of a grading report.
type Scores struct {
	Technical     int `json:"technical"`
	Communication int `json:"communication"`
	Confidence    int `json:"confidence"`
}

// Report is the structured result returned by the grading collaborator.
type Report struct {
	Scores            Scores   `json:"scores"`
	Feedback          string   `json:"feedback"`
	Strengths         []string `json:"strengths"`
	Improvements      []string `json:"improvements"`
	FillerWordCount   int      `json:"filler_word_count"`
	KeywordsMentioned []string `json:"keywords_mentioned"`
	KeywordsMissed    []string `json:"keywords_missed"`
}
