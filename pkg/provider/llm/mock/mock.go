// Package mock provides a test double for the llm package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/interviewflow/interviewflow/pkg/provider/llm"
)

// Provider is a scripted implementation of llm.Provider. Replies are
// consumed in order; when they run out, Fallback (or an empty response) is
// returned.
type Provider struct {
	mu sync.Mutex

	// Replies are returned one per Complete/StreamCompletion call.
	Replies []string

	// Fallback is returned once Replies are exhausted.
	Fallback string

	// Err, if non-nil, is returned from every call.
	Err error

	// Requests records every request received.
	Requests []llm.CompletionRequest
}

func (p *Provider) next(req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Replies) == 0 {
		return p.Fallback, nil
	}
	reply := p.Replies[0]
	p.Replies = p.Replies[1:]
	return reply, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	reply, err := p.next(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: reply}, nil
}

// StreamCompletion implements llm.Provider. The scripted reply is emitted as
// a single chunk followed by a "stop" chunk.
func (p *Provider) StreamCompletion(_ context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	reply, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: reply}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// RequestLog returns a copy of all recorded requests.
func (p *Provider) RequestLog() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.Requests...)
}
