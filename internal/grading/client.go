// Package grading calls the external grading collaborator that turns a
// finished interview transcript into a structured report.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/pkg/types"
)

const defaultTimeout = 60 * time.Second

// CredentialSource supplies the bearer credential authorizing grading
// requests. The session core does not manage login; it only consumes the
// token.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialSource returning a fixed token.
type StaticCredential string

// Token implements CredentialSource.
func (s StaticCredential) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("grading: no credential configured")
	}
	return string(s), nil
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics records grading call latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client posts finished transcripts to the grading endpoint. A failed call
// is surfaced to the caller and never retried here; the caller keeps the
// transcript and may re-invoke Grade.
type Client struct {
	url        string
	creds      CredentialSource
	httpClient *http.Client
	metrics    *observe.Metrics
}

// New creates a grading client for the given endpoint URL.
func New(url string, creds CredentialSource, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("grading: url must not be empty")
	}
	if creds == nil {
		return nil, errors.New("grading: credential source must not be nil")
	}
	c := &Client{
		url:        url,
		creds:      creds,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Grade submits the session history and returns the structured report.
// Any non-2xx response is an error; the request is not retried.
func (c *Client) Grade(ctx context.Context, req types.GradeRequest) (*types.Report, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("grading: obtain credential: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("grading: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("grading: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("grading: post: %w", err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.GradeDuration.Record(ctx, time.Since(start).Seconds())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("grading: endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var report types.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("grading: decode report: %w", err)
	}
	return &report, nil
}
