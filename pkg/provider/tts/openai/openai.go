// Package openai provides a synthesizer backed by the OpenAI speech API. It
// implements the tts.Synthesizer interface.
//
// Unlike the ElevenLabs websocket synthesizer, the OpenAI speech endpoint is
// request/response: the full text is collected before synthesis starts and
// the response body is then streamed out in chunks.
package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/interviewflow/interviewflow/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// chunkSize is the read size used when streaming the response body.
const chunkSize = 4096

// Ensure Synthesizer implements the tts.Synthesizer interface.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Synthesizer implements tts.Synthesizer using the OpenAI speech API.
type Synthesizer struct {
	client oai.Client
	model  oai.SpeechModel
}

// New constructs a new OpenAI speech Synthesizer. If model is empty,
// DefaultModel (tts-1) is used.
func New(apiKey string, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	m := oai.SpeechModel(model)
	if model == "" {
		m = DefaultModel
	}

	return &Synthesizer{
		client: oai.NewClient(reqOpts...),
		model:  m,
	}, nil
}

// MIMEType reports the encoding of emitted audio. The OpenAI speech API
// returns MP3 by default.
func (s *Synthesizer) MIMEType() string {
	return "audio/mpeg"
}

// SynthesizeStream collects the full text from the text channel, requests
// synthesis once, and streams the MP3 response body on the returned channel.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 64)

	go func() {
		defer close(audioCh)

		var sb strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					s.synthesize(ctx, sb.String(), voice, audioCh)
					return
				}
				sb.WriteString(fragment)
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesize performs the speech request and streams the body into out.
func (s *Synthesizer) synthesize(ctx context.Context, input string, voice tts.Voice, out chan<- []byte) {
	if strings.TrimSpace(input) == "" {
		return
	}

	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model: s.model,
		Voice: oai.AudioSpeechNewParamsVoice(voice.ID),
		Input: input,
	})
	if err != nil {
		// Signalled to the caller by the early channel close.
		slog.Error("openai tts: speech request failed", "error", err)
		return
	}
	defer resp.Body.Close()

	for {
		buf := make([]byte, chunkSize)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("openai tts: read speech body", "error", err)
			}
			return
		}
	}
}
