// Package config provides the configuration schema and loader for the
// interviewflow session service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a [time.Duration] that unmarshals from YAML duration strings
// such as "3s" or "1500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// String formats d like [time.Duration].
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the interviewflow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultSilenceWindow is the endpointing countdown used when
// session.silence_window is not configured.
const DefaultSilenceWindow = 3 * time.Second

// DefaultOutboundQueue is the number of outbound messages buffered while the
// session channel is disconnected.
const DefaultOutboundQueue = 32

// Config is the root configuration structure for interviewflow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Grading   GradingConfig   `yaml:"grading"`
}

// ServerConfig holds network and logging settings for the server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. A stage with an empty Name is disabled; the session
// degrades to text-only for that stage.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "anyllm", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the turn-taking behaviour of interview sessions.
type SessionConfig struct {
	// SilenceWindow is how long capture must stay quiet after the last
	// speech update before the turn is finalized. Zero means
	// [DefaultSilenceWindow].
	SilenceWindow Duration `yaml:"silence_window"`

	// Language is the BCP-47 speech recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// Keywords are domain terms the recognizer frequently garbles. Final
	// transcripts are corrected towards them phonetically.
	Keywords []string `yaml:"keywords"`

	// DisableAutoListen stops capture from restarting automatically after
	// the interviewer finishes speaking.
	DisableAutoListen bool `yaml:"disable_auto_listen"`

	// OutboundQueue bounds the number of messages held while the channel is
	// reconnecting. Zero means [DefaultOutboundQueue].
	OutboundQueue int `yaml:"outbound_queue"`

	// Voice configures the synthesized interviewer voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice used for interviewer speech.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs", "openai").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`
}

// GradingConfig points at the external grading collaborator consulted when a
// session ends. An empty URL disables grading.
type GradingConfig struct {
	// URL is the full endpoint of the grading service (e.g.,
	// "https://grader.internal/api/interview/grade").
	URL string `yaml:"url"`

	// Token is the Bearer token sent with every grading request.
	Token string `yaml:"token"`
}

// SilenceWindowOrDefault returns the configured silence window, falling back
// to [DefaultSilenceWindow] when unset.
func (s SessionConfig) SilenceWindowOrDefault() time.Duration {
	if d := time.Duration(s.SilenceWindow); d > 0 {
		return d
	}
	return DefaultSilenceWindow
}

// OutboundQueueOrDefault returns the configured queue bound, falling back to
// [DefaultOutboundQueue] when unset.
func (s SessionConfig) OutboundQueueOrDefault() int {
	if s.OutboundQueue <= 0 {
		return DefaultOutboundQueue
	}
	return s.OutboundQueue
}
