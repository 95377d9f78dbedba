// Package providers defines the common interfaces and types used by all
// upstream LLM provider implementations (Anthropic, OpenAI, Ollama, Gemini
// and raw Anthropic-compatible endpoints).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Every provider streams: non-streaming client requests are served
// by draining the same chunk sequence.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the wire dialect spoken by an upstream endpoint.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindOllama    Kind = "ollama"
	KindGemini    Kind = "gemini"
	KindOther     Kind = "other"
)

// ParseKind validates a provider kind string from a routing document.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAnthropic, KindOpenAI, KindOllama, KindGemini, KindOther:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider %q (want anthropic, openai, ollama, gemini or other)", s)
}

// Default timeouts and defaults shared by all providers.
const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxTokens = 4096

	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

// ErrMissingCredential is returned when neither the route nor the client
// supplied an API key.
var ErrMissingCredential = errors.New("no credential configured for route")

// ErrTruncated is wrapped by every provider whose stream ends without a
// terminal event.
var ErrTruncated = errors.New("stream ended before completion")

// Config is the connection configuration a provider client is built from.
// One client exists per route.
type Config struct {
	// Name labels the client in errors, logs and metrics (the route name).
	Name     string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Headers  map[string]string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client returns cfg.HTTPClient or a client bounded by cfg.Timeout.
func (cfg Config) Client() *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

type (
	// Message is a single conversation turn flattened to text.
	Message struct {
		Role    string
		Content string
	}

	// Request is the normalized upstream request.
	Request struct {
		Model         string
		System        string
		Messages      []Message
		MaxTokens     int
		Temperature   *float64
		TopP          *float64
		TopK          *int
		StopSequences []string

		// APIKey overrides the provider's configured credential.
		APIKey    string
		RequestID string
	}

	// Usage holds token counts reported by the provider. InputTokens never
	// includes cache-read or cache-write tokens.
	Usage struct {
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
		CacheReadTokens  int `json:"cache_read_input_tokens,omitempty"`
		CacheWriteTokens int `json:"cache_creation_input_tokens,omitempty"`
	}

	// Completion is a fully received response. It is a plain value: copying
	// it yields an independent snapshot.
	Completion struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
		Usage      Usage  `json:"usage"`
	}
)

// ChunkType tags a Chunk.
type ChunkType int

const (
	// ChunkStart carries the upstream message id, model and input usage.
	ChunkStart ChunkType = iota
	// ChunkText carries a text fragment.
	ChunkText
	// ChunkUsage carries updated usage and/or the stop reason.
	ChunkUsage
	// ChunkDone marks a clean end of stream.
	ChunkDone
	// ChunkError carries a mid-stream failure. It is always the last chunk.
	ChunkError
)

// Chunk is a single element of a provider stream.
type Chunk struct {
	Type       ChunkType
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
	Err        error
}

// Provider is an upstream LLM provider.
//
// Stream returns an error when the request could not be started (connection
// failure, non-2xx status). Once a channel is returned it is closed after a
// ChunkDone or ChunkError. Cancelling ctx aborts the upstream call.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured upstream error.
type Error struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// AuthError builds an Error for a missing or rejected credential.
func AuthError(provider string, cause error) *Error {
	return &Error{
		Provider:   provider,
		StatusCode: http.StatusUnauthorized,
		Type:       "authentication_error",
		Message:    cause.Error(),
	}
}

// ResolveKey returns the client override key when present, otherwise the
// configured key. An empty result maps to ErrMissingCredential.
func ResolveKey(provider, configured, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if configured != "" {
		return configured, nil
	}
	return "", AuthError(provider, ErrMissingCredential)
}

// EstimateTokens approximates a token count for text (~4 characters per
// token). Used when a provider omits output usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Send delivers c on ch unless ctx is done. It reports whether the chunk was
// delivered.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
