// Package openai implements providers.Provider for the OpenAI chat
// completions API and for OpenAI-compatible servers such as Ollama.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	ollamaBaseURL  = "http://localhost:11434/v1"
	ollamaPrefix   = "ollama/"
	// Ollama ignores the key but the SDK requires one.
	ollamaKey = "ollama"
)

type Provider struct {
	name        string
	apiKey      string
	modelPrefix string
	anonymous   bool
	legacyMax   bool
	client      openaiSDK.Client
}

type Option func(*Provider)

// WithModelPrefix strips prefix from model ids before they are sent upstream.
func WithModelPrefix(prefix string) Option {
	return func(p *Provider) { p.modelPrefix = prefix }
}

// WithAnonymous allows requests without a credential.
func WithAnonymous() Option {
	return func(p *Provider) { p.anonymous = true }
}

// WithLegacyMaxTokens sends max_tokens instead of max_completion_tokens.
func WithLegacyMaxTokens() Option {
	return func(p *Provider) { p.legacyMax = true }
}

func New(cfg providers.Config, opts ...Option) *Provider {
	p := &Provider{name: cfg.Name, apiKey: cfg.APIKey}
	if p.name == "" {
		p.name = string(providers.KindOpenAI)
	}
	for _, o := range opts {
		o(p)
	}

	base := cfg.Endpoint
	if base == "" {
		base = defaultBaseURL
	}

	sdkOpts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithHTTPClient(cfg.Client()),
		option.WithMaxRetries(0),
	}
	for k, v := range cfg.Headers {
		sdkOpts = append(sdkOpts, option.WithHeader(k, v))
	}
	p.client = openaiSDK.NewClient(sdkOpts...)

	return p
}

// NewOllama returns a Provider for a local Ollama server. Model ids arrive as
// "ollama/<model>" and are sent without the prefix.
func NewOllama(cfg providers.Config) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = ollamaBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = string(providers.KindOllama)
	}
	return New(cfg, WithModelPrefix(ollamaPrefix), WithAnonymous(), WithLegacyMaxTokens())
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	opts, err := p.requestOptions("")
	if err != nil {
		return err
	}
	if _, err := p.client.Models.List(ctx, opts...); err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req), opts...)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("empty stream")
		}
		return nil, p.toProviderError(err)
	}

	ch := make(chan providers.Chunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		var (
			usage      providers.Usage
			started    bool
			stopReason string
		)
		for {
			chunk := stream.Current()

			if !started {
				started = true
				if !providers.Send(ctx, ch, providers.Chunk{
					Type:  providers.ChunkStart,
					ID:    chunk.ID,
					Model: req.Model,
				}) {
					return
				}
			}

			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				if c.Delta.Content != "" {
					if !providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkText, Text: c.Delta.Content}) {
						return
					}
				}
				if c.FinishReason != "" {
					stopReason = mapFinishReason(c.FinishReason)
				}
			}

			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				cached := int(chunk.Usage.PromptTokensDetails.CachedTokens)
				usage = providers.Usage{
					InputTokens:     int(chunk.Usage.PromptTokens) - cached,
					OutputTokens:    int(chunk.Usage.CompletionTokens),
					CacheReadTokens: cached,
				}
			}

			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkError, Err: p.toProviderError(err)})
			return
		}
		if stopReason == "" {
			providers.Send(ctx, ch, providers.Chunk{
				Type: providers.ChunkError,
				Err:  fmt.Errorf("%s: no finish_reason: %w", p.name, providers.ErrTruncated),
			})
			return
		}

		if providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkUsage, StopReason: stopReason, Usage: usage}) {
			providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkDone, Usage: usage})
		}
	}()

	return ch, nil
}

func (p *Provider) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    strings.TrimPrefix(req.Model, p.modelPrefix),
		StreamOptions: openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		if p.legacyMax {
			params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
		} else {
			params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
		}
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	return params
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key, err := providers.ResolveKey(p.name, p.apiKey, overrideKey)
	if err != nil {
		if !p.anonymous {
			return nil, err
		}
		key = ollamaKey
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Type:       "openai_error",
			Message:    apierr.Error(),
		}
	}
	return err
}

// mapFinishReason converts OpenAI finish reasons to Anthropic stop reasons.
func mapFinishReason(r string) string {
	switch r {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
