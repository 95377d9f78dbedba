// Package anthropic implements providers.Provider on top of the official
// Anthropic Go SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com"

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	name   string
	apiKey string
	client anthropic.Client
}

// New creates a Provider from cfg. An empty endpoint uses the public API.
func New(cfg providers.Config) *Provider {
	p := &Provider{name: cfg.Name, apiKey: cfg.APIKey}
	if p.name == "" {
		p.name = string(providers.KindAnthropic)
	}

	base := cfg.Endpoint
	if base == "" {
		base = defaultBaseURL
	}

	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithHTTPClient(cfg.Client()),
		// Retries belong to the fallback executor.
		option.WithMaxRetries(0),
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	p.client = anthropic.NewClient(opts...)

	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	opts, err := p.requestOptions("")
	if err != nil {
		return err
	}
	_, err = p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	}, opts...)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

// Stream opens a streaming Messages call. The first event is read before
// returning so that HTTP-level failures surface as an error rather than as a
// ChunkError.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, buildParams(req), opts...)
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

		var usage providers.Usage
		for {
			if c, ok := p.translate(stream.Current(), &usage); ok {
				if !providers.Send(ctx, ch, c) {
					return
				}
				if c.Type == providers.ChunkDone {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}

		err := stream.Err()
		if err == nil {
			err = fmt.Errorf("%s: no message_stop: %w", p.name, providers.ErrTruncated)
		}
		providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkError, Err: p.toProviderError(err)})
	}()

	return ch, nil
}

// translate maps one SDK event to a chunk, folding usage into u.
func (p *Provider) translate(ev anthropic.MessageStreamEventUnion, u *providers.Usage) (providers.Chunk, bool) {
	switch e := ev.AsAny().(type) {
	case anthropic.MessageStartEvent:
		u.InputTokens = int(e.Message.Usage.InputTokens)
		u.CacheReadTokens = int(e.Message.Usage.CacheReadInputTokens)
		u.CacheWriteTokens = int(e.Message.Usage.CacheCreationInputTokens)
		u.OutputTokens = int(e.Message.Usage.OutputTokens)
		return providers.Chunk{
			Type:  providers.ChunkStart,
			ID:    e.Message.ID,
			Model: string(e.Message.Model),
			Usage: *u,
		}, true

	case anthropic.ContentBlockDeltaEvent:
		if d, ok := e.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
			return providers.Chunk{Type: providers.ChunkText, Text: d.Text}, true
		}

	case anthropic.MessageDeltaEvent:
		if e.Usage.OutputTokens > 0 {
			u.OutputTokens = int(e.Usage.OutputTokens)
		}
		return providers.Chunk{
			Type:       providers.ChunkUsage,
			StopReason: string(e.Delta.StopReason),
			Usage:      *u,
		}, true

	case anthropic.MessageStopEvent:
		return providers.Chunk{Type: providers.ChunkDone, Usage: *u}, true
	}
	return providers.Chunk{}, false
}

func buildParams(req *providers.Request) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if strings.EqualFold(m.Role, "assistant") {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	return params
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key, err := providers.ResolveKey(p.name, p.apiKey, overrideKey)
	if err != nil {
		return nil, err
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (p *Provider) toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Type:       "anthropic_error",
			Message:    apierr.Error(),
		}
	}
	return err
}
