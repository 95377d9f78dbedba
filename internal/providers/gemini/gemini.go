package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	name       string
	apiKey     string
	httpClient *http.Client
	headers    http.Header
	base       string
	apiVersion string
	client     *genai.Client
}

// New creates a Gemini Provider. A client is built eagerly when cfg carries a
// key; otherwise one is built per request from the client's own key.
func New(ctx context.Context, cfg providers.Config) (*Provider, error) {
	p := &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		httpClient: cfg.Client(),
		headers:    make(http.Header, len(cfg.Headers)),
	}
	if p.name == "" {
		p.name = string(providers.KindGemini)
	}
	for k, v := range cfg.Headers {
		p.headers.Set(k, v)
	}

	raw := cfg.Endpoint
	if raw == "" {
		raw = defaultBaseURL
	}
	p.base, p.apiVersion = splitBaseURLAndVersion(raw)

	if p.apiKey != "" {
		c, err := p.newClient(ctx, p.apiKey)
		if err != nil {
			return nil, err
		}
		p.client = c
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	client, err := p.clientForKey(ctx, "")
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

// Stream calls streamGenerateContent. The first response is pulled before
// returning so transport and HTTP failures are reported synchronously.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	first, err, ok := next()
	if !ok {
		stop()
		return nil, &providers.Error{Provider: p.name, StatusCode: http.StatusBadGateway, Type: "api_error", Message: "empty stream"}
	}
	if err != nil {
		stop()
		return nil, p.toProviderError(err)
	}

	ch := make(chan providers.Chunk, 64)
	go func() {
		defer close(ch)
		defer stop()

		id := first.ResponseID
		if id == "" {
			id = "gemini-" + req.RequestID
		}
		if !providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkStart, ID: id, Model: req.Model}) {
			return
		}

		var (
			usage      providers.Usage
			stopReason string
			outText    int
		)
		resp := first
		for {
			if resp != nil {
				if m := resp.UsageMetadata; m != nil {
					cached := int(m.CachedContentTokenCount)
					usage.InputTokens = int(m.PromptTokenCount) - cached
					usage.CacheReadTokens = cached
					usage.OutputTokens = int(m.CandidatesTokenCount)
				}
				if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
					c := resp.Candidates[0]
					if text := candidateText(c); text != "" {
						outText += len(text)
						if !providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkText, Text: text}) {
							return
						}
					}
					if c.FinishReason != "" {
						stopReason = mapFinishReason(c.FinishReason)
					}
				}
			}

			var err error
			var more bool
			resp, err, more = next()
			if !more {
				break
			}
			if err != nil {
				providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkError, Err: p.toProviderError(err)})
				return
			}
		}

		if stopReason == "" {
			providers.Send(ctx, ch, providers.Chunk{
				Type: providers.ChunkError,
				Err:  fmt.Errorf("%s: no finishReason: %w", p.name, providers.ErrTruncated),
			})
			return
		}
		if usage.OutputTokens == 0 && outText > 0 {
			usage.OutputTokens = max(1, outText/4)
		}
		if providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkUsage, StopReason: stopReason, Usage: usage}) {
			providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkDone, Usage: usage})
		}
	}()

	return ch, nil
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	systemPrompt := req.System
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.TopK != nil {
		cfg.TopK = genai.Ptr(float32(*req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	return contents, cfg
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key, err := providers.ResolveKey(p.name, p.apiKey, overrideKey)
	if err != nil {
		return nil, err
	}
	if key == p.apiKey && p.client != nil {
		return p.client, nil
	}
	return p.newClient(ctx, key)
}

func (p *Provider) newClient(ctx context.Context, key string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.base,
			APIVersion: p.apiVersion,
			Headers:    p.headers,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: client: %w", p.name, err)
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// mapFinishReason converts Gemini finish reasons to Anthropic stop reasons.
func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "refusal"
	default:
		return "end_turn"
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func (p *Provider) toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apiErr.Code,
			Type:       apiErr.Status,
			Message:    apiErr.Message,
		}
	}
	return err
}
