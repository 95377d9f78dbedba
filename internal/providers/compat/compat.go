// Package compat talks to upstreams that speak the Anthropic Messages wire
// format but are not the Anthropic API itself (self-hosted gateways, vendor
// proxies). It uses plain net/http so that non-standard headers and payload
// quirks pass through untouched.
package compat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

const anthropicVersion = "2023-06-01"

type Provider struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

func New(cfg providers.Config) *Provider {
	p := &Provider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  cfg.Client(),
	}
	if p.name == "" {
		p.name = string(providers.KindOther)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// HealthCheck only verifies that the endpoint answers; compatible servers
// rarely implement a models listing.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: health check: status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	key, err := providers.ResolveKey(p.name, p.apiKey, req.APIKey)
	if err != nil {
		return nil, err
	}

	body, err := buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("x-api-key", key)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	ch := make(chan providers.Chunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		p.relay(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// relay parses the SSE body. Only data lines matter: every Anthropic event
// repeats its name in the payload's "type" field.
func (p *Provider) relay(ctx context.Context, body io.Reader, ch chan<- providers.Chunk) {
	var usage providers.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if !gjson.Valid(data) {
			continue
		}
		ev := gjson.Parse(data)

		var c providers.Chunk
		switch ev.Get("type").String() {
		case "message_start":
			u := ev.Get("message.usage")
			usage.InputTokens = int(u.Get("input_tokens").Int())
			usage.OutputTokens = int(u.Get("output_tokens").Int())
			usage.CacheReadTokens = int(u.Get("cache_read_input_tokens").Int())
			usage.CacheWriteTokens = int(u.Get("cache_creation_input_tokens").Int())
			c = providers.Chunk{
				Type:  providers.ChunkStart,
				ID:    ev.Get("message.id").String(),
				Model: ev.Get("message.model").String(),
				Usage: usage,
			}
		case "content_block_delta":
			text := ev.Get("delta.text").String()
			if text == "" {
				continue
			}
			c = providers.Chunk{Type: providers.ChunkText, Text: text}
		case "message_delta":
			if out := ev.Get("usage.output_tokens"); out.Exists() {
				usage.OutputTokens = int(out.Int())
			}
			c = providers.Chunk{
				Type:       providers.ChunkUsage,
				StopReason: ev.Get("delta.stop_reason").String(),
				Usage:      usage,
			}
		case "message_stop":
			providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkDone, Usage: usage})
			return
		case "error":
			providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkError, Err: &providers.Error{
				Provider:   p.name,
				StatusCode: statusForType(ev.Get("error.type").String()),
				Type:       ev.Get("error.type").String(),
				Message:    ev.Get("error.message").String(),
			}})
			return
		default:
			continue
		}
		if !providers.Send(ctx, ch, c) {
			return
		}
	}

	err := fmt.Errorf("%s: no message_stop: %w", p.name, providers.ErrTruncated)
	if serr := scanner.Err(); serr != nil {
		err = fmt.Errorf("%s: read stream: %w", p.name, serr)
	}
	providers.Send(ctx, ch, providers.Chunk{Type: providers.ChunkError, Err: err})
}

func buildBody(req *providers.Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	set("model", req.Model)
	set("max_tokens", maxTokens)
	set("stream", true)
	if req.System != "" {
		set("system", req.System)
	}
	set("messages", []any{})
	for i, m := range req.Messages {
		set(fmt.Sprintf("messages.%d.role", i), m.Role)
		set(fmt.Sprintf("messages.%d.content", i), m.Content)
	}
	if req.Temperature != nil {
		set("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		set("top_p", *req.TopP)
	}
	if req.TopK != nil {
		set("top_k", *req.TopK)
	}
	if len(req.StopSequences) > 0 {
		set("stop_sequences", req.StopSequences)
	}
	return body, err
}

func (p *Provider) parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	e := &providers.Error{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Type:       "api_error",
		Message:    strings.TrimSpace(string(raw)),
	}
	if gjson.ValidBytes(raw) {
		root := gjson.ParseBytes(raw)
		if t := root.Get("error.type"); t.Exists() {
			e.Type = t.String()
		}
		if m := root.Get("error.message"); m.Exists() {
			e.Message = m.String()
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// statusForType maps an in-stream Anthropic error type to an HTTP status so
// the fallback executor can classify it.
func statusForType(t string) int {
	switch t {
	case "overloaded_error":
		return 529
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "not_found_error":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
