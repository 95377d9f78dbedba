package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New(providers.Config{Endpoint: srv.URL + "/v1", APIKey: "mock-api-key", Timeout: 5 * time.Second})
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gpt-4o",
		System:    "Be brief.",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 32,
		RequestID: "req-mock-1",
	}
}

func sseChunks(w http.ResponseWriter, chunks []string, done bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if done {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

var completionChunks = []string{
	`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
	`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
	`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
	`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22,"prompt_tokens_details":{"cached_tokens":8}}}`,
}

func collect(t *testing.T, ch <-chan providers.Chunk) []providers.Chunk {
	t.Helper()
	var out []providers.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timeout waiting for stream")
		}
	}
}

func TestProvider_Name(t *testing.T) {
	if got := New(providers.Config{}).Name(); got != "openai" {
		t.Fatalf("expected 'openai', got %q", got)
	}
	if got := NewOllama(providers.Config{}).Name(); got != "ollama" {
		t.Fatalf("expected 'ollama', got %q", got)
	}
}

func TestProvider_Stream_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true")
		}
		if _, ok := body["max_completion_tokens"]; !ok {
			t.Errorf("expected max_completion_tokens, body=%v", body)
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected system + user messages, got %d", len(msgs))
		}
		sseChunks(w, completionChunks, true)
	}))
	defer srv.Close()

	ch, err := newTestProvider(srv).Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)

	var text strings.Builder
	var stop string
	for _, c := range chunks {
		switch c.Type {
		case providers.ChunkText:
			text.WriteString(c.Text)
		case providers.ChunkUsage:
			stop = c.StopReason
		case providers.ChunkError:
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
	}
	if text.String() != "Hello" {
		t.Fatalf("text = %q", text.String())
	}
	if stop != "max_tokens" {
		t.Fatalf("stop reason = %q, want max_tokens", stop)
	}
	last := chunks[len(chunks)-1]
	want := providers.Usage{InputTokens: 12, OutputTokens: 2, CacheReadTokens: 8}
	if last.Type != providers.ChunkDone || last.Usage != want {
		t.Fatalf("last chunk = %+v, want done with %+v", last, want)
	}
}

func TestOllama_StripsPrefixWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "llama3" {
			t.Errorf("model = %v, want llama3", body["model"])
		}
		if _, ok := body["max_tokens"]; !ok {
			t.Errorf("expected legacy max_tokens field")
		}
		sseChunks(w, completionChunks, true)
	}))
	defer srv.Close()

	p := NewOllama(providers.Config{Endpoint: srv.URL + "/v1"})
	req := baseRequest()
	req.Model = "ollama/llama3"
	ch, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)
}

func TestProvider_Stream_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Stream(context.Background(), baseRequest())
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("status = %d", pe.HTTPStatus())
	}
}

func TestProvider_Stream_TruncatedIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseChunks(w, completionChunks[:2], false)
	}))
	defer srv.Close()

	ch, err := newTestProvider(srv).Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Type != providers.ChunkError || !errors.Is(last.Err, providers.ErrTruncated) {
		t.Fatalf("expected truncation error chunk at end, got %+v", last)
	}
}

func TestProvider_MissingKey(t *testing.T) {
	_, err := New(providers.Config{Endpoint: "http://127.0.0.1:1/v1"}).Stream(context.Background(), baseRequest())
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "refusal",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
