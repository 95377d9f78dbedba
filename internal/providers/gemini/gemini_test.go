package gemini

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

// --- helpers ---

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	// The base URL carries an API version segment so splitBaseURLAndVersion
	// can extract it.
	p, err := New(context.Background(), providers.Config{
		APIKey:   "mock-api-key",
		Endpoint: srv.URL + "/v1beta",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gemini-2.0-flash",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func writeSSE(w http.ResponseWriter, chunks []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	for _, chunk := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if ok {
			flusher.Flush()
		}
	}
}

var streamChunks = []string{
	`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}],"responseId":"resp-1"}`,
	`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
	`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"cachedContentTokenCount":4,"candidatesTokenCount":5}}`,
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

// --- tests ---

func TestProvider_Name(t *testing.T) {
	p, err := New(context.Background(), providers.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
}

func TestProvider_Stream_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash:streamGenerateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse query param, got %q", r.URL.Query().Get("alt"))
		}
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key 'mock-api-key', got %q", gotKey)
		}
		writeSSE(w, streamChunks)
	}))
	defer srv.Close()

	ch, err := newTestProvider(t, srv).Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)

	if chunks[0].Type != providers.ChunkStart || chunks[0].ID != "resp-1" {
		t.Fatalf("first chunk = %+v", chunks[0])
	}
	var text strings.Builder
	for _, c := range chunks {
		if c.Type == providers.ChunkText {
			text.WriteString(c.Text)
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text.String())
	}
	last := chunks[len(chunks)-1]
	want := providers.Usage{InputTokens: 6, CacheReadTokens: 4, OutputTokens: 5}
	if last.Type != providers.ChunkDone || last.Usage != want {
		t.Fatalf("last chunk = %+v, want done with %+v", last, want)
	}
}

func TestProvider_Stream_SystemAndRoleMapping(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		writeSSE(w, streamChunks)
	}))
	defer srv.Close()

	temp := 0.7
	req := &providers.Request{
		Model:  "gemini-2.0-flash",
		System: "You are a helpful assistant.",
		Messages: []providers.Message{
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
		MaxTokens:   1000,
		Temperature: &temp,
	}

	ch, err := newTestProvider(t, srv).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)

	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 ||
		captured.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Fatalf("systemInstruction not set: %+v", captured.SystemInstruction)
	}
	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(captured.Contents))
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("expected role 'model' for assistant message, got %q", captured.Contents[1].Role)
	}
	gc := captured.GenerationConfig
	if gc == nil || gc.MaxOutputTokens == nil || *gc.MaxOutputTokens != 1000 {
		t.Errorf("expected maxOutputTokens 1000, got %+v", gc)
	}
	if gc == nil || gc.Temperature == nil || *gc.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %+v", gc)
	}
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	cases := []struct {
		status int
		body   string
		typ    string
	}{
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"Resource has been exhausted.","status":"RESOURCE_EXHAUSTED"}}`, "RESOURCE_EXHAUSTED"},
		{http.StatusInternalServerError, `{"error":{"code":500,"message":"Internal server error","status":"INTERNAL"}}`, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprintln(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestProvider(t, srv).Stream(context.Background(), baseRequest())
			var pe *providers.Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *providers.Error, got %T: %v", err, err)
			}
			if pe.HTTPStatus() != tc.status || pe.Type != tc.typ {
				t.Fatalf("got status=%d type=%q", pe.HTTPStatus(), pe.Type)
			}
		})
	}
}

func TestProvider_Stream_NoFinishReasonIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, streamChunks[:2])
	}))
	defer srv.Close()

	ch, err := newTestProvider(t, srv).Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Type != providers.ChunkError || !errors.Is(last.Err, providers.ErrTruncated) {
		t.Fatalf("expected trailing truncation error, got %+v", last)
	}
}

func TestProvider_MissingKey(t *testing.T) {
	p, err := New(context.Background(), providers.Config{Endpoint: "http://127.0.0.1:1/v1beta"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Stream(context.Background(), baseRequest())
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct{ in, base, ver string }{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://localhost:8080", "http://localhost:8080/", ""},
		{"http://proxy/gemini/v1", "http://proxy/gemini/", "v1"},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.in)
		if base != tc.base || ver != tc.ver {
			t.Errorf("split(%q) = %q, %q; want %q, %q", tc.in, base, ver, tc.base, tc.ver)
		}
	}
}

// --- local JSON shapes used to capture requests ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}
