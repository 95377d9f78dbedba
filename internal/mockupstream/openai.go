package mockupstream

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// OpenAIHandler simulates the OpenAI chat completions API. Ollama's
// OpenAI-compatible endpoint speaks the same format.
func (s *Server) OpenAIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "unreadable body", "invalid_request_error")
			return
		}
		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		sc := s.record(Received{
			Path:   r.URL.Path,
			Model:  req.Model,
			APIKey: bearer(r),
			Stream: req.Stream,
			Body:   body,
		})
		if !sc.wait(r) {
			return
		}
		if sc.failed() {
			writeOpenAIError(w, sc.Status, "mock upstream failure", "server_error")
			return
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		if req.Stream {
			includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
			serveOpenAIStream(w, r, id, req.Model, sc, includeUsage)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": sc.Text},
				"finish_reason": "stop",
			}},
			"usage": openAIUsage(sc.Usage),
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "llama3", "object": "model", "created": 1710000000, "owned_by": "library"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ, "code": typ},
	})
}

func openAIUsage(u Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":         u.Input + u.CacheRead,
		"completion_tokens":     u.Output,
		"total_tokens":          u.Input + u.CacheRead + u.Output,
		"prompt_tokens_details": map[string]int{"cached_tokens": u.CacheRead},
	}
}

// serveOpenAIStream writes an SSE stream of chat completion chunks.
func serveOpenAIStream(w http.ResponseWriter, r *http.Request, id, model string, sc Script, includeUsage bool) {
	flusher := startSSE(w)

	send := func(v any) bool {
		b, _ := json.Marshal(v)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return r.Context().Err() == nil
	}
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	for i, word := range sc.words() {
		if sc.DisconnectAfter > 0 && i >= sc.DisconnectAfter {
			return
		}
		if !send(chunk(map[string]string{"content": word}, nil)) {
			return
		}
	}
	if sc.DisconnectAfter > 0 {
		return
	}

	send(chunk(map[string]string{}, "stop"))
	if includeUsage {
		send(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []any{},
			"usage":   openAIUsage(sc.Usage),
		})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
