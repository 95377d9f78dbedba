package mockupstream

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// AnthropicHandler simulates the Anthropic Messages API.
func (s *Server) AnthropicHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "unreadable body", "invalid_request_error")
			return
		}
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		sc := s.record(Received{
			Path:   r.URL.Path,
			Model:  req.Model,
			APIKey: r.Header.Get("x-api-key"),
			Stream: req.Stream,
			Body:   body,
		})
		if !sc.wait(r) {
			return
		}
		if sc.failed() {
			typ := sc.ErrorType
			if typ == "" {
				typ = "api_error"
			}
			writeAnthropicError(w, sc.Status, "mock upstream failure", typ)
			return
		}

		id := fmt.Sprintf("msg_%x", rand.Int64())
		model := req.Model
		if sc.ReportModel != "" {
			model = sc.ReportModel
		}
		if req.Stream {
			serveAnthropicStream(w, r, id, model, sc)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": sc.Text}},
			"usage":         anthropicUsage(sc.Usage, sc.Usage.Output),
		})
	})

	// Health checks list models.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-sonnet-4", "type": "model", "display_name": "Claude Sonnet 4", "created_at": time.Now().UTC().Format(time.RFC3339)},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4",
			"last_id":  "claude-sonnet-4",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

func anthropicUsage(u Usage, output int) map[string]int {
	return map[string]int{
		"input_tokens":                u.Input,
		"output_tokens":               output,
		"cache_read_input_tokens":     u.CacheRead,
		"cache_creation_input_tokens": u.CacheWrite,
	}
}

// serveAnthropicStream writes SSE events in the Anthropic streaming format.
func serveAnthropicStream(w http.ResponseWriter, r *http.Request, id, model string, sc Script) {
	flusher := startSSE(w)

	send := func(eventType string, data any) bool {
		b, _ := json.Marshal(data)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return r.Context().Err() == nil
	}

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         anthropicUsage(sc.Usage, 0),
		},
	})
	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	send("ping", map[string]string{"type": "ping"})

	for i, word := range sc.words() {
		if sc.DisconnectAfter > 0 && i >= sc.DisconnectAfter {
			return
		}
		ok := send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word},
		})
		if !ok {
			return
		}
	}
	if sc.DisconnectAfter > 0 {
		return
	}

	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": sc.Usage.Output},
	})
	send("message_stop", map[string]string{"type": "message_stop"})
}
