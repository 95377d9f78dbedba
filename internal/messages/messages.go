// Package messages holds the Anthropic Messages API wire types accepted on
// POST /v1/messages and emitted back to clients.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

type (
	// Request is the inbound body. Content fields stay raw so the fingerprint
	// can canonicalize them without losing non-text blocks.
	Request struct {
		Model         string          `json:"model"`
		System        json.RawMessage `json:"system,omitempty"`
		Messages      []Message       `json:"messages"`
		MaxTokens     int             `json:"max_tokens"`
		Stream        bool            `json:"stream,omitempty"`
		Temperature   *float64        `json:"temperature,omitempty"`
		TopP          *float64        `json:"top_p,omitempty"`
		TopK          *int            `json:"top_k,omitempty"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
		Metadata      *Metadata       `json:"metadata,omitempty"`
	}

	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	Metadata struct {
		UserID string `json:"user_id,omitempty"`
	}

	// Block is a single content block. The HTTP surface admits text blocks
	// only; other types decoded here are skipped when forwarding.
	Block struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
)

// Decode parses body into a Request. Schema validation happens before this.
func Decode(body []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("messages: decode: %w", err)
	}
	if r.Model == "" {
		return nil, errors.New("messages: model is required")
	}
	if len(r.Messages) == 0 {
		return nil, errors.New("messages: messages must not be empty")
	}
	return &r, nil
}

// Text flattens raw content (a string or an array of blocks) to its text.
func Text(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// ToProvider converts r to the normalized upstream request.
func (r *Request) ToProvider(requestID, apiKey string) (*providers.Request, error) {
	system, err := Text(r.System)
	if err != nil {
		return nil, fmt.Errorf("messages: system: %w", err)
	}
	out := &providers.Request{
		Model:         r.Model,
		System:        system,
		Messages:      make([]providers.Message, 0, len(r.Messages)),
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		StopSequences: r.StopSequences,
		APIKey:        apiKey,
		RequestID:     requestID,
	}
	for i, m := range r.Messages {
		text, err := Text(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages: messages[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, providers.Message{Role: m.Role, Content: text})
	}
	return out, nil
}
