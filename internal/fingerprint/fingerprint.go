// Package fingerprint derives the cache key for a Messages request.
//
// Two requests that ask the model the same question (same model, same ordered
// messages, same sampling parameters) map to the same Key. Transport options
// such as stream and caller metadata do not take part.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-costproxy/internal/messages"
)

// Key is a hex-encoded SHA-256 digest.
type Key string

// StoragePrefix namespaces keys in shared stores such as Redis.
const StoragePrefix = "fp:"

func (k Key) String() string { return string(k) }

// Scoped derives a key private to scope, so responses paid for with one
// credential are never served to holders of another.
func (k Key) Scoped(scope string) Key {
	sum := sha256.Sum256([]byte(scope + "\x00" + string(k)))
	return Key(hex.EncodeToString(sum[:]))
}

// StorageKey returns the namespaced form used by external stores.
func (k Key) StorageKey() string { return StoragePrefix + string(k) }

type canonicalMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

// canonical fixes field order; encoding/json emits struct fields in
// declaration order and map keys sorted.
type canonical struct {
	Model         string             `json:"model"`
	System        []any              `json:"system"`
	Messages      []canonicalMessage `json:"messages"`
	Temperature   *float64           `json:"temperature"`
	TopP          *float64           `json:"top_p"`
	TopK          *int               `json:"top_k"`
	StopSequences []string           `json:"stop_sequences"`
	MaxTokens     int                `json:"max_tokens"`
}

// Of returns the fingerprint of req. req has already passed protocol
// validation; unparseable content is hashed by its raw bytes.
func Of(req *messages.Request) Key {
	c := canonical{
		Model:         req.Model,
		System:        canonicalContent(req.System),
		Messages:      make([]canonicalMessage, len(req.Messages)),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		MaxTokens:     req.MaxTokens,
	}
	if c.StopSequences == nil {
		c.StopSequences = []string{}
	}
	for i, m := range req.Messages {
		c.Messages[i] = canonicalMessage{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: canonicalContent(m.Content),
		}
	}

	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// canonicalContent maps a string or a block array to a block list. A bare
// string and a single text block with the same text are equivalent.
func canonicalContent(raw json.RawMessage) []any {
	if len(raw) == 0 || string(raw) == "null" {
		return []any{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return []any{}
		}
		return []any{textBlock(s)}
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []any{map[string]any{"raw": string(raw)}}
	}

	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		// Prompt caching hints change billing, not the answer.
		delete(b, "cache_control")
		if b["type"] == "text" {
			text, _ := b["text"].(string)
			out = append(out, textBlock(text))
			continue
		}
		out = append(out, b)
	}
	return out
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": strings.TrimSpace(text)}
}
