package proxy

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// messagesSchema is the subset of the Anthropic Messages request the proxy
// accepts. Fields and block types it cannot forward (tools, images, tool
// results) are rejected rather than silently dropped.
const messagesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["model", "messages", "max_tokens"],
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "max_tokens": {"type": "integer", "minimum": 1},
    "stream": {"type": "boolean"},
    "system": {"anyOf": [{"type": "string"}, {"$ref": "#/definitions/blocks"}]},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1},
    "top_p": {"type": "number", "minimum": 0, "maximum": 1},
    "top_k": {"type": "integer", "minimum": 0},
    "stop_sequences": {"type": "array", "items": {"type": "string"}},
    "metadata": {
      "type": "object",
      "properties": {"user_id": {"type": "string"}}
    },
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "additionalProperties": false,
        "properties": {
          "role": {"enum": ["user", "assistant"]},
          "content": {"anyOf": [{"type": "string"}, {"$ref": "#/definitions/blocks"}]}
        }
      }
    }
  },
  "definitions": {
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "text"],
        "additionalProperties": false,
        "properties": {
          "type": {"enum": ["text"]},
          "text": {"type": "string"},
          "cache_control": {"type": "object"}
        }
      }
    }
  }
}`

// requestSchema is compiled once at package init; the document is static.
var requestSchema = mustCompile(messagesSchema)

func mustCompile(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("proxy: compile request schema: %v", err))
	}
	return s
}

// validateBody returns a client-facing message describing every schema
// violation, or "" when body is valid.
func validateBody(body []byte) string {
	res, err := requestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Sprintf("invalid JSON: %v", err)
	}
	if res.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
