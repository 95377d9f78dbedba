package routing

import (
	"sort"
	"time"
)

type (
	// Document is the routes.yaml schema.
	Document struct {
		Routes    []RouteDocument     `yaml:"routes"`
		Fallbacks map[string][]string `yaml:"fallbacks"`
		Overrides []OverrideDocument  `yaml:"overrides"`
	}

	RouteDocument struct {
		Name          string            `yaml:"name"`
		Pattern       string            `yaml:"pattern"`
		Provider      string            `yaml:"provider"`
		Endpoint      string            `yaml:"endpoint"`
		CredentialRef string            `yaml:"credential_ref"`
		Timeout       time.Duration     `yaml:"timeout"`
		MaxRetries    int               `yaml:"max_retries"`
		Headers       map[string]string `yaml:"headers"`
	}

	// OverrideDocument rewrites any model matching Pattern to Target before
	// fingerprinting and routing.
	OverrideDocument struct {
		Pattern string `yaml:"pattern"`
		Target  string `yaml:"target"`
	}
)

// DefaultDocument routes the well-known model families to their public
// endpoints. Credentials are read from the conventional environment
// variables.
func DefaultDocument() Document {
	return Document{
		Routes: []RouteDocument{
			{
				Name:          "anthropic",
				Pattern:       "^claude-",
				Provider:      "anthropic",
				Endpoint:      "https://api.anthropic.com",
				CredentialRef: "ANTHROPIC_API_KEY",
				Timeout:       120 * time.Second,
				MaxRetries:    2,
			},
			{
				Name:          "openai",
				Pattern:       "^gpt-|^o[134]",
				Provider:      "openai",
				Endpoint:      "https://api.openai.com/v1",
				CredentialRef: "OPENAI_API_KEY",
				Timeout:       120 * time.Second,
				MaxRetries:    2,
			},
			{
				Name:     "ollama",
				Pattern:  "^ollama/",
				Provider: "ollama",
				Endpoint: "http://localhost:11434/v1",
				Timeout:  300 * time.Second,
			},
			{
				Name:          "gemini",
				Pattern:       "^gemini-",
				Provider:      "gemini",
				CredentialRef: "GEMINI_API_KEY",
				Timeout:       120 * time.Second,
				MaxRetries:    1,
			},
		},
		Fallbacks: map[string][]string{
			"claude-opus-4":   {"claude-sonnet-4", "claude-haiku-4"},
			"claude-sonnet-4": {"claude-haiku-4"},
		},
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
