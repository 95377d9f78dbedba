// Package pricing maps model ids to per-million-token prices.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// DefaultReferenceModel prices the would-be cost when no document overrides it.
const DefaultReferenceModel = "claude-opus-4"

const (
	perMillion = 1_000_000.0

	// Tier multipliers applied when an entry omits cache prices.
	defaultCacheReadRatio  = 0.1
	defaultCacheWriteRatio = 1.25
)

// Entry holds USD prices per one million tokens.
type Entry struct {
	Model      string  `json:"model"`
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
}

// Cost bills u at e's prices, each token category at its own tier.
func (e Entry) Cost(u providers.Usage) float64 {
	return (float64(u.InputTokens)*e.Input +
		float64(u.OutputTokens)*e.Output +
		float64(u.CacheReadTokens)*e.CacheRead +
		float64(u.CacheWriteTokens)*e.CacheWrite) / perMillion
}

// UncachedCost bills every input category at the full input price.
func (e Entry) UncachedCost(u providers.Usage) float64 {
	in := u.InputTokens + u.CacheReadTokens + u.CacheWriteTokens
	return (float64(in)*e.Input + float64(u.OutputTokens)*e.Output) / perMillion
}

type (
	// Document is the pricing.yaml schema.
	Document struct {
		ReferenceModel string                   `yaml:"reference_model"`
		Models         map[string]DocumentEntry `yaml:"models"`
	}

	DocumentEntry struct {
		Input      float64  `yaml:"input"`
		Output     float64  `yaml:"output"`
		CacheRead  *float64 `yaml:"cache_read"`
		CacheWrite *float64 `yaml:"cache_write"`
	}
)

// Table is read-only after New and safe for concurrent use.
type Table struct {
	reference string
	exact     map[string]Entry
	// prefixes holds "name/*" wildcard keys and bare model families, longest first.
	prefixes []Entry
}

// New builds a Table from doc. A "vendor/*" key prices every model with that
// prefix; otherwise a model id such as claude-sonnet-4-20250514 falls back
// to the longest known id it starts with.
func New(doc Document) (*Table, error) {
	t := &Table{
		reference: doc.ReferenceModel,
		exact:     make(map[string]Entry, len(doc.Models)),
	}
	if t.reference == "" {
		t.reference = DefaultReferenceModel
	}

	for name, d := range doc.Models {
		if d.Input < 0 || d.Output < 0 {
			return nil, fmt.Errorf("pricing: %s: prices must be non-negative", name)
		}
		e := Entry{Model: name, Input: d.Input, Output: d.Output}
		e.CacheRead = d.Input * defaultCacheReadRatio
		if d.CacheRead != nil {
			e.CacheRead = *d.CacheRead
		}
		e.CacheWrite = d.Input * defaultCacheWriteRatio
		if d.CacheWrite != nil {
			e.CacheWrite = *d.CacheWrite
		}
		if e.CacheRead < 0 || e.CacheWrite < 0 {
			return nil, fmt.Errorf("pricing: %s: prices must be non-negative", name)
		}

		if prefix, ok := strings.CutSuffix(name, "*"); ok {
			e.Model = prefix
			t.prefixes = append(t.prefixes, e)
			continue
		}
		t.exact[name] = e
		t.prefixes = append(t.prefixes, e)
	}

	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Model) > len(t.prefixes[j].Model)
	})

	if _, ok := t.Lookup(t.reference); !ok {
		return nil, fmt.Errorf("pricing: reference model %q has no price", t.reference)
	}
	return t, nil
}

// Lookup returns the entry for model.
func (t *Table) Lookup(model string) (Entry, bool) {
	if e, ok := t.exact[model]; ok {
		return e, true
	}
	for _, e := range t.prefixes {
		if strings.HasPrefix(model, e.Model) {
			return e, true
		}
	}
	return Entry{}, false
}

// Reference returns the entry used for would-be costs.
func (t *Table) Reference() Entry {
	e, _ := t.Lookup(t.reference)
	return e
}

// Entries returns all configured entries sorted by model id.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.prefixes))
	for _, e := range t.prefixes {
		if _, ok := t.exact[e.Model]; !ok {
			e.Model += "*"
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func ptr(v float64) *float64 { return &v }

// DefaultDocument is used when no pricing file is configured.
func DefaultDocument() Document {
	return Document{
		ReferenceModel: DefaultReferenceModel,
		Models: map[string]DocumentEntry{
			"claude-opus-4":     {Input: 15, Output: 75, CacheRead: ptr(1.5), CacheWrite: ptr(18.75)},
			"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: ptr(0.3), CacheWrite: ptr(3.75)},
			"claude-sonnet-3.5": {Input: 3, Output: 15, CacheRead: ptr(0.3), CacheWrite: ptr(3.75)},
			"claude-haiku-4":    {Input: 1, Output: 5, CacheRead: ptr(0.1), CacheWrite: ptr(1.25)},
			"gpt-4":             {Input: 30, Output: 60},
			"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: ptr(1.25), CacheWrite: ptr(2.5)},
			"gemini-2.5-pro":    {Input: 1.25, Output: 10, CacheRead: ptr(0.31), CacheWrite: ptr(1.25)},
			"gemini-2.5-flash":  {Input: 0.3, Output: 2.5, CacheRead: ptr(0.075), CacheWrite: ptr(0.3)},
			"gemini-2.0-flash":  {Input: 0.1, Output: 0.4, CacheRead: ptr(0.025), CacheWrite: ptr(0.1)},
			"ollama/*":          {Input: 0, Output: 0},
		},
	}
}

// Load reads a pricing document from path. An empty path yields the
// defaults.
func Load(path string) (*Table, error) {
	if path == "" {
		return New(DefaultDocument())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return New(doc)
}
