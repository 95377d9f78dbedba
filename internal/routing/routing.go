// Package routing maps requested model ids to upstream routes and fallback
// chains. A Table is validated once at load and is read-only afterwards.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// ErrNoRoute is returned by Resolve when no pattern matches.
var ErrNoRoute = errors.New("no route for model")

// ConfigError describes an invalid routing document.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("routing: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Route is one upstream target.
type Route struct {
	Name          string
	Pattern       *regexp.Regexp
	Provider      providers.Kind
	Endpoint      string
	CredentialRef string
	Timeout       time.Duration
	MaxRetries    int
	Headers       map[string]string
}

// Credential resolves CredentialRef through lookup (os.Getenv in
// production). An empty ref yields "" so the client's own key is forwarded.
func (r Route) Credential(lookup func(string) string) string {
	if r.CredentialRef == "" {
		return ""
	}
	return lookup(r.CredentialRef)
}

// ForwardsClientKey reports whether requests on r authenticate with the
// client's own key. Ollama needs no key at all.
func (r Route) ForwardsClientKey() bool {
	return r.CredentialRef == "" && r.Provider != providers.KindOllama
}

type override struct {
	pattern *regexp.Regexp
	target  string
}

type Table struct {
	routes    []Route
	fallbacks map[string][]string
	overrides []override
}

// New validates doc and builds a Table. Every failure is a *ConfigError.
func New(doc Document) (*Table, error) {
	t := &Table{fallbacks: make(map[string][]string, len(doc.Fallbacks))}

	if len(doc.Routes) == 0 {
		return nil, configErr("routes", "at least one route is required")
	}

	names := make(map[string]struct{}, len(doc.Routes))
	for i, rd := range doc.Routes {
		r, err := buildRoute(i, rd)
		if err != nil {
			return nil, err
		}
		if _, dup := names[r.Name]; dup {
			return nil, configErr(fmt.Sprintf("routes[%d].name", i), "duplicate route name %q", r.Name)
		}
		names[r.Name] = struct{}{}
		t.routes = append(t.routes, r)
	}

	for i, od := range doc.Overrides {
		re, err := regexp.Compile(od.Pattern)
		if err != nil {
			return nil, configErr(fmt.Sprintf("overrides[%d].pattern", i), "%v", err)
		}
		if strings.TrimSpace(od.Target) == "" {
			return nil, configErr(fmt.Sprintf("overrides[%d].target", i), "must not be empty")
		}
		t.overrides = append(t.overrides, override{pattern: re, target: od.Target})
	}

	for model, chain := range doc.Fallbacks {
		for j, alt := range chain {
			if alt == "" {
				return nil, configErr(fmt.Sprintf("fallbacks.%s[%d]", model, j), "must not be empty")
			}
			if alt == model {
				return nil, configErr("fallbacks."+model, "model lists itself as a fallback")
			}
		}
		t.fallbacks[model] = append([]string(nil), chain...)
	}

	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := t.checkReferences(); err != nil {
		return nil, err
	}
	return t, nil
}

func buildRoute(i int, rd RouteDocument) (Route, error) {
	field := func(name string) string { return fmt.Sprintf("routes[%d].%s", i, name) }

	re, err := regexp.Compile(rd.Pattern)
	if err != nil || rd.Pattern == "" {
		return Route{}, configErr(field("pattern"), "invalid pattern %q", rd.Pattern)
	}
	kind, err := providers.ParseKind(rd.Provider)
	if err != nil {
		return Route{}, configErr(field("provider"), "%v", err)
	}

	if rd.Endpoint == "" {
		if kind == providers.KindOther {
			return Route{}, configErr(field("endpoint"), "required for provider %q", kind)
		}
	} else if u, err := url.Parse(rd.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Route{}, configErr(field("endpoint"), "invalid URL %q", rd.Endpoint)
	}

	timeout := rd.Timeout
	switch {
	case timeout < 0:
		return Route{}, configErr(field("timeout"), "must be positive")
	case timeout == 0:
		timeout = providers.DefaultTimeout
	}
	if rd.MaxRetries < 0 {
		return Route{}, configErr(field("max_retries"), "must be >= 0")
	}

	name := rd.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", kind, i)
	}

	return Route{
		Name:          name,
		Pattern:       re,
		Provider:      kind,
		Endpoint:      rd.Endpoint,
		CredentialRef: rd.CredentialRef,
		Timeout:       timeout,
		MaxRetries:    rd.MaxRetries,
		Headers:       rd.Headers,
	}, nil
}

// checkAcyclic runs a three-color DFS over the fallback graph.
func (t *Table) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(t.fallbacks))
	var path []string

	var visit func(model string) error
	visit = func(model string) error {
		switch color[model] {
		case grey:
			start := 0
			for i, m := range path {
				if m == model {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), model)
			return configErr("fallbacks", "cycle detected: %s", strings.Join(cycle, " -> "))
		case black:
			return nil
		}
		color[model] = grey
		path = append(path, model)
		for _, next := range t.fallbacks[model] {
			if err := visit(next); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[model] = black
		return nil
	}

	for _, model := range sortedKeys(t.fallbacks) {
		if err := visit(model); err != nil {
			return err
		}
	}
	return nil
}

// checkReferences requires a route for every chain owner. Terminal fallback
// targets may lack one; they are skipped at request time.
func (t *Table) checkReferences() error {
	for _, model := range sortedKeys(t.fallbacks) {
		if _, err := t.Resolve(model); err != nil {
			return configErr("fallbacks."+model, "model has no matching route")
		}
	}
	return nil
}

// Resolve returns the first route whose pattern matches model.
func (t *Table) Resolve(model string) (Route, error) {
	for _, r := range t.routes {
		if r.Pattern.MatchString(model) {
			return r, nil
		}
	}
	return Route{}, fmt.Errorf("%w %q", ErrNoRoute, model)
}

// FallbacksFor returns a copy of model's fallback chain.
func (t *Table) FallbacksFor(model string) []string {
	chain := t.fallbacks[model]
	if len(chain) == 0 {
		return nil
	}
	return append([]string(nil), chain...)
}

// Fallbacks returns a copy of every configured chain keyed by primary model.
func (t *Table) Fallbacks() map[string][]string {
	out := make(map[string][]string, len(t.fallbacks))
	for k, chain := range t.fallbacks {
		out[k] = append([]string(nil), chain...)
	}
	return out
}

// Override applies the first matching model override, or returns model.
func (t *Table) Override(model string) string {
	for _, o := range t.overrides {
		if o.pattern.MatchString(model) {
			return o.target
		}
	}
	return model
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Load reads a routing document from path. An empty path yields the
// defaults.
func Load(path string) (*Table, error) {
	if path == "" {
		return New(DefaultDocument())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read %s: %w", path, err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return New(doc)
}

// Parse decodes a YAML routing document.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, &ConfigError{Field: "document", Reason: err.Error()}
	}
	return doc, nil
}
