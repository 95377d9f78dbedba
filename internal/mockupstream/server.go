// Package mockupstream serves scripted Anthropic- and OpenAI-compatible
// streaming endpoints. Tests drive it through httptest; cmd/mockupstream
// runs it standalone for local end-to-end checks without credentials.
package mockupstream

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Usage is the token usage a script reports.
type Usage struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
}

// Script decides how one upstream call is answered.
type Script struct {
	// Status other than 0 or 200 answers with an error envelope.
	Status    int
	ErrorType string

	// Text is streamed one word per delta.
	Text  string
	Usage Usage

	// DisconnectAfter > 0 ends the stream after that many deltas without a
	// terminal event.
	DisconnectAfter int

	// ReportModel, when set, is the model id the response claims.
	ReportModel string

	Delay time.Duration
	// Hold blocks the response until the channel is closed.
	Hold <-chan struct{}
}

// Received describes a call the server answered.
type Received struct {
	Path   string
	Model  string
	APIKey string
	Stream bool
	Body   []byte
}

// Config sets the behaviour used when no script applies.
type Config struct {
	Latency     time.Duration
	ErrorRate   float64
	StreamWords int
}

type Server struct {
	cfg Config

	mu       sync.Mutex
	queue    []Script
	byModel  map[string]Script
	received []Received

	calls atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.StreamWords <= 0 {
		cfg.StreamWords = 10
	}
	return &Server{cfg: cfg, byModel: make(map[string]Script)}
}

// Enqueue adds one-shot scripts consumed in order before any other rule.
func (s *Server) Enqueue(scripts ...Script) {
	s.mu.Lock()
	s.queue = append(s.queue, scripts...)
	s.mu.Unlock()
}

// On answers every call for model with sc.
func (s *Server) On(model string, sc Script) {
	s.mu.Lock()
	s.byModel[model] = sc
	s.mu.Unlock()
}

// Calls returns the number of completion calls received.
func (s *Server) Calls() int { return int(s.calls.Load()) }

// CallsFor returns the number of completion calls for model.
func (s *Server) CallsFor(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.received {
		if r.Model == model {
			n++
		}
	}
	return n
}

// Received returns a copy of the call log.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) record(r Received) Script {
	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, r)

	if len(s.queue) > 0 {
		sc := s.queue[0]
		s.queue = s.queue[1:]
		return sc
	}
	if sc, ok := s.byModel[r.Model]; ok {
		return sc
	}
	return s.defaultScript()
}

func (s *Server) defaultScript() Script {
	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		return Script{Status: http.StatusInternalServerError, ErrorType: "api_error", Delay: s.cfg.Latency}
	}
	text := fakeSentence(s.cfg.StreamWords)
	return Script{
		Text:  text,
		Usage: Usage{Input: 15, Output: s.cfg.StreamWords},
		Delay: s.cfg.Latency,
	}
}

// wait applies the script's delay and hold. It reports false if the
// client went away first.
func (sc Script) wait(r *http.Request) bool {
	if sc.Delay > 0 {
		select {
		case <-time.After(sc.Delay):
		case <-r.Context().Done():
			return false
		}
	}
	if sc.Hold != nil {
		select {
		case <-sc.Hold:
		case <-r.Context().Done():
			return false
		}
	}
	return true
}

func (sc Script) failed() bool {
	return sc.Status != 0 && sc.Status != http.StatusOK
}

func (sc Script) words() []string {
	f := strings.Fields(sc.Text)
	for i := range f {
		if i < len(f)-1 {
			f[i] += " "
		}
	}
	return f
}

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startSSE(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return flusher
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}
