package proxy

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/pkg/apierr"
)

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp, body := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gjson.GetBytes(body, "status").String() != "ok" {
		t.Errorf("body = %s", body)
	}
}

func TestHandleHealth_WithUpstreams(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.gw.health = NewHealthChecker(context.Background(), HealthOptions{
		Upstreams: map[string]providers.Provider{
			"opus": &healthyProvider{name: "opus"},
			"rest": &failingHealthProvider{healthyProvider{name: "rest"}},
		},
		Metrics: h.metrics,
	})
	defer h.gw.health.Close()

	_, body := h.get(t, "/health")
	if got := gjson.GetBytes(body, "status").String(); got != "degraded" {
		t.Errorf("status = %q body=%s", got, body)
	}
	if got := gjson.GetBytes(body, "upstreams.rest").String(); got != "degraded" {
		t.Errorf("rest = %q", got)
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	if resp, _ := h.get(t, "/readiness"); resp.StatusCode != http.StatusOK {
		t.Errorf("without checker status = %d", resp.StatusCode)
	}

	h.gw.health = NewHealthChecker(context.Background(), HealthOptions{CostReady: ready(false)})
	defer h.gw.health.Close()

	resp, body := h.get(t, "/readiness")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if gjson.GetBytes(body, "status").String() != "unavailable" {
		t.Errorf("body = %s", body)
	}
}

// --- /metrics ---------------------------------------------------------------

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.mock.On("claude-opus-4", textOK("counted"))
	h.post(t, "", messageBody("claude-opus-4", false))

	resp, body := h.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, name := range []string{"costproxy_http_requests_total", "costproxy_cache_operations_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// --- unknown routes ---------------------------------------------------------

func TestUnknownPath_ErrorEnvelope(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp, body := h.get(t, "/v1/chat/completions")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gjson.GetBytes(body, "type").String() != "error" || gjson.GetBytes(body, "error.type").String() != apierr.TypeNotFound {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("middleware should run for unknown paths")
	}
}

// --- bearer parsing ---------------------------------------------------------

func TestParseBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer sk-1":   "sk-1",
		"bearer  sk-2 ": "sk-2",
		"Basic abc":     "",
		"sk-3":          "",
		"":              "",
	}
	for in, want := range cases {
		if got := parseBearerToken(in); got != want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientAPIKey_PrefersXAPIKey(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("x-api-key", "sk-ant")
	ctx.Request.Header.Set("Authorization", "Bearer sk-other")
	if got := clientAPIKey(&ctx); got != "sk-ant" {
		t.Errorf("clientAPIKey = %q", got)
	}
}

// --- server lifecycle -------------------------------------------------------

func TestGateway_ShutdownStopsServe(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	errc := make(chan error, 1)
	go func() { errc <- h.gw.Start("127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
