package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

func TestWrite_Envelope(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteNotFound(&ctx, "no route for model gpt-9")

	if ctx.Response.StatusCode() != 404 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var got struct {
		Type  string `json:"type"`
		Error Body   `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "error" || got.Error.Type != TypeNotFound || got.Error.Message != "no route for model gpt-9" {
		t.Fatalf("body = %s", ctx.Response.Body())
	}
}

func TestWriteRateLimit_RetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 1500*time.Millisecond)
	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra != "2" {
		t.Fatalf("Retry-After = %q", ra)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"timeout", fmt.Errorf("attempt: %w", context.DeadlineExceeded), 504, TypeTimeout},
		{"missing credential", providers.ErrMissingCredential, 401, TypeAuthentication},
		{"upstream 401", &providers.Error{StatusCode: 401}, 401, TypeAuthentication},
		{"upstream 403", &providers.Error{StatusCode: 403}, 403, TypePermission},
		{"upstream 429", &providers.Error{StatusCode: 429}, 429, TypeRateLimit},
		{"upstream 400", &providers.Error{StatusCode: 400}, 400, TypeInvalidRequest},
		{"upstream 422", &providers.Error{StatusCode: 422}, 422, TypeInvalidRequest},
		{"upstream 529", &providers.Error{StatusCode: 529}, 529, TypeOverloaded},
		{"upstream 503", &providers.Error{StatusCode: 503}, 502, TypeAPI},
		{"unknown", errors.New("connection reset"), 502, TypeAPI},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, typ := Classify(c.err)
			if status != c.status || typ != c.typ {
				t.Fatalf("Classify = (%d, %s), want (%d, %s)", status, typ, c.status, c.typ)
			}
		})
	}
}
