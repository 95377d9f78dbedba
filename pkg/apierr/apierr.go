// Package apierr writes errors in the Anthropic messages API envelope and
// maps proxy failures to HTTP statuses.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// Error types understood by Anthropic clients.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
	TypeOverloaded     = "overloaded_error"
	TypeTimeout        = "timeout_error"
)

// StatusOverloaded is the non-standard status Anthropic uses for overload.
const StatusOverloaded = 529

type (
	Body struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Type  string `json:"type"`
		Error Body   `json:"error"`
	}
)

// Marshal returns the JSON envelope for errType and message.
func Marshal(errType, message string) []byte {
	b, _ := json.Marshal(envelope{Type: "error", Error: Body{Type: errType, Message: message}})
	return b
}

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(errType, message))
}

func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, TypeInvalidRequest, message)
}

func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, TypeNotFound, message)
}

// WriteRateLimit writes a 429 with Retry-After rounded up to whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimit, "rate limit exceeded")
}

// Classify maps an upstream failure to the client-facing status and error
// type:
//
//	upstream 401/403      → same status, authentication/permission error
//	upstream 429          → 429 rate_limit_error
//	upstream other 4xx    → same status, invalid_request_error
//	upstream 529          → 529 overloaded_error
//	timeout               → 504 timeout_error
//	missing credential    → 401 authentication_error
//	anything else         → 502 api_error
func Classify(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout, TypeTimeout
	}
	if errors.Is(err, providers.ErrMissingCredential) {
		return fasthttp.StatusUnauthorized, TypeAuthentication
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == fasthttp.StatusUnauthorized:
			return status, TypeAuthentication
		case status == fasthttp.StatusForbidden:
			return status, TypePermission
		case status == fasthttp.StatusTooManyRequests:
			return status, TypeRateLimit
		case status == fasthttp.StatusNotFound:
			return status, TypeNotFound
		case status >= 400 && status < 500:
			return status, TypeInvalidRequest
		case status == StatusOverloaded:
			return StatusOverloaded, TypeOverloaded
		}
	}
	return fasthttp.StatusBadGateway, TypeAPI
}

// WriteUpstream writes err using Classify.
func WriteUpstream(ctx *fasthttp.RequestCtx, err error) {
	status, errType := Classify(err)
	Write(ctx, status, errType, err.Error())
}
