// Package apierr provides the gateway's error taxonomy (tagged kinds,
// propagated as Go errors) and structured JSON error responses compatible
// with the OpenAI error format. Two responses do not use that envelope:
// authentication failures write {"error":"Invalid credentials"}, and a
// provider's non-2xx response (NonSuccess) is relayed with its own status
// and body. A provider 401 is reported as Unauthorized and written as 502.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — the "type" field in the client-facing envelope.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants — the "code" field in the client-facing envelope.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// ─── Error taxonomy (spec §7) ──────────────────────────────────────────────
//
// Every gateway-internal error belongs to exactly one of these kinds. Router
// and middleware code type-switches on these to pick an HTTP status; callers
// deeper in the pipeline (balancer, dispatcher, mapper, rate limiter, cache)
// only need to return one of these values, never write to the response
// directly.

// InvalidRequestError covers malformed or unroutable client requests.
type InvalidRequestError struct {
	Kind        string // "not_found" | "unsupported_provider" | "too_many_requests" | "mapper"
	Path        string
	Limit       int
	Remaining   int
	RetryAfter  int
	MapperCause error
}

func (e *InvalidRequestError) Error() string {
	switch e.Kind {
	case "not_found":
		return fmt.Sprintf("not found: %s", e.Path)
	case "unsupported_provider":
		return "unsupported provider"
	case "too_many_requests":
		return fmt.Sprintf("too many requests: limit=%d remaining=%d retry_after=%d", e.Limit, e.Remaining, e.RetryAfter)
	case "mapper":
		return fmt.Sprintf("mapper error: %v", e.MapperCause)
	default:
		return "invalid request"
	}
}

func (e *InvalidRequestError) Unwrap() error { return e.MapperCause }

func NotFound(path string) error { return &InvalidRequestError{Kind: "not_found", Path: path} }

func UnsupportedProvider() error { return &InvalidRequestError{Kind: "unsupported_provider"} }

func TooManyRequests(limit, remaining, retryAfter int) error {
	return &InvalidRequestError{Kind: "too_many_requests", Limit: limit, Remaining: remaining, RetryAfter: retryAfter}
}

func Mapper(cause error) error { return &InvalidRequestError{Kind: "mapper", MapperCause: cause} }

// AuthError covers every way authentication can fail.
type AuthError struct {
	Kind  string // "missing_header" | "invalid_credentials" | "transport" | "unsuccessful_auth_response"
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Cause)
	}
	return "auth: " + e.Kind
}

func (e *AuthError) Unwrap() error { return e.Cause }

var ErrMissingAuthorizationHeader = &AuthError{Kind: "missing_header"}
var ErrInvalidCredentials = &AuthError{Kind: "invalid_credentials"}

func AuthTransport(cause error) error { return &AuthError{Kind: "transport", Cause: cause} }
func UnsuccessfulAuthResponse(cause error) error {
	return &AuthError{Kind: "unsuccessful_auth_response", Cause: cause}
}

// ProviderError reports an upstream provider outcome that should generally
// be forwarded to the client close to verbatim.
type ProviderError struct {
	Kind   string // "unreachable" | "unauthorized" | "non_success" | "aws_credentials_not_found"
	Status int
	Body   []byte
	Cause  error
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case "unreachable":
		return fmt.Sprintf("provider unreachable: %v", e.Cause)
	case "non_success":
		return fmt.Sprintf("provider returned status %d", e.Status)
	case "aws_credentials_not_found":
		return "aws credentials not found"
	default:
		return "provider error: " + e.Kind
	}
}

func (e *ProviderError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return fasthttp.StatusBadGateway
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func Unreachable(cause error) error { return &ProviderError{Kind: "unreachable", Cause: cause} }
func Unauthorized() error           { return &ProviderError{Kind: "unauthorized", Status: fasthttp.StatusUnauthorized} }
func NonSuccess(status int, body []byte) error {
	return &ProviderError{Kind: "non_success", Status: status, Body: body}
}
func AwsCredentialsNotFound() error { return &ProviderError{Kind: "aws_credentials_not_found"} }

// InternalError covers bugs and infrastructure faults never shown to
// clients verbatim — they get a generic 500. WriteError does not log the
// underlying cause.
type InternalError struct {
	Kind  string // "extension_not_found" | "pool_error" | "redis_error" | "signing" | "stream_error" | "collect_body_error" | "load_balancer_error"
	Name  string
	Cause error
}

func (e *InternalError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("internal: %s: %s", e.Kind, e.Name)
	}
	if e.Cause != nil {
		return fmt.Sprintf("internal: %s: %v", e.Kind, e.Cause)
	}
	return "internal: " + e.Kind
}

func (e *InternalError) Unwrap() error { return e.Cause }

func ExtensionNotFound(name string) error { return &InternalError{Kind: "extension_not_found", Name: name} }
func PoolError(cause error) error         { return &InternalError{Kind: "pool_error", Cause: cause} }
func RedisError(cause error) error        { return &InternalError{Kind: "redis_error", Cause: cause} }
func Signing(cause error) error           { return &InternalError{Kind: "signing", Cause: cause} }
func StreamError(cause error) error       { return &InternalError{Kind: "stream_error", Cause: cause} }
func CollectBodyError(cause error) error  { return &InternalError{Kind: "collect_body_error", Cause: cause} }
func LoadBalancerError(cause error) error { return &InternalError{Kind: "load_balancer_error", Cause: cause} }

// InitError covers configuration/startup faults.
type InitError struct {
	Kind string // "invalid_weighted_balancer" | "invalid_weight" | "websocket_connection" | "deployment_target_not_supported"
	Name string
}

func (e *InitError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("init: %s: %s", e.Kind, e.Name)
	}
	return "init: " + e.Kind
}

func InvalidWeightedBalancer() error      { return &InitError{Kind: "invalid_weighted_balancer"} }
func InvalidWeight(provider string) error { return &InitError{Kind: "invalid_weight", Name: provider} }
func WebsocketConnection() error          { return &InitError{Kind: "websocket_connection"} }
func DeploymentTargetNotSupported() error { return &InitError{Kind: "deployment_target_not_supported"} }

// ─── HTTP mapping ────────────────────────────────────────────────────────

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps any error from the taxonomy above to an HTTP response.
// Unrecognized errors fall back to a generic 500.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ire *InvalidRequestError
	var ae *AuthError
	var pe *ProviderError
	var ie *InternalError
	var initErr *InitError

	switch {
	case errors.As(err, &ire):
		writeInvalidRequest(ctx, ire)
	case errors.As(err, &ae):
		writeAuth(ctx, ae)
	case errors.As(err, &pe):
		writeProvider(ctx, pe)
	case errors.As(err, &ie):
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
	case errors.As(err, &initErr):
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
	}
}

func writeInvalidRequest(ctx *fasthttp.RequestCtx, e *InvalidRequestError) {
	switch e.Kind {
	case "not_found":
		Write(ctx, fasthttp.StatusNotFound, e.Error(), TypeInvalidRequest, CodeNotFound)
	case "too_many_requests":
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
		ctx.Response.Header.Set("X-RateLimit-Limit", fmt.Sprintf("%d", e.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", e.Remaining))
		Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
	case "mapper":
		Write(ctx, fasthttp.StatusBadRequest, e.Error(), TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadRequest, e.Error(), TypeInvalidRequest, CodeInvalidRequest)
	}
}

func writeAuth(ctx *fasthttp.RequestCtx, e *AuthError) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"Invalid credentials"}`)
}

func writeProvider(ctx *fasthttp.RequestCtx, e *ProviderError) {
	switch e.Kind {
	case "unreachable":
		Write(ctx, fasthttp.StatusBadGateway, "provider unreachable", TypeProviderError, CodeProviderError)
	case "non_success":
		ctx.SetStatusCode(e.Status)
		ctx.SetContentType("application/json")
		ctx.SetBody(e.Body)
	default:
		Write(ctx, fasthttp.StatusBadGateway, e.Error(), TypeProviderError, CodeProviderError)
	}
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are written separately by WriteTimeout (504).
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// IsRetryable reports whether err represents a transient provider failure
// eligible for retry under a router's retry policy (spec §7: only
// Provider::Unreachable or 5xx, and only for idempotent non-streaming
// requests).
func IsRetryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Kind == "unreachable" {
		return true
	}
	return pe.Status >= 500 && pe.Status < 600
}
