// Package middleware provides the fasthttp request middleware chain:
// panic recovery, request ID assignment, timing, security headers, and
// CORS. Carried over near-verbatim from the teacher's proxy middleware,
// since this layer's job (HTTP hygiene) doesn't change with the gateway's
// domain.
package middleware

import (
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/airouter/gateway/internal/auth"
	"github.com/airouter/gateway/pkg/apierr"
)

// authContextKey stores the auth.Context Auth resolves for a request on
// the *fasthttp.RequestCtx's user-value map, so internal/router can read
// UserID/OrgID for per-user rate limiting and logging without this package
// depending on internal/router.
const authContextKey = "auth_context"

// Handler is the fasthttp handler signature middleware wraps.
type Handler func(ctx *fasthttp.RequestCtx)

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Apply composes middlewares left to right: Apply(h, a, b, c) runs as
// a(b(c(h))), i.e. a observes the request first.
func Apply(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

const requestIDKey = "request_id"

// RequestID assigns a UUID to every request (reusing an inbound
// X-Request-Id if the caller supplied one) and stores it on the
// *fasthttp.RequestCtx for downstream handlers and logging.
func RequestID(next Handler) Handler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-Id", id)
		next(ctx)
	}
}

// RequestIDFromCtx reads the request ID RequestID stored, or "" if unset.
func RequestIDFromCtx(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recovery converts a panic in the handler chain into a 500 response
// instead of crashing the server process.
func Recovery(log *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
						slog.String("request_id", RequestIDFromCtx(ctx)),
					)
					ctx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
					ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
				}
			}()
			next(ctx)
		}
	}
}

// Timing records request duration as a response header and logs it.
func Timing(log *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			elapsed := time.Since(start)
			ctx.Response.Header.Set("X-Response-Time-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
			log.Debug("request completed",
				slog.String("request_id", RequestIDFromCtx(ctx)),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.Duration("elapsed", elapsed),
			)
		}
	}
}

// Auth authenticates the inbound Authorization header and, on success,
// stamps the resolved auth.Context (including the key's owner_id) onto ctx
// for internal/router to read. On failure it writes the apierr response
// directly and does not call next.
func Auth(authenticator *auth.Authenticator) Middleware {
	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx) {
			authCtx, err := authenticator.Authenticate(string(ctx.Request.Header.Peek("Authorization")))
			if err != nil {
				apierr.WriteError(ctx, err)
				return
			}
			ctx.SetUserValue(authContextKey, authCtx)
			next(ctx)
		}
	}
}

// AuthContextFromCtx reads the auth.Context the Auth middleware resolved
// for this request, or the zero value if Auth wasn't in the chain (or
// requireAuth is false and no credentials were checked).
func AuthContextFromCtx(ctx *fasthttp.RequestCtx) auth.Context {
	if v, ok := ctx.UserValue(authContextKey).(auth.Context); ok {
		return v
	}
	return auth.Context{}
}

// SecurityHeaders sets a conservative default set of response security
// headers.
func SecurityHeaders(next Handler) Handler {
	return func(ctx *fasthttp.RequestCtx) {
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next(ctx)
	}
}

// CORS allows the configured origins (or "*" when none are configured) to
// call the gateway from a browser.
func CORS(allowedOrigins []string) Middleware {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next Handler) Handler {
		return func(ctx *fasthttp.RequestCtx) {
			origin := string(ctx.Request.Header.Peek("Origin"))
			if origin != "" {
				if allowAll {
					ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
				} else if _, ok := allowed[origin]; ok {
					ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
					ctx.Response.Header.Set("Vary", "Origin")
				}
			}
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Helicone-Auth")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
