package middleware_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/airouter/gateway/internal/auth"
	"github.com/airouter/gateway/internal/middleware"
)

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	var seen string
	h := middleware.RequestID(func(c *fasthttp.RequestCtx) {
		seen = middleware.RequestIDFromCtx(c)
	})
	h(ctx)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, string(ctx.Response.Header.Peek("X-Request-Id")))
}

func TestRequestID_ReusesInboundHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-Id", "fixed-id")
	var seen string
	h := middleware.RequestID(func(c *fasthttp.RequestCtx) {
		seen = middleware.RequestIDFromCtx(c)
	})
	h(ctx)
	assert.Equal(t, "fixed-id", seen)
}

func TestRecovery_CatchesPanic(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	h := middleware.Recovery(slog.Default())(func(c *fasthttp.RequestCtx) {
		panic("boom")
	})
	assert.NotPanics(t, func() { h(ctx) })
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestSecurityHeaders_SetsExpectedHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	h := middleware.SecurityHeaders(func(c *fasthttp.RequestCtx) {})
	h(ctx)
	assert.Equal(t, "nosniff", string(ctx.Response.Header.Peek("X-Content-Type-Options")))
	assert.Equal(t, "DENY", string(ctx.Response.Header.Peek("X-Frame-Options")))
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Origin", "https://example.com")
	h := middleware.CORS([]string{"https://example.com"})(func(c *fasthttp.RequestCtx) {})
	h(ctx)
	assert.Equal(t, "https://example.com", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
}

func TestAuth_StampsResolvedContextForDownstreamHandlers(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer secret")

	keys := auth.NewGlobalKeySource("secret")
	authenticator := auth.New(true, keys)

	var seen auth.Context
	h := middleware.Auth(authenticator)(func(c *fasthttp.RequestCtx) {
		seen = middleware.AuthContextFromCtx(c)
	})
	h(ctx)

	assert.Equal(t, "secret", seen.APIKey)
	assert.Equal(t, "global", seen.UserID)
}

func TestAuthContextFromCtx_ZeroValueWhenAuthNotInChain(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	assert.Equal(t, auth.Context{}, middleware.AuthContextFromCtx(ctx))
}

func TestApply_ComposesLeftToRight(t *testing.T) {
	var order []string
	mkMw := func(name string) middleware.Middleware {
		return func(next middleware.Handler) middleware.Handler {
			return func(c *fasthttp.RequestCtx) {
				order = append(order, name)
				next(c)
			}
		}
	}
	h := middleware.Apply(func(c *fasthttp.RequestCtx) {}, mkMw("a"), mkMw("b"))
	h(&fasthttp.RequestCtx{})
	assert.Equal(t, []string{"a", "b"}, order)
}
