package router_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/airouter/gateway/internal/balancer"
	"github.com/airouter/gateway/internal/dispatcher"
	"github.com/airouter/gateway/internal/discovery"
	"github.com/airouter/gateway/internal/mapper"
	"github.com/airouter/gateway/internal/reqcontext"
	"github.com/airouter/gateway/internal/router"
)

func TestResolve_RouterPrefix(t *testing.T) {
	r := router.New(nil, "", nil, nil, nil, nil, nil)

	ep, ok := r.Resolve("/router/main/v1/chat/completions")
	require.True(t, ok)
	assert.Equal(t, "main", ep.RouterID)
	assert.Equal(t, reqcontext.EndpointChatCompletions, ep.Type)

	ep, ok = r.Resolve("/router/main/v1/embeddings")
	require.True(t, ok)
	assert.Equal(t, reqcontext.EndpointEmbeddings, ep.Type)

	_, ok = r.Resolve("/healthz")
	assert.False(t, ok)
}

func TestDispatch_UnknownRouterFallsThroughToDirectProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	r := router.New(map[string]*router.RouterConfig{}, upstream.URL, dispatcher.New(), mapper.NewModelMapper(), nil, nil, nil)

	ep, _ := r.Resolve("/router/unknown/v1/chat/completions")
	body, err := r.Dispatch(context.Background(), ep, "user-1", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
}

// TestDispatch_DirectProxyForwardsRequestBody verifies the unknown-router
// fallback actually sends the original request body to the direct-proxy
// target, rather than silently dropping it.
func TestDispatch_DirectProxyForwardsRequestBody(t *testing.T) {
	var receivedBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		receivedBody = b
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	r := router.New(map[string]*router.RouterConfig{}, upstream.URL, dispatcher.New(), mapper.NewModelMapper(), nil, nil, nil)

	ep, _ := r.Resolve("/router/unknown/v1/chat/completions")
	_, err := r.Dispatch(context.Background(), ep, "user-1", []byte(`{"hello":"world"}`), http.Header{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(receivedBody))
}

func TestDispatch_UnconfiguredEndpointTypeIsNotFound(t *testing.T) {
	cfg := &router.RouterConfig{ID: "main", Balancers: map[reqcontext.EndpointType]*router.EndpointBalancer{}}
	r := router.New(map[string]*router.RouterConfig{"main": cfg}, "", dispatcher.New(), mapper.NewModelMapper(), nil, nil, nil)

	ep, _ := r.Resolve("/router/main/v1/chat/completions")
	_, err := r.Dispatch(context.Background(), ep, "user-1", []byte(`{}`), http.Header{})
	require.Error(t, err)
}

func TestDispatch_RoutesThroughBalancerAndMapper(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cc1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer upstream.Close()

	events := make(chan discovery.Change[string, router.ProviderEndpoint])
	close(events)
	stream := discovery.Stream[string, router.ProviderEndpoint]{
		Initial: map[string]router.ProviderEndpoint{
			"primary": {Provider: mapper.OpenAI, BaseURL: upstream.URL, APIKey: "sk-test"},
		},
		Events: events,
	}
	b, err := balancer.New(context.Background(), balancer.StrategyP2CPeakEWMA, stream)
	require.NoError(t, err)

	cfg := &router.RouterConfig{
		ID: "main",
		Balancers: map[reqcontext.EndpointType]*router.EndpointBalancer{
			reqcontext.EndpointChatCompletions: {Balancer: b},
		},
	}
	r := router.New(map[string]*router.RouterConfig{"main": cfg}, "", dispatcher.New(), mapper.NewModelMapper(), nil, nil, nil)

	ep, _ := r.Resolve("/router/main/v1/chat/completions")
	body, err := r.Dispatch(context.Background(), ep, "user-1", []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`), http.Header{})
	require.NoError(t, err)
	assert.Contains(t, string(body), "\"object\":\"chat.completion\"")
}

// TestHTTPHandler_StreamingRequestRelaysSSEFrames drives a "stream":true
// request through the live fasthttp handler end to end, confirming that a
// streaming request is actually relayed over SSE (dispatcher.StreamSSE +
// mapper.ConvertChunk) instead of being buffered like an ordinary request.
func TestHTTPHandler_StreamingRequestRelaysSSEFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022"}}`,
			`{"type":"ping"}`,
			`{"type":"content_block_delta","delta":{"text":"hi"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		}
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	events := make(chan discovery.Change[string, router.ProviderEndpoint])
	close(events)
	stream := discovery.Stream[string, router.ProviderEndpoint]{
		Initial: map[string]router.ProviderEndpoint{
			"primary": {Provider: mapper.Anthropic, BaseURL: upstream.URL, APIKey: "sk-test"},
		},
		Events: events,
	}
	b, err := balancer.New(context.Background(), balancer.StrategyP2CPeakEWMA, stream)
	require.NoError(t, err)

	cfg := &router.RouterConfig{
		ID: "main",
		Balancers: map[reqcontext.EndpointType]*router.EndpointBalancer{
			reqcontext.EndpointChatCompletions: {Balancer: b},
		},
	}
	r := router.New(map[string]*router.RouterConfig{"main": cfg}, "", dispatcher.New(), mapper.NewModelMapper(), nil, nil, nil)

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/router/main/v1/chat/completions")
	ctx.Request.SetBody([]byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":true}`))

	r.HTTPHandler()(&ctx)

	assert.Equal(t, "text/event-stream", string(ctx.Response.Header.ContentType()))
	out, err := io.ReadAll(ctx.Response.BodyStream())
	require.NoError(t, err)
	body := string(out)
	assert.Contains(t, body, `"id":"msg_1"`)
	assert.Contains(t, body, `"content":"hi"`)
	assert.Contains(t, body, "data: [DONE]")
	// "ping" carries no client-visible delta and must not appear as a chunk.
	assert.NotContains(t, body, `"type":"ping"`)
}
