// Package router resolves an inbound request to a configured router +
// endpoint type, dispatches it through the balancer/mapper/dispatcher
// pipeline, and relays the result back to the client — buffered for
// ordinary requests, or as a relayed SSE stream when the request body sets
// "stream":true. A non-streaming request for a router ID that is not
// configured is forwarded to the direct-proxy target when one is
// configured. Every other unresolvable request produces a NotFound: a path
// outside "/router/{id}/", an unconfigured router ID with no direct proxy
// (or on the streaming path), and an EndpointType with no balancer.
package router

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/airouter/gateway/internal/balancer"
	"github.com/airouter/gateway/internal/cache"
	"github.com/airouter/gateway/internal/dispatcher"
	"github.com/airouter/gateway/internal/mapper"
	"github.com/airouter/gateway/internal/middleware"
	"github.com/airouter/gateway/internal/prompttemplate"
	"github.com/airouter/gateway/internal/ratelimit"
	"github.com/airouter/gateway/internal/reqcontext"
	"github.com/airouter/gateway/pkg/apierr"
)

// ProviderEndpoint is the balancer's Service payload: enough to dispatch a
// request once selected.
type ProviderEndpoint struct {
	Provider mapper.Provider
	BaseURL  string
	APIKey   string
	Model    string
}

// EndpointBalancer wraps the balancer for one endpoint type. The provider
// dialect is carried per endpoint (ProviderEndpoint.Provider), so one pool
// may mix providers; each request is converted for the endpoint picked.
type EndpointBalancer struct {
	Balancer *balancer.Balancer[ProviderEndpoint]
}

// RouterConfig is one configured router: a balancer per endpoint type, plus
// caching/rate-limit settings.
type RouterConfig struct {
	ID           string
	Balancers    map[reqcontext.EndpointType]*EndpointBalancer
	CacheEnabled bool
	RateLimit    *ratelimit.Limit
	// Retries bounds additional attempts (beyond the first) against a
	// freshly-picked endpoint when the prior attempt failed with a
	// retryable error (apierr.IsRetryable).
	Retries int
}

// Router dispatches resolved requests through the full pipeline.
type Router struct {
	routers        map[string]*RouterConfig
	directProxyURL string // optional fallback for unrecognized paths

	dispatchClient *dispatcher.Client
	modelMapper    *mapper.ModelMapper
	rateLimiter    ratelimit.Backend
	cacheStore     cache.Store
	exclusions     *cache.ExclusionList
	promptResolver *prompttemplate.Resolver

	// onComplete, when set, is called once per successfully dispatched
	// (non-error) request for async request logging.
	onComplete func(routerID, userID, provider, model string, statusCode int, latencyMs int64, cached bool)
}

// SetOnComplete wires a request-completion callback, used for async
// request logging.
func (r *Router) SetOnComplete(fn func(routerID, userID, provider, model string, statusCode int, latencyMs int64, cached bool)) {
	r.onComplete = fn
}

// New builds a Router.
func New(
	routers map[string]*RouterConfig,
	directProxyURL string,
	dispatchClient *dispatcher.Client,
	modelMapper *mapper.ModelMapper,
	rateLimiter ratelimit.Backend,
	cacheStore cache.Store,
	exclusions *cache.ExclusionList,
) *Router {
	return &Router{
		routers:        routers,
		directProxyURL: directProxyURL,
		dispatchClient: dispatchClient,
		modelMapper:    modelMapper,
		rateLimiter:    rateLimiter,
		cacheStore:     cacheStore,
		exclusions:     exclusions,
	}
}

// Routers exposes the configured router table for health probing (one
// prober per router/endpoint-type balancer).
func (r *Router) Routers() map[string]*RouterConfig {
	return r.routers
}

// SetCacheStore wires the response cache backend after construction: the
// cache backend is chosen in initServices, after the router (and its
// balancers) are already built in initRouting.
func (r *Router) SetCacheStore(store cache.Store) {
	r.cacheStore = store
}

// SetPromptResolver wires prompt templating. Requests whose body carries a
// promptId are expanded against the stored template before rate limiting
// and dispatch; nil (the default) leaves promptId as ordinary request data.
func (r *Router) SetPromptResolver(resolver *prompttemplate.Resolver) {
	r.promptResolver = resolver
}

// Resolve maps an inbound path to an ApiEndpoint. Path must start with
// "/router/{id}/...".
func (r *Router) Resolve(path string) (reqcontext.ApiEndpoint, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 3 || parts[0] != "router" {
		return reqcontext.ApiEndpoint{}, false
	}
	routerID := parts[1]
	rest := "/" + parts[2]

	return reqcontext.ApiEndpoint{
		RouterID: routerID,
		Type:     endpointTypeFromPath(rest),
		Path:     rest,
	}, true
}

func endpointTypeFromPath(path string) reqcontext.EndpointType {
	switch {
	case strings.HasSuffix(path, "/embeddings"):
		return reqcontext.EndpointEmbeddings
	case strings.HasSuffix(path, "/completions") && !strings.Contains(path, "chat"):
		return reqcontext.EndpointCompletions
	default:
		return reqcontext.EndpointChatCompletions
	}
}

// Dispatch runs the full pipeline for a resolved request: rate limit, cache
// lookup, balancer pick, request mapping, provider call, response mapping,
// cache store. It returns the final OpenAI-shaped response body, or an
// error from the pkg/apierr taxonomy.
func (r *Router) Dispatch(ctx context.Context, ep reqcontext.ApiEndpoint, userID string, body []byte, headers http.Header) ([]byte, error) {
	cfg, ok := r.routers[ep.RouterID]
	if !ok {
		if r.directProxyURL != "" {
			return r.directProxy(ctx, ep, body, headers)
		}
		return nil, apierr.NotFound(ep.Path)
	}

	eb, ok := cfg.Balancers[ep.Type]
	if !ok {
		return nil, apierr.NotFound(ep.Path)
	}

	if r.promptResolver != nil {
		expanded, err := r.promptResolver.Apply(ctx, body)
		if err != nil {
			return nil, apierr.Mapper(err)
		}
		body = expanded
	}

	if r.rateLimiter != nil && cfg.RateLimit != nil {
		decision, err := r.rateLimiter.Allow(ctx, ratelimit.KeyForAPIKey(userID), *cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, apierr.TooManyRequests(decision.Limit, decision.Remaining, decision.RetryAfter)
		}
	}

	model := gjson.GetBytes(body, "model").String()
	cacheable := cfg.CacheEnabled && r.cacheStore != nil && !r.exclusions.Matches(model)
	var cacheKey string
	if cacheable {
		cacheKey = r.responseCacheKey(ep, body)
		if resp, _, ok := r.cacheStore.Get(ctx, cacheKey); ok {
			if r.onComplete != nil {
				r.onComplete(ep.RouterID, userID, "", model, resp.Status, 0, true)
			}
			return resp.Body, nil
		}
	}

	attempts := cfg.Retries + 1
	var lastErr error
	dispatchStart := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		converted, status, header, provider, err := r.attempt(ctx, eb, ep, body, headers)
		if err == nil {
			if cacheable {
				policy := cache.ParseCacheControl(header.Get("Cache-Control"))
				_ = r.cacheStore.Put(ctx, cacheKey, cache.HttpResponse{Status: status, Body: converted}, policy)
			}
			if r.onComplete != nil {
				r.onComplete(ep.RouterID, userID, string(provider), model, status, time.Since(dispatchStart).Milliseconds(), false)
			}
			return converted, nil
		}
		lastErr = err
		if !apierr.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt picks one endpoint and runs it through the mapper/dispatcher/
// mapper pipeline once. Dispatch loops this up to RouterConfig.Retries+1
// times, re-picking a (possibly different) endpoint on a retryable error.
func (r *Router) attempt(ctx context.Context, eb *EndpointBalancer, ep reqcontext.ApiEndpoint, body []byte, headers http.Header) ([]byte, int, http.Header, mapper.Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, dispatcher.DefaultRequestTimeout)
	defer cancel()

	endpoint, err := eb.Balancer.Pick()
	if err != nil {
		return nil, 0, nil, "", err
	}
	start := time.Now()
	defer func() { endpoint.Done(time.Since(start)) }()

	reqBody, err := mapper.ConvertRequest(r.modelMapper, endpoint.Service.Provider, body)
	if err != nil {
		return nil, 0, nil, "", err
	}

	target := dispatcher.Target{
		Provider: toDispatcherProvider(endpoint.Service.Provider),
		BaseURL:  endpoint.Service.BaseURL,
		APIKey:   endpoint.Service.APIKey,
		Model:    endpoint.Service.Model,
	}
	path := dispatcher.StripRouterPrefix("/router/" + ep.RouterID + ep.Path)
	req, err := r.dispatchClient.BuildRequest(ctx, target, "POST", path, headers, reqBody)
	if err != nil {
		return nil, 0, nil, "", err
	}
	resp, err := r.dispatchClient.Do(req)
	if err != nil {
		return nil, 0, nil, "", err
	}
	respBody, err := r.dispatchClient.CollectBody(resp)
	if err != nil {
		return nil, 0, nil, "", err
	}

	converted, err := mapper.ConvertResponse(endpoint.Service.Provider, respBody)
	if err != nil {
		return nil, 0, nil, "", err
	}

	return converted, resp.StatusCode, resp.Header, endpoint.Service.Provider, nil
}

// responseCacheKey shards the cache key by a fingerprint of the router,
// endpoint type, and request body, per the bucket-assignment scheme in
// internal/cache.
func (r *Router) responseCacheKey(ep reqcontext.ApiEndpoint, body []byte) string {
	sum := sha256.Sum256(body)
	fingerprint := string(ep.Type) + ":" + hex.EncodeToString(sum[:])
	return cache.BucketKey(ep.RouterID, fingerprint, cache.BucketCount)
}

func toDispatcherProvider(p mapper.Provider) dispatcher.Provider {
	return dispatcher.Provider(p)
}

func (r *Router) directProxy(ctx context.Context, ep reqcontext.ApiEndpoint, body []byte, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.directProxyURL+ep.Path, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Unreachable(err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := r.dispatchClient.Do(req)
	if err != nil {
		return nil, err
	}
	return r.dispatchClient.CollectBody(resp)
}

// HTTPHandler adapts Router into a fasthttp handler mounted at
// "/router/{id}/{path:*}" by the HTTP server in internal/app. It operates on
// *fasthttp.RequestCtx directly (RequestCtx satisfies context.Context) so
// every error return from the pipeline reaches pkg/apierr.WriteError's full
// status-code taxonomy instead of collapsing to a flat 500.
func (r *Router) HTTPHandler() func(*fasthttp.RequestCtx) {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		ep, ok := r.Resolve(path)
		if !ok {
			apierr.WriteError(ctx, apierr.NotFound(path))
			return
		}

		rc := reqcontext.New(middleware.RequestIDFromCtx(ctx), path).
			WithEndpoint(ep).
			WithAuth(middleware.AuthContextFromCtx(ctx))

		headers := make(http.Header, ctx.Request.Header.Len())
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			headers.Add(string(k), string(v))
		})

		body := ctx.PostBody()
		if gjson.GetBytes(body, "stream").Bool() {
			r.dispatchStream(ctx, rc, body, headers)
			return
		}

		result, err := r.Dispatch(ctx, rc.Endpoint, rc.Auth.UserID, body, headers)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(result)
	}
}

// dispatchStream runs the streaming counterpart of Dispatch: it picks one
// endpoint (no retry — a partially-streamed response can't be safely
// retried), converts the request with streaming forced on, and relays the
// provider's SSE frames through mapper.ConvertChunk directly onto ctx's
// response body as they arrive. Caching does not apply to streamed
// responses. A failure before any bytes are written surfaces as a normal
// apierr response; once streaming has started, a mid-stream failure just
// ends the stream.
func (r *Router) dispatchStream(ctx *fasthttp.RequestCtx, rc *reqcontext.RequestContext, body []byte, headers http.Header) {
	ep := rc.Endpoint
	cfg, ok := r.routers[ep.RouterID]
	if !ok {
		apierr.WriteError(ctx, apierr.NotFound(ep.Path))
		return
	}
	eb, ok := cfg.Balancers[ep.Type]
	if !ok {
		apierr.WriteError(ctx, apierr.NotFound(ep.Path))
		return
	}

	if r.promptResolver != nil {
		expanded, err := r.promptResolver.Apply(ctx, body)
		if err != nil {
			apierr.WriteError(ctx, apierr.Mapper(err))
			return
		}
		body = expanded
	}

	if r.rateLimiter != nil && cfg.RateLimit != nil {
		decision, err := r.rateLimiter.Allow(ctx, ratelimit.KeyForAPIKey(rc.Auth.UserID), *cfg.RateLimit)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		if !decision.Allowed {
			apierr.WriteError(ctx, apierr.TooManyRequests(decision.Limit, decision.Remaining, decision.RetryAfter))
			return
		}
	}

	endpoint, err := eb.Balancer.Pick()
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	start := time.Now()
	defer func() { endpoint.Done(time.Since(start)) }()

	reqBody, err := mapper.ConvertRequest(r.modelMapper, endpoint.Service.Provider, body)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	target := dispatcher.Target{
		Provider: toDispatcherProvider(endpoint.Service.Provider),
		BaseURL:  endpoint.Service.BaseURL,
		APIKey:   endpoint.Service.APIKey,
		Model:    endpoint.Service.Model,
		Stream:   true,
	}
	path := dispatcher.StripRouterPrefix("/router/" + ep.RouterID + ep.Path)
	req, err := r.dispatchClient.BuildRequest(ctx, target, "POST", path, headers, reqBody)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	resp, err := r.dispatchClient.Do(req)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, err = r.dispatchClient.CollectBody(resp)
		apierr.WriteError(ctx, err)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	provider := endpoint.Service.Provider
	model := gjson.GetBytes(body, "model").String()
	routerID := ep.RouterID
	userID := rc.Auth.UserID
	state := &mapper.StreamState{}
	frames := r.dispatchClient.StreamSSE(ctx, resp)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for frame := range frames {
			if frame.Done {
				_, _ = w.WriteString("data: [DONE]\n\n")
				_ = w.Flush()
				break
			}
			out, ok, err := mapper.ConvertChunk(state, provider, frame.Data)
			if err != nil || !ok {
				continue
			}
			_, _ = w.WriteString("data: ")
			_, _ = w.Write(out)
			_, _ = w.WriteString("\n\n")
			if ferr := w.Flush(); ferr != nil {
				return
			}
		}
		if r.onComplete != nil {
			r.onComplete(routerID, userID, string(provider), model, fasthttp.StatusOK, time.Since(start).Milliseconds(), false)
		}
	})
}
