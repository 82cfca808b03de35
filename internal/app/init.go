package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/airouter/gateway/internal/auth"
	"github.com/airouter/gateway/internal/balancer"
	npCache "github.com/airouter/gateway/internal/cache"
	"github.com/airouter/gateway/internal/config"
	"github.com/airouter/gateway/internal/controlplane"
	"github.com/airouter/gateway/internal/dispatcher"
	"github.com/airouter/gateway/internal/discovery"
	"github.com/airouter/gateway/internal/health"
	"github.com/airouter/gateway/internal/logger"
	"github.com/airouter/gateway/internal/mapper"
	"github.com/airouter/gateway/internal/metrics"
	"github.com/airouter/gateway/internal/ratelimit"
	"github.com/airouter/gateway/internal/reqcontext"
	"github.com/airouter/gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initControlPlane connects the WebSocket control-plane client when
// configured. It is the source of valid key hashes in cloud deployments;
// sidecar/self-hosted deployments may run without it, falling back to a
// static global key (see internal/config.validate). Router topology comes
// from the static configuration only: the client is built without an
// update callback, so router settings pushed by the control plane are not
// applied.
func (a *App) initControlPlane(ctx context.Context) error {
	if !a.cfg.Helicone.EnableControlPlane {
		return nil
	}

	a.cp = controlplane.New(a.cfg.Helicone.WebsocketURL, a.cfg.Helicone.APIKey, a.log, nil)
	a.log.Info("control plane client configured", slog.String("url", a.cfg.Helicone.WebsocketURL))
	return nil
}

// initRouting builds, for every configured router, one balancer per
// endpoint type from its static target list (fed through a discovery
// stream so that the same balancer machinery would serve a future
// control-plane-driven membership push), then assembles the top-level
// Router and Authenticator.
func (a *App) initRouting(ctx context.Context) error {
	routers := make(map[string]*router.RouterConfig, len(a.cfg.Routers))

	for routerID, rc := range a.cfg.Routers {
		rCfg := &router.RouterConfig{ID: routerID, Balancers: make(map[reqcontext.EndpointType]*router.EndpointBalancer)}

		for epType, ec := range rc.Endpoints {
			bal, err := buildBalancer(a.baseCtx, ec.LoadBalance)
			if err != nil {
				return fmt.Errorf("router %q endpoint %q: %w", routerID, epType, err)
			}
			rCfg.Balancers[reqcontext.EndpointType(epType)] = &router.EndpointBalancer{Balancer: bal}

			if ec.RateLimit != nil {
				rCfg.RateLimit = &ratelimit.Limit{Capacity: ec.RateLimit.Capacity, RefillFrequency: ec.RateLimit.RefillFrequency}
			}
			if ec.Cache != nil {
				rCfg.CacheEnabled = ec.Cache.Mode != "none"
			} else {
				rCfg.CacheEnabled = a.cfg.Cache.Mode != "none"
			}
			rCfg.Retries = ec.Retries
		}

		routers[routerID] = rCfg
	}

	modelMapper := mapper.NewModelMapper()

	var rateLimitBackend ratelimit.Backend
	warn := func(msg string) { a.log.Warn(msg) }
	if a.rdb != nil {
		rateLimitBackend = ratelimit.NewRedisLimiter(a.rdb, ratelimit.OutageDenyAfter, 5, warn)
	} else {
		rateLimitBackend = ratelimit.NewMemoryLimiter(warn)
	}

	var exclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var keySource auth.KeySource
	if a.cfg.Helicone.EnableControlPlane && a.cp != nil {
		keySource = a.cp
	} else {
		keySource = auth.NewGlobalKeySource(a.cfg.Auth.GlobalKey)
	}
	a.authN = auth.New(a.cfg.Auth.RequireAuth, keySource)

	a.rtr = router.New(routers, a.cfg.AppBaseURL, dispatcher.New(), modelMapper, rateLimitBackend, nil, exclusions)

	return nil
}

// buildBalancer turns a static load-balance target list into a
// discovery.Stream (the balancer is agnostic to whether membership comes
// from config or a future control-plane push) and constructs the Balancer.
func buildBalancer(ctx context.Context, lb config.LoadBalanceConfig) (*balancer.Balancer[router.ProviderEndpoint], error) {
	initial := make(map[string]router.ProviderEndpoint, len(lb.Targets))
	for _, t := range lb.Targets {
		initial[t.Key] = router.ProviderEndpoint{
			Provider: mapper.Provider(t.Provider),
			BaseURL:  t.BaseURL,
			APIKey:   resolveAPIKeyEnv(t.APIKeyEnv),
			Model:    t.Model,
		}
	}

	_, events := discovery.NewChannel[string, router.ProviderEndpoint]()
	stream := discovery.Stream[string, router.ProviderEndpoint]{Initial: initial, Events: events}

	strategy := balancer.StrategyP2CPeakEWMA
	if lb.Strategy == config.StrategyWeighted {
		strategy = balancer.StrategyWeighted
	}

	bal, err := balancer.New(ctx, strategy, stream)
	if err != nil {
		return nil, err
	}
	if strategy == balancer.StrategyWeighted {
		for _, t := range lb.Targets {
			bal.SetWeight(t.Key, t.Weight)
		}
	}
	return bal, nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// health checker.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger
	a.rtr.SetOnComplete(func(routerID, userID, provider, model string, statusCode int, latencyMs int64, cached bool) {
		id := uuid.New()
		a.reqLogger.Log(logger.RequestLog{
			ID:        id,
			Provider:  provider,
			Model:     model,
			LatencyMs: uint16(clampUint16(latencyMs)),
			Status:    uint16(statusCode),
			Cached:    cached,
			CreatedAt: time.Now(),
		})
		a.prom.ObserveGatewayRequest(provider, routerID, cacheLabel(cached), time.Duration(latencyMs)*time.Millisecond)
		if a.cp != nil {
			a.cp.SendLog(controlplane.LogEntry{
				RequestID:  id.String(),
				UserID:     userID,
				Router:     routerID,
				Provider:   provider,
				Model:      model,
				StatusCode: statusCode,
				LatencyMS:  latencyMs,
				Cached:     cached,
				At:         time.Now(),
			})
		}
	})

	var probers []health.Prober
	for routerID, rCfg := range a.rtr.Routers() {
		for epType, eb := range rCfg.Balancers {
			eb := eb
			name := fmt.Sprintf("%s:%s", routerID, epType)
			probers = append(probers, health.NewBalancerProber(name, func() error {
				_, err := eb.Balancer.Pick()
				return err
			}))
		}
	}

	switch a.cfg.Cache.Mode {
	case "redis":
		exact := npCache.NewExactCacheFromClient(a.rdb)
		a.rtr.SetCacheStore(npCache.NewRemoteStore(exact))
		a.log.Info("cache backend: redis")
		probers = append(probers, &health.FuncProber{ProbeName: "cache", Check: redisPinger(ctx, a.rdb)})

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx, a.cfg.Cache.Buckets*cacheSizePerBucket)
		a.rtr.SetCacheStore(npCache.NewLocalStore(a.memCache))
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if a.cp != nil {
		probers = append(probers, &health.FuncProber{ProbeName: "control_plane", Check: func(ctx context.Context) error {
			if a.cp.State() != controlplane.StateConnected {
				return fmt.Errorf("control plane: %s", a.cp.State())
			}
			return nil
		}})
	}

	a.checker = health.NewChecker(probers, 0, 0)
	a.server = a.newHTTPServer()

	return nil
}

// clampUint16 bounds a latency measurement to what RequestLog.LatencyMs can
// hold; anything over ~65s is already pathological and the exact value
// past that point doesn't matter for the logged summary.
func clampUint16(v int64) int64 {
	const max = 65535
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

func cacheLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}

// cacheSizePerBucket estimates a reasonable local LRU size per configured
// cache bucket when no explicit size is set; cache.DefaultLocalCacheSize
// is used instead when Buckets is zero.
const cacheSizePerBucket = 1000

// resolveAPIKeyEnv reads the named environment variable holding a
// provider's credential. Empty when unset — the dispatcher will then fail
// with ProviderError.Unauthorized on first use; the endpoint stays in the
// balancer's ready set.
func resolveAPIKeyEnv(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
