package app

import (
	"encoding/json"
	"time"

	fasthttprouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/airouter/gateway/internal/middleware"
)

// httpServer owns the fasthttp.Server instance and route table.
type httpServer struct {
	srv *fasthttp.Server
}

// newHTTPServer builds the fasthttp route table (provider router, health,
// readiness, metrics) wrapped in the teacher's middleware chain:
// recovery -> requestID -> timing -> CORS -> securityHeaders -> auth.
func (a *App) newHTTPServer() *httpServer {
	r := fasthttprouter.New()

	r.ANY("/router/{id}/{path:*}", a.rtr.HTTPHandler())
	r.GET("/health", a.handleHealth)
	r.GET("/readiness", a.handleReadiness)
	if a.prom != nil {
		r.GET("/metrics", a.prom.Handler())
	}

	handler := middleware.Apply(r.Handler,
		middleware.Recovery(a.log),
		middleware.RequestID,
		middleware.Timing(a.log),
		middleware.CORS(a.cfg.CORSOrigins),
		middleware.SecurityHeaders,
		middleware.Auth(a.authN),
	)

	return &httpServer{srv: &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}}
}

func (s *httpServer) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

func (s *httpServer) Shutdown() error {
	return s.srv.Shutdown()
}

func (a *App) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, a.checker.Snapshot())
}

func (a *App) handleReadiness(ctx *fasthttp.RequestCtx) {
	if a.checker.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
