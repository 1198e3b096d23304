package proxy

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// ManagementRoutes holds optional handlers registered alongside the proxy
// and management routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: protocol surfaces, management
// API, and middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Protocol passthrough surfaces. Each is admission-controlled by the
	// worker pool.
	r.POST("/v1/messages", g.admit(func(ctx *fasthttp.RequestCtx) {
		g.dispatch(ctx, model.ProviderAnthropic, "messages")
	}))
	r.POST("/v1/chat/completions", g.admit(func(ctx *fasthttp.RequestCtx) {
		g.dispatch(ctx, model.ProviderOpenAI, "chat_completions")
	}))
	r.POST("/compatible-mode/v1/chat/completions", g.admit(func(ctx *fasthttp.RequestCtx) {
		g.dispatch(ctx, model.ProviderQwen, "qwen_chat_completions")
	}))
	r.POST("/v1beta/models/{rest:*}", g.admit(func(ctx *fasthttp.RequestCtx) {
		g.dispatch(ctx, model.ProviderGemini, "gemini_generate")
	}))

	// Management API.
	admin := g.adminAuth
	r.GET("/api/accounts", admin(g.handleListAccounts))
	r.POST("/api/accounts", admin(g.handleCreateAccount))
	r.PUT("/api/accounts/{id}", admin(g.handleUpdateAccount))
	r.DELETE("/api/accounts/{id}", admin(g.handleDeleteAccount))
	r.POST("/api/accounts/{id}/health-check", admin(g.handleHealthCheck))

	r.GET("/api/apikeys", admin(g.handleListKeys))
	r.POST("/api/apikeys", admin(g.handleCreateKey))
	r.DELETE("/api/apikeys/{id}", admin(g.handleDeleteKey))
	r.PUT("/api/apikeys/{id}/model-routes", admin(g.handleReplaceKeyRoutes))

	r.POST("/api/oauth/start", admin(g.handleOAuthStart))
	r.POST("/api/oauth/callback", admin(g.handleOAuthCallback))
	r.GET("/api/oauth/status/{id}", admin(g.handleOAuthStatus))

	r.GET("/api/usage/{id}", admin(g.handleUsageLookup))

	r.GET("/api/dashboard/stats", admin(g.handleDashboardStats))

	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server builds the fasthttp server. WriteTimeout stays unset because
// streaming responses have no total deadline, only the idle watchdog.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:           g.Handler(mgmt),
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		StreamRequestBody: false,
		CloseOnShutdown:   true,
	}
}

// Serve runs the server on an existing listener. Used by tests with an
// in-memory listener and by the app with a TCP one.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).Serve(ln)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
