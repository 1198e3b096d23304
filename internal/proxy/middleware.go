package proxy

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// admissionWait is how long a request waits for a worker-pool slot before
// being rejected with 503.
const admissionWait = 100 * time.Millisecond

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, apierr.KindInternal, "internal server error")
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context under the key "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds OWASP-recommended headers to every response. The API
// serves no HTML, so the CSP denies everything.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// streamSlotKey marks a request whose worker-pool slot was handed to the
// response stream writer. fasthttp runs that writer after the handler
// returns, so admit must not release the slot; the stream's completion
// callback releases it instead.
const streamSlotKey = "stream_owns_slot"

// admit bounds in-flight proxy requests with the worker-pool semaphore.
// Requests beyond capacity block briefly, then reject with 503.
func (g *Gateway) admit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !g.sem.TryAcquire(1) {
			waitCtx, cancel := context.WithTimeout(ctx, admissionWait)
			err := g.sem.Acquire(waitCtx, 1)
			cancel()
			if err != nil {
				if g.metrics != nil {
					g.metrics.RecordPoolRejection()
				}
				apierr.New(apierr.KindNoUpstream, "server at capacity").WriteTo(ctx, 1)
				return
			}
		}
		defer func() {
			if owns, _ := ctx.UserValue(streamSlotKey).(bool); !owns {
				g.sem.Release(1)
			}
		}()
		next(ctx)
	}
}

// adminAuth guards management endpoints with the derived admin bearer token,
// compared in constant time.
func (g *Gateway) adminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			apierr.Write(ctx, apierr.KindAuthInvalid, "invalid admin token")
			return
		}
		next(ctx)
	}
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
