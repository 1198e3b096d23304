// Package proxy is the core relay dispatcher.
//
// The Gateway receives an inference request on one of the provider protocol
// surfaces, authenticates the gateway-issued API key, applies model routes,
// selects a healthy upstream account from the pool, forwards the request with
// the account's own credentials (unary or streaming passthrough), retries
// once on selected failures, and records usage.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the forwarded call itself.
//   - Usage recorder, metrics, and KV are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and client disconnects
//     propagate correctly.
//   - Streaming responses are byte-for-byte passthrough and never buffer
//     more than one chunk.
package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/kv"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/oauth"
	"github.com/nulpointcorp/llm-relay/internal/pool"
	"github.com/nulpointcorp/llm-relay/internal/routes"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const defaultWorkerPool = 256

// adminTokenInfo salts the admin token derivation so the JWT secret itself
// never travels in a header.
const adminTokenInfo = "llm-relay/admin-token/v1"

// Deps are the required collaborators of a Gateway.
type Deps struct {
	Auth      *auth.Authenticator
	Pool      *pool.Pool
	Balancer  *pool.Balancer
	Routes    *routes.Table
	OAuth     *oauth.Manager
	Box       *secrets.Box
	Forwarder *Forwarder
	Store     store.Store
	Prober    *pool.Prober
}

// Options holds the optional pieces. All fields are nil-safe.
type Options struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics enables Prometheus collection when non-nil.
	Metrics *metrics.Registry
	// Usage is the async usage recorder.
	Usage *usage.Recorder
	// KV backs the live dashboard request counter.
	KV kv.KV
	// WorkerPool bounds concurrent in-flight proxy requests. Default: 256.
	WorkerPool int
	// CORSOrigins is the allowed origin list; ["*"] or empty allows any.
	CORSOrigins []string
	// JWTSecret derives the admin bearer token.
	JWTSecret string
	// Timeouts holds the per-phase deadlines.
	Timeouts config.TimeoutConfig
}

// Gateway is the relay core. All dependencies are injected so they can be
// replaced with doubles in tests.
type Gateway struct {
	auth     *auth.Authenticator
	pool     *pool.Pool
	balancer *pool.Balancer
	routes   *routes.Table
	oauth    *oauth.Manager
	box      *secrets.Box
	fwd      *Forwarder
	st       store.Store
	prober   *pool.Prober

	usageRec *usage.Recorder
	metrics  *metrics.Registry
	kv       kv.KV
	log      *slog.Logger

	sem         *semaphore.Weighted
	corsOrigins []string
	adminToken  string
	timeouts    config.TimeoutConfig

	now func() time.Time
}

// NewGateway assembles a Gateway.
func NewGateway(deps Deps, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	workers := opts.WorkerPool
	if workers < 1 {
		workers = defaultWorkerPool
	}

	mac := hmac.New(sha256.New, []byte(opts.JWTSecret))
	mac.Write([]byte(adminTokenInfo))
	adminToken := hex.EncodeToString(mac.Sum(nil))

	return &Gateway{
		auth:        deps.Auth,
		pool:        deps.Pool,
		balancer:    deps.Balancer,
		routes:      deps.Routes,
		oauth:       deps.OAuth,
		box:         deps.Box,
		fwd:         deps.Forwarder,
		st:          deps.Store,
		prober:      deps.Prober,
		usageRec:    opts.Usage,
		metrics:     opts.Metrics,
		kv:          opts.KV,
		log:         log,
		sem:         semaphore.NewWeighted(int64(workers)),
		corsOrigins: opts.CORSOrigins,
		adminToken:  adminToken,
		timeouts:    opts.Timeouts,
		now:         time.Now,
	}
}

// AdminToken returns the bearer token that authenticates management calls.
// It is derived from the JWT secret and logged once at startup.
func (g *Gateway) AdminToken() string { return g.adminToken }

// dispatch runs the full proxy control flow for one inbound request.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, inbound model.Provider, routeLabel string) {
	start := g.now()
	handedOff := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || handedOff {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeLabel, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	key, aerr := g.authenticate(ctx)
	if aerr != nil {
		aerr.WriteTo(ctx, 0)
		return
	}

	endpoint := string(ctx.Path())
	httpMethod := string(ctx.Method())

	// fasthttp reuses request buffers after the handler returns; the body
	// must outlive it for streaming and retries.
	body := append([]byte(nil), ctx.PostBody()...)

	var sourceModel string
	var wantStream bool
	if inbound == model.ProviderGemini {
		sourceModel, wantStream = parseGeminiPath(endpoint)
	} else {
		sourceModel = upstream.ModelFromBody(body)
		wantStream = upstream.IsStreaming(body)
	}

	target := inbound
	path := endpoint
	res := g.routes.Resolve(key.ID, sourceModel)
	if res.Rewritten {
		target = res.TargetProvider
		if inbound == model.ProviderGemini {
			path = rewriteGeminiPath(endpoint, res.TargetModel)
		} else {
			body = upstream.RewriteModel(body, res.TargetModel)
		}
	}

	desc, ok := upstream.ForProvider(target)
	if !ok {
		apierr.New(apierr.KindInternal, "unknown target provider").WriteTo(ctx, 0)
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("model", sourceModel),
		slog.String("provider", string(target)),
		slog.Bool("stream", wantStream),
		slog.Bool("rewritten", res.Rewritten),
	)
	g.countRequest(ctx)

	snap, err := g.pool.Snapshot(ctx, key.OwnerID, target, false)
	if err != nil {
		g.log.Error("snapshot_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.New(apierr.KindInternal, "account lookup failed").WriteTo(ctx, 0)
		return
	}

	in := &forwardInput{
		desc:        desc,
		path:        path,
		rawQuery:    sanitizedQuery(ctx),
		body:        body,
		contentType: string(ctx.Request.Header.ContentType()),
		streaming:   wantStream,
		keyID:       key.ID,
		reqID:       reqID,
		httpMethod:  httpMethod,
		endpoint:    endpoint,
	}

	result, ferr := g.forwardWithFailover(ctx, snap, in)
	if ferr != nil {
		if ferr.Kind == apierr.KindNoUpstream && g.metrics != nil {
			g.metrics.RecordNoUpstream(string(target))
		}
		g.log.Warn("request_failed",
			slog.String("request_id", reqID),
			slog.String("provider", string(target)),
			slog.String("kind", string(ferr.Kind)),
			slog.Duration("elapsed", time.Since(start)),
		)
		ferr.WriteTo(ctx, 0)
		return
	}

	status := result.resp.StatusCode

	// Streaming passthrough. The stream writer owns the response and the
	// worker-pool slot from here; metrics and usage are finalised when the
	// copy ends.
	if wantStream {
		handedOff = true
		ctx.SetUserValue(streamSlotKey, true)
		g.fwd.StreamTo(ctx, result.resp, result.cancel, func(sr streamResult) {
			defer g.sem.Release(1)
			elapsed := time.Since(start)
			finalStatus := status
			if sr.Canceled {
				finalStatus = apierr.StatusClientClosedRequest
			}

			g.writeUsage(in, result.account.ID, finalStatus, elapsed.Milliseconds(), 0, errString(sr.Err))
			if !sr.Canceled && sr.Err == nil {
				g.recordAccountUsage(result.account, status < fasthttp.StatusBadRequest, elapsed.Milliseconds())
			}

			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(routeLabel, finalStatus, elapsed)
				g.metrics.RecordRequest(string(target), finalStatus, elapsed.Milliseconds())
			}
			g.log.Info("stream_done",
				slog.String("request_id", reqID),
				slog.String("account_id", result.account.ID),
				slog.Int64("bytes", sr.Bytes),
				slog.Bool("canceled", sr.Canceled),
				slog.Duration("elapsed", elapsed),
			)
		})
		return
	}

	// Unary: mirror the upstream response verbatim.
	respBody, err := ReadAll(result.resp)
	result.cancel()
	if err != nil {
		g.recordAccountUsage(result.account, false, result.latencyMs)
		g.writeUsage(in, result.account.ID, 0, result.latencyMs, 0, err.Error())
		apierr.Wrap(apierr.KindUpstreamTransport, "upstream read failed", err).WriteTo(ctx, 0)
		return
	}

	elapsed := time.Since(start)
	tokens := upstream.TokenUsage(respBody)

	g.recordAccountUsage(result.account, status < fasthttp.StatusBadRequest, elapsed.Milliseconds())
	g.writeUsage(in, result.account.ID, status, elapsed.Milliseconds(), tokens, "")

	if g.metrics != nil {
		g.metrics.RecordRequest(string(target), status, elapsed.Milliseconds())
		g.metrics.AddTokens(string(target), tokens, 0)
	}

	ctx.SetStatusCode(status)
	if ct := result.resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}
	ctx.SetBody(respBody)
}

// authenticate resolves the bearer API key, mapping auth errors to the edge
// taxonomy.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*model.APIKey, *apierr.Error) {
	header := string(ctx.Request.Header.Peek("Authorization"))
	key, err := g.auth.Authenticate(ctx, header)
	if err != nil {
		if errors.Is(err, auth.ErrKeyDisabled) {
			return nil, apierr.New(apierr.KindAuthExpired, "api key disabled or expired")
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			return nil, apierr.New(apierr.KindAuthInvalid, "invalid api key")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "authentication failed", err)
	}
	return key, nil
}

// countRequest bumps the live dashboard counter. Best effort.
func (g *Gateway) countRequest(ctx *fasthttp.RequestCtx) {
	if g.kv == nil {
		return
	}
	_, _ = g.kv.Increment(ctx, "relay:requests_total", 1)
}

// writeUsage enqueues one usage record. Never blocks.
func (g *Gateway) writeUsage(in *forwardInput, accountID string, status int, latencyMs, tokens int64, errMsg string) {
	if g.usageRec == nil {
		return
	}
	g.usageRec.Record(&model.UsageRecord{
		ID:                uuid.NewString(),
		APIKeyID:          in.keyID,
		UpstreamAccountID: accountID,
		RequestID:         in.reqID,
		Method:            in.httpMethod,
		Endpoint:          in.endpoint,
		StatusCode:        status,
		ResponseTimeMs:    latencyMs,
		TokensUsed:        tokens,
		ErrorMessage:      errMsg,
		CreatedAt:         g.now(),
	})
}

// recordAccountUsage updates the account counters off the request context so
// a finished or canceled inbound request cannot abort the write.
func (g *Gateway) recordAccountUsage(a *model.UpstreamAccount, success bool, latencyMs int64) {
	rctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := g.pool.RecordUsage(rctx, a, success, latencyMs); err != nil {
		g.log.Warn("account_usage_write_failed",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

// prepareCredentials decrypts the account credentials and, for OAuth
// accounts, refreshes the access token when it nears expiry.
func (g *Gateway) prepareCredentials(ctx *fasthttp.RequestCtx, a *model.UpstreamAccount) (*model.Credentials, error) {
	if a.AuthMethod == model.AuthOAuth && g.oauth != nil {
		return g.oauth.RefreshIfNeeded(ctx, a)
	}
	return g.box.OpenCredentials(a.EncryptedCredentials)
}

// parseGeminiPath extracts the model name and stream flag from a Gemini
// request path of the form /v1beta/models/{model}:{op}.
func parseGeminiPath(path string) (modelName string, streaming bool) {
	rest, ok := strings.CutPrefix(path, "/v1beta/models/")
	if !ok {
		return "", false
	}
	name, op, ok := strings.Cut(rest, ":")
	if !ok {
		return rest, false
	}
	return name, op == "streamGenerateContent"
}

// rewriteGeminiPath replaces the model segment of a Gemini request path.
func rewriteGeminiPath(path, target string) string {
	rest, ok := strings.CutPrefix(path, "/v1beta/models/")
	if !ok {
		return path
	}
	_, op, ok := strings.Cut(rest, ":")
	if !ok {
		return "/v1beta/models/" + target
	}
	return "/v1beta/models/" + target + ":" + op
}

// sanitizedQuery returns the inbound query string with gateway auth artifacts
// removed.
func sanitizedQuery(ctx *fasthttp.RequestCtx) string {
	args := ctx.QueryArgs()
	if args.Len() == 0 {
		return ""
	}
	args.Del("key")
	return string(args.QueryString())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
