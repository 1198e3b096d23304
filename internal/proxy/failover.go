package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// maxAttempts bounds upstream attempts per inbound request: the first try
// plus one failover retry.
const maxAttempts = 2

// failedAttemptBodyLimit caps how much of a failed upstream body is read for
// the usage record's error message.
const failedAttemptBodyLimit = 2048

// forwardInput carries everything one upstream attempt needs, independent of
// which account serves it.
type forwardInput struct {
	desc        upstream.Descriptor
	path        string
	rawQuery    string
	body        []byte
	contentType string
	streaming   bool

	keyID      string
	reqID      string
	httpMethod string
	endpoint   string
}

// forwardResult is a successful upstream attempt whose body has not been
// consumed yet.
type forwardResult struct {
	resp      *http.Response
	cancel    context.CancelFunc
	account   *model.UpstreamAccount
	latencyMs int64
}

// forwardWithFailover selects an account, forwards the request, and on
// transport errors, 429, 5xx, or 401 retries once with a different account.
// Client cancellation aborts immediately with no retry.
func (g *Gateway) forwardWithFailover(ctx *fasthttp.RequestCtx, snap []*model.UpstreamAccount, in *forwardInput) (*forwardResult, *apierr.Error) {
	provider := string(in.desc.Provider)
	excluded := make(map[string]bool, 1)
	var lastErr *apierr.Error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		account := g.balancer.Select(without(snap, excluded))
		if account == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, apierr.New(apierr.KindNoUpstream, "no upstream account available")
		}

		creds, err := g.prepareCredentials(ctx, account)
		if err != nil {
			g.log.Error("credentials_unusable",
				slog.String("request_id", in.reqID),
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()),
			)
			g.writeUsage(in, account.ID, 0, 0, 0, "credentials unusable")
			excluded[account.ID] = true
			lastErr = apierr.Wrap(apierr.KindInternal, "credential preparation failed", err)
			continue
		}

		out := &outboundRequest{
			desc:        in.desc,
			method:      account.AuthMethod,
			creds:       creds,
			path:        in.path,
			rawQuery:    in.rawQuery,
			body:        in.body,
			contentType: in.contentType,
			streaming:   in.streaming,
		}

		start := g.now()
		resp, cancel, err := g.fwd.Do(ctx, out, account.ProxyBinding)
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			if clientGone(ctx, err) {
				g.writeUsage(in, account.ID, apierr.StatusClientClosedRequest, latencyMs, 0, "client disconnected")
				return nil, apierr.Wrap(apierr.KindCanceled, "client disconnected", err)
			}

			g.recordAccountUsage(account, false, latencyMs)
			g.writeUsage(in, account.ID, 0, latencyMs, 0, err.Error())
			g.observeAttempt(provider, "transport_error", latencyMs, attempt)
			g.log.Warn("upstream_attempt_failed",
				slog.String("request_id", in.reqID),
				slog.String("account_id", account.ID),
				slog.String("reason", "transport_error"),
				slog.Int64("latency_ms", latencyMs),
				slog.String("error", err.Error()),
			)
			excluded[account.ID] = true
			lastErr = apierr.Wrap(apierr.KindUpstreamTransport, "upstream unreachable", err)
			continue
		}

		status := resp.StatusCode

		if status == fasthttp.StatusUnauthorized {
			detail := drainForError(resp)
			cancel()
			g.markAccountFailed(account, "token_expired_or_invalid")
			g.writeUsage(in, account.ID, status, latencyMs, 0, detail)
			g.observeAttempt(provider, "upstream_auth", latencyMs, attempt)
			g.log.Warn("upstream_attempt_failed",
				slog.String("request_id", in.reqID),
				slog.String("account_id", account.ID),
				slog.String("reason", "upstream_auth"),
				slog.Int64("latency_ms", latencyMs),
			)
			excluded[account.ID] = true
			lastErr = apierr.New(apierr.KindUpstreamAuth, "upstream rejected credentials")
			continue
		}

		if status == fasthttp.StatusTooManyRequests || status >= fasthttp.StatusInternalServerError {
			reason := fmt.Sprintf("http_%d", status)
			detail := drainForError(resp)
			cancel()
			g.recordAccountUsage(account, false, latencyMs)
			g.writeUsage(in, account.ID, status, latencyMs, 0, detail)
			g.observeAttempt(provider, reason, latencyMs, attempt)
			g.log.Warn("upstream_attempt_failed",
				slog.String("request_id", in.reqID),
				slog.String("account_id", account.ID),
				slog.String("reason", reason),
				slog.Int64("latency_ms", latencyMs),
			)
			excluded[account.ID] = true
			lastErr = &apierr.Error{
				Kind:           apierr.KindUpstreamStatus,
				Message:        "upstream error",
				UpstreamStatus: status,
			}
			continue
		}

		// Success, including non-retryable 4xx which are mirrored verbatim.
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(provider, "success", time.Duration(latencyMs)*time.Millisecond)
		}
		if attempt > 0 {
			g.log.Info("failover_success",
				slog.String("request_id", in.reqID),
				slog.String("account_id", account.ID),
				slog.Int64("latency_ms", latencyMs),
			)
		}
		return &forwardResult{resp: resp, cancel: cancel, account: account, latencyMs: latencyMs}, nil
	}

	return nil, lastErr
}

// markAccountFailed wraps Pool.MarkFailed with a detached context; a dying
// inbound request must not abort the state write.
func (g *Gateway) markAccountFailed(a *model.UpstreamAccount, reason string) {
	rctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := g.pool.MarkFailed(rctx, a, reason); err != nil {
		g.log.Warn("mark_failed_write_failed",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) observeAttempt(provider, outcome string, latencyMs int64, attempt int) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveUpstreamAttempt(provider, outcome, time.Duration(latencyMs)*time.Millisecond)
	if attempt < maxAttempts-1 {
		g.metrics.RecordFailover(provider, outcome)
	}
}

// without filters the snapshot down to accounts not yet tried.
func without(snap []*model.UpstreamAccount, excluded map[string]bool) []*model.UpstreamAccount {
	if len(excluded) == 0 {
		return snap
	}
	out := make([]*model.UpstreamAccount, 0, len(snap))
	for _, a := range snap {
		if !excluded[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// clientGone reports whether the outbound error traces back to the inbound
// client disconnecting.
func clientGone(ctx *fasthttp.RequestCtx, err error) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	return errors.Is(err, context.Canceled)
}

// drainForError reads a bounded prefix of a failed response body for the
// usage record, then discards the rest.
func drainForError(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, failedAttemptBodyLimit))
	return string(b)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
