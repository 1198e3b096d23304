package apierr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{New(KindAuthInvalid, "x"), 401},
		{New(KindAuthExpired, "x"), 403},
		{New(KindNoUpstream, "x"), 503},
		{New(KindUpstreamTransport, "x"), 502},
		{New(KindUpstreamAuth, "x"), 502},
		{&Error{Kind: KindUpstreamStatus, UpstreamStatus: 429}, 429},
		{&Error{Kind: KindUpstreamStatus}, 502},
		{New(KindCanceled, "x"), 499},
		{New(KindInternal, "x"), 500},
		{New(KindOAuthBadCode, "x"), 400},
	}
	for _, tc := range cases {
		if got := tc.err.Status(); got != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.err.Kind, got, tc.want)
		}
	}
}

func TestWriteNoUpstreamSetsRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	New(KindNoUpstream, "no accounts available").WriteTo(&ctx, 45)

	if ctx.Response.StatusCode() != 503 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "45" {
		t.Fatalf("Retry-After = %q", got)
	}

	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body: %v", err)
	}
	if env.Error.Code != string(KindNoUpstream) || env.Error.Type != TypeOverloadedError {
		t.Fatalf("envelope: %+v", env.Error)
	}
}

func TestWriteCanceledHasNoBody(t *testing.T) {
	var ctx fasthttp.RequestCtx
	New(KindCanceled, "client disconnected").WriteTo(&ctx, 0)

	if ctx.Response.StatusCode() != 499 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Fatalf("canceled response carries body: %q", ctx.Response.Body())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connect refused")
	err := Wrap(KindUpstreamTransport, "upstream unreachable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause not unwrappable")
	}
}
