// Package apierr provides the typed error taxonomy surfaced on the inbound
// edge and its HTTP status mapping, in an OpenAI-compatible error envelope.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind classifies a request failure. The mapping to HTTP status is fixed:
//
//	AuthInvalid       → 401
//	AuthExpired       → 403
//	NoUpstream        → 503 + Retry-After
//	UpstreamTransport → 502
//	UpstreamStatus    → mirrors the provider status
//	UpstreamAuth      → 502
//	Canceled          → 499 (written best-effort; the client is gone)
//	Internal          → 500
//	OAuthBadCode      → 400
type Kind string

const (
	KindAuthInvalid       Kind = "auth_invalid"
	KindAuthExpired       Kind = "auth_expired"
	KindNoUpstream        Kind = "no_upstream_available"
	KindUpstreamTransport Kind = "upstream_transport"
	KindUpstreamStatus    Kind = "upstream_status"
	KindUpstreamAuth      Kind = "upstream_auth"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal_error"
	KindOAuthBadCode      Kind = "oauth_bad_code"
)

// StatusClientClosedRequest is the nginx-convention status for a client
// disconnect; net/http has no constant for it.
const StatusClientClosedRequest = 499

// ErrorType constants for the response envelope.
const (
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeProviderError     = "provider_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeServerError       = "server_error"
	TypeOverloadedError   = "overloaded_error"
)

// Error is a typed request failure. Upstream detail stays out of the client
// body; it belongs in logs and usage records.
type Error struct {
	Kind Kind
	// Message is the client-safe message.
	Message string
	// UpstreamStatus is the provider status mirrored for KindUpstreamStatus.
	UpstreamStatus int
	// Err is the wrapped cause, never serialized.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a typed error around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuthInvalid:
		return fasthttp.StatusUnauthorized
	case KindAuthExpired:
		return fasthttp.StatusForbidden
	case KindNoUpstream:
		return fasthttp.StatusServiceUnavailable
	case KindUpstreamTransport, KindUpstreamAuth:
		return fasthttp.StatusBadGateway
	case KindUpstreamStatus:
		if e.UpstreamStatus > 0 {
			return e.UpstreamStatus
		}
		return fasthttp.StatusBadGateway
	case KindCanceled:
		return StatusClientClosedRequest
	case KindOAuthBadCode:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (e *Error) errType() string {
	switch e.Kind {
	case KindAuthInvalid:
		return TypeAuthenticationErr
	case KindAuthExpired:
		return TypePermissionErr
	case KindNoUpstream:
		return TypeOverloadedError
	case KindUpstreamTransport, KindUpstreamStatus, KindUpstreamAuth:
		return TypeProviderError
	case KindOAuthBadCode:
		return TypeInvalidRequest
	default:
		return TypeServerError
	}
}

type envelope struct {
	Error payload `json:"error"`
}

type payload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// WriteTo writes the error envelope to a fasthttp response. NoUpstream sets
// Retry-After; Canceled writes no body because nobody is listening.
func (e *Error) WriteTo(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	status := e.Status()
	ctx.SetStatusCode(status)
	if e.Kind == KindCanceled {
		return
	}
	if e.Kind == KindNoUpstream {
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 30
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: payload{
		Message: e.Message,
		Type:    e.errType(),
		Code:    string(e.Kind),
	}})
	ctx.SetBody(body)
}

// Write is a convenience for one-off errors.
func Write(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	New(kind, message).WriteTo(ctx, 0)
}
