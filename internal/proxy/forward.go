package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
)

const streamCopyBuffer = 32 * 1024

// outboundRequest is one prepared upstream attempt.
type outboundRequest struct {
	desc     upstream.Descriptor
	method   model.AuthMethod
	creds    *model.Credentials
	path     string
	rawQuery string
	body     []byte
	// contentType is the inbound Content-Type, forwarded verbatim.
	contentType string
	streaming   bool
}

// Forwarder owns the outbound HTTP clients, one per configured proxy binding
// plus a direct default. Outbound I/O uses net/http so client-disconnect
// cancellation propagates through the context and response bodies stream
// chunk by chunk.
type Forwarder struct {
	clients  map[string]*http.Client // "" is the direct client
	timeouts config.TimeoutConfig
	log      *slog.Logger
}

// NewForwarder builds the client set from the named proxy list.
func NewForwarder(proxies map[string]string, timeouts config.TimeoutConfig, log *slog.Logger) (*Forwarder, error) {
	f := &Forwarder{
		clients:  make(map[string]*http.Client, len(proxies)+1),
		timeouts: timeouts,
		log:      log,
	}

	f.clients[""] = &http.Client{Transport: f.newTransport(nil)}

	for name, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy: binding %q: %w", name, err)
		}
		f.clients[name] = &http.Client{Transport: f.newTransport(u)}
	}

	return f, nil
}

func (f *Forwarder) newTransport(proxyURL *url.URL) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   f.timeouts.Connect,
		ResponseHeaderTimeout: f.timeouts.Unary,
		ForceAttemptHTTP2:     true,
	}
	t.DialContext = (&net.Dialer{Timeout: f.timeouts.Connect, KeepAlive: 30 * time.Second}).DialContext
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}

// client returns the HTTP client for a proxy binding; unknown bindings fall
// back to the direct client with a warning.
func (f *Forwarder) client(binding string) *http.Client {
	if c, ok := f.clients[binding]; ok {
		return c
	}
	f.log.Warn("unknown_proxy_binding", slog.String("binding", binding))
	return f.clients[""]
}

// Do sends one upstream attempt. The returned cancel must be called once the
// response body is fully consumed. Non-streaming calls carry the unary
// deadline; streaming calls have no total deadline, only the idle watchdog
// applied during the copy.
func (f *Forwarder) Do(ctx context.Context, req *outboundRequest, binding string) (*http.Response, context.CancelFunc, error) {
	var cancel context.CancelFunc
	if req.streaming {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, f.timeouts.Unary)
	}

	u := req.desc.Endpoint(req.creds, req.path, req.rawQuery)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("proxy: build request: %w", err)
	}

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	req.desc.Authorize(httpReq, req.method, req.creds)

	resp, err := f.client(binding).Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// streamResult summarises one finished streaming copy.
type streamResult struct {
	Bytes    int64
	Canceled bool
	Err      error
}

// StreamTo copies the upstream body to the client verbatim, flushing on every
// chunk. An idle watchdog cancels the outbound request when no bytes arrive
// for the stream-idle timeout; a client write failure cancels it immediately.
// onDone runs after the copy with the final result.
func (f *Forwarder) StreamTo(ctx *fasthttp.RequestCtx, resp *http.Response, cancel context.CancelFunc, onDone func(streamResult)) {
	ctx.SetStatusCode(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	idle := f.timeouts.StreamIdle

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer must not crash the server
		defer resp.Body.Close()
		defer cancel()

		watchdog := time.AfterFunc(idle, cancel)
		defer watchdog.Stop()

		var res streamResult
		buf := make([]byte, streamCopyBuffer)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				watchdog.Reset(idle)
				res.Bytes += int64(n)
				if _, werr := w.Write(buf[:n]); werr != nil {
					res.Canceled = true
					break
				}
				if werr := w.Flush(); werr != nil {
					res.Canceled = true
					break
				}
			}
			if err != nil {
				if err != io.EOF {
					res.Err = err
				}
				break
			}
		}

		if onDone != nil {
			onDone(res)
		}
	})
}

// ReadAll drains a unary response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
