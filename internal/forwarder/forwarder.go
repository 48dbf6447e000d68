// Package forwarder is the core request-handling layer of the load
// balancer. Forwarder routes inbound HTTP requests either to the
// management API (add/remove/list backends, inspect queue lengths) or to
// a selected backend, streaming the request upstream and the response
// downstream without buffering either body, retrying transport-level
// failures against the same target, and mapping terminal failures onto
// the documented status codes.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Registry is the subset of *registry.Registry the Forwarder depends on.
type Registry interface {
	Select() (string, error)
	Release(url string)
	SetHealth(url string, healthy bool)
}

// RetryPolicy controls how many times a request is retried against the
// same target, and how long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy returns the balancer's default retry parameters: up to
// three attempts against the same target, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 1 * time.Second}
}

// Attempts returns the configured max attempts, defaulting to 3 if unset.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// hopByHopResponseHeaders lists the response headers the Forwarder strips
// before relaying upstream's reply downstream. Only these three are
// handled — other hop-by-hop headers are out of scope.
var hopByHopResponseHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// ManagementHandler serves the management API (/servers, /queue-lengths).
// It is consulted before any proxy logic so management traffic is never
// treated as proxied traffic.
type ManagementHandler interface {
	http.Handler
	// Handles reports whether it owns the given request path.
	Handles(path string) bool
}

// Forwarder is the top-level http.Handler for the balancer.
type Forwarder struct {
	reg    Registry
	mgmt   ManagementHandler
	client *http.Client
	retry  RetryPolicy
}

// New constructs a Forwarder. client is the shared, connection-pooling
// HTTP client used for all upstream dispatch; it carries no per-request
// timeout — deadlines for proxied traffic are governed entirely by the
// inbound request's own context (client disconnect cancels it).
func New(reg Registry, mgmt ManagementHandler, client *http.Client, retry RetryPolicy) *Forwarder {
	return &Forwarder{reg: reg, mgmt: mgmt, client: client, retry: retry}
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.mgmt.Handles(r.URL.Path) {
		f.mgmt.ServeHTTP(w, r)
		return
	}
	f.proxy(w, r)
}

func (f *Forwarder) proxy(w http.ResponseWriter, r *http.Request) {
	clientIP := clientAddr(r)

	target, err := f.reg.Select()
	if err != nil {
		slog.Error("no healthy backend available", "client_ip", clientIP, "method", r.Method, "path", r.URL.Path)
		http.Error(w, "No available backends", http.StatusServiceUnavailable)
		return
	}

	var released sync.Once
	release := func() { released.Do(func() { f.reg.Release(target) }) }
	defer release()

	slog.Info("request", "client_ip", clientIP, "method", r.Method, "path", r.URL.Path, "target", target)

	body := newReplayableBody(r.Body)
	defer body.close()

	var lastErr error
	maxAttempts := f.retry.Attempts()
retryLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := f.attempt(r, target, body)
		if err == nil {
			slog.Info("response", "target", target, "status", resp.StatusCode, "attempt", attempt)
			f.stream(w, resp, release)
			return
		}

		lastErr = err
		slog.Warn("attempt failed", "attempt", attempt, "target", target, "error", err)

		// A failure after the transport already read part of the body can't
		// be safely replayed without buffering, which the Forwarder never
		// does — give up rather than risk sending a partial or duplicated
		// body on the next attempt.
		if !body.replayable() || attempt == maxAttempts {
			break retryLoop
		}

		select {
		case <-r.Context().Done():
			lastErr = r.Context().Err()
			break retryLoop
		case <-time.After(f.retry.Backoff):
		}
	}

	release()
	if !errors.Is(lastErr, context.Canceled) {
		f.reg.SetHealth(target, false)
	}
	slog.Error("all attempts failed", "target", target, "attempts", f.retry.Attempts(), "error", lastErr)
	http.Error(w, fmt.Sprintf("Bad gateway: %v", lastErr), http.StatusBadGateway)
}

// attempt makes a single upstream dispatch and returns the response with
// headers received, or a transport-level error if the connection or
// request send itself failed before any response headers arrived.
func (f *Forwarder) attempt(r *http.Request, target string, body *replayableBody) (*http.Response, error) {
	upstreamURL := target + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var reqBody io.ReadCloser
	if !body.empty() {
		reqBody = body.reader()
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()

	return f.client.Do(req)
}

// stream relays the upstream response's status, filtered headers, and
// body to w, flushing after every chunk so bytes reach the client as they
// arrive rather than being buffered for a full response. release is
// invoked exactly once, after the body has been fully drained or the
// connection aborted.
func (f *Forwarder) stream(w http.ResponseWriter, resp *http.Response, release func()) {
	defer release()
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		if isHopByHopResponseHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				// Upstream closed the body early (UpstreamStreamClosedEarly).
				// The response has already started; end cleanly rather than
				// surfacing an error the client can't do anything with.
				slog.Info("upstream closed stream early", "error", err)
			}
			return
		}
	}
}

func isHopByHopResponseHeader(name string) bool {
	for _, h := range hopByHopResponseHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// replayableBody wraps an inbound request body so it can be safely
// re-sent on retry without ever copying it into memory. It tracks whether
// any byte has actually been read off the underlying reader; if the first
// attempt fails before the transport touched the body (the overwhelming
// common case — a dial failure happens before any write), the same
// underlying reader is still positioned at the start and can be reused.
// Once any byte has been consumed, the body can no longer be replayed and
// the Forwarder gives up rather than risk sending a partial/duplicated
// body.
type replayableBody struct {
	src     io.ReadCloser
	mu      sync.Mutex
	touched bool
	closed  bool
}

func newReplayableBody(src io.ReadCloser) *replayableBody {
	if src == nil {
		src = http.NoBody
	}
	return &replayableBody{src: src}
}

// empty reports whether the body is known to carry no content, so the
// Forwarder can pass a nil Body upstream instead of an empty chunked
// stream (some backends reject Transfer-Encoding on bodyless requests).
func (b *replayableBody) empty() bool {
	return b.src == http.NoBody
}

// reader returns an io.ReadCloser view of the body for a single attempt.
// Closing it does not close the underlying source — only the Forwarder's
// final cleanup does that, via close().
func (b *replayableBody) reader() io.ReadCloser {
	return &trackingReader{b: b}
}

func (b *replayableBody) replayable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.touched
}

func (b *replayableBody) markTouched() {
	b.mu.Lock()
	b.touched = true
	b.mu.Unlock()
}

func (b *replayableBody) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.src.Close()
}

// trackingReader adapts replayableBody to io.ReadCloser for a single
// attempt, marking the body touched as soon as a byte is read.
type trackingReader struct {
	b *replayableBody
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.b.src.Read(p)
	if n > 0 {
		t.b.markTouched()
	}
	return n, err
}

func (t *trackingReader) Close() error {
	// The underlying source is only closed once, by the Forwarder, after
	// the final attempt — closing it mid-retry would make replay impossible.
	return nil
}

