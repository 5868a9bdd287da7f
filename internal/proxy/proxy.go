// Package proxy issues the upstream request for an allowed call and relays
// the response downstream without buffering.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/logging"
)

// Outcome summarises one upstream round trip for the metric record.
type Outcome struct {
	StatusCode int
	Latency    time.Duration
	// Err is the transport error, if any. The downstream response (502)
	// has already been written when Err is set.
	Err error
}

// Proxy forwards requests to selected backends over a shared transport.
type Proxy struct {
	transport http.RoundTripper
}

// New creates a Proxy with a production transport.
func New() *Proxy {
	return &Proxy{
		transport: &http.Transport{
			// The client negotiates its own encodings; the proxy must relay
			// body bytes exactly as the backend sent them.
			DisableCompression:    true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// NewWithTransport creates a Proxy over a custom transport (tests).
func NewWithTransport(rt http.RoundTripper) *Proxy {
	return &Proxy{transport: rt}
}

// Hop-by-hop headers that must not be forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Forward sends the request to the backend and streams the response back.
// The request URL's scheme, host and port are rewritten to the backend
// while path and query are preserved. On transport error a 502 is
// synthesised; upstream 5xx responses are returned verbatim.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, backend config.Backend, f *features.Features) Outcome {
	target, err := url.Parse(backend.URL)
	if err != nil {
		out := Outcome{StatusCode: http.StatusBadGateway, Err: err}
		p.writeBadGateway(w, backend, 0)
		return out
	}

	upstreamURL := *r.URL
	upstreamURL.Scheme = target.Scheme
	upstreamURL.Host = target.Host

	upstream := (&http.Request{
		Method:        r.Method,
		URL:           &upstreamURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	upstream.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		upstream.Header[k] = vv
	}
	removeHopHeaders(upstream.Header)

	upstream.Header.Set("X-Request-Id", f.RequestID)
	upstream.Header.Set("X-Trace-Id", f.TraceID)
	upstream.Header.Set("X-Backend", backend.ID)

	start := time.Now()
	resp, err := p.transport.RoundTrip(upstream)
	latency := time.Since(start)

	if err != nil {
		p.writeBadGateway(w, backend, latency)
		return Outcome{StatusCode: http.StatusBadGateway, Latency: latency, Err: err}
	}
	defer resp.Body.Close()

	// Relay headers verbatim, Content-Encoding included: this stack never
	// transparently decompresses, so the body bytes match the header.
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	removeHopHeaders(h)
	h.Set("X-Backend", backend.ID)

	w.WriteHeader(resp.StatusCode)
	if _, copyErr := io.Copy(w, resp.Body); copyErr != nil {
		// Downstream went away mid-body; nothing useful to write.
		logging.Debug("Response copy aborted",
			zap.String("backend", backend.ID), zap.Error(copyErr))
	}

	return Outcome{StatusCode: resp.StatusCode, Latency: latency}
}

// writeBadGateway synthesises the fixed 502 envelope.
func (p *Proxy) writeBadGateway(w http.ResponseWriter, backend config.Backend, latency time.Duration) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Backend", backend.ID)
	h.Set("X-Backend-Latency", strconv.FormatInt(latency.Milliseconds(), 10))
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Bad Gateway",
		"message": "Backend unavailable",
		"backend": backend.ID,
	})
}
