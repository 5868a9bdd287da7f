package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/features"
)

func testFeatures() *features.Features {
	return &features.Features{RequestID: "req0123456789abc", TraceID: "trace0123456789abcdef0123456789ab"}
}

func TestForward_ProxiesRequestAndResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items" || r.URL.RawQuery != "page=2" {
			t.Errorf("upstream url = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if r.Header.Get("X-Request-Id") != "req0123456789abc" {
			t.Errorf("X-Request-Id = %q", r.Header.Get("X-Request-Id"))
		}
		if r.Header.Get("X-Backend") != "a" {
			t.Errorf("X-Backend = %q", r.Header.Get("X-Backend"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("upstream body = %q", body)
		}
		w.Header().Set("X-Custom", "upstream-value")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer backend.Close()

	p := New()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "http://example.com/api/items?page=2", strings.NewReader("payload"))

	out := p.Forward(context.Background(), w, r, config.Backend{ID: "a", URL: backend.URL}, testFeatures())

	if out.StatusCode != http.StatusCreated || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("downstream status = %d", w.Code)
	}
	if w.Body.String() != "created" {
		t.Errorf("downstream body = %q", w.Body.String())
	}
	if w.Header().Get("X-Custom") != "upstream-value" {
		t.Error("upstream header dropped")
	}
	if w.Header().Get("X-Backend") != "a" {
		t.Errorf("X-Backend = %q", w.Header().Get("X-Backend"))
	}
	if out.Latency <= 0 {
		t.Error("latency not measured")
	}
}

func TestForward_StripsHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Error("hop-by-hop header forwarded upstream")
		}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	p := New()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Proxy-Authorization", "Basic xyz")

	p.Forward(context.Background(), w, r, config.Backend{ID: "a", URL: backend.URL}, testFeatures())

	if w.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop header relayed downstream")
	}
}

func TestForward_Upstream5xxReturnedVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	p := New()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	out := p.Forward(context.Background(), w, r, config.Backend{ID: "a", URL: backend.URL}, testFeatures())

	if out.StatusCode != http.StatusInternalServerError || out.Err != nil {
		t.Errorf("outcome = %+v, want upstream 500 with no transport error", out)
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("downstream status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "boom") {
		t.Errorf("upstream body rewritten: %q", w.Body.String())
	}
}

func TestForward_TransportErrorSynthesises502(t *testing.T) {
	p := New()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	// Port 1 refuses connections.
	out := p.Forward(context.Background(), w, r, config.Backend{ID: "down", URL: "http://127.0.0.1:1"}, testFeatures())

	if out.Err == nil || out.StatusCode != http.StatusBadGateway {
		t.Fatalf("outcome = %+v, want transport error + 502", out)
	}
	if w.Code != http.StatusBadGateway {
		t.Errorf("downstream status = %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("502 body not JSON: %v", err)
	}
	if body["error"] != "Bad Gateway" || body["message"] != "Backend unavailable" || body["backend"] != "down" {
		t.Errorf("502 body = %v", body)
	}
	if w.Header().Get("X-Backend") != "down" {
		t.Error("X-Backend missing on 502")
	}
	if w.Header().Get("X-Backend-Latency") == "" {
		t.Error("X-Backend-Latency missing on 502")
	}
}

func TestForward_ContentEncodingUntouched(t *testing.T) {
	// The backend claims gzip; the proxy must relay header and bytes as-is.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "br" {
			t.Errorf("Accept-Encoding = %q, want the client's own value", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte{0x1f, 0x8b, 0x00})
	}))
	defer backend.Close()

	p := New()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept-Encoding", "br")

	p.Forward(context.Background(), w, r, config.Backend{ID: "a", URL: backend.URL}, testFeatures())

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip relayed untouched", w.Header().Get("Content-Encoding"))
	}
	if w.Body.Len() != 3 {
		t.Errorf("body length = %d, want raw bytes", w.Body.Len())
	}
}
