package features

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		realIP string
		xff    string
		want   string
	}{
		{"real ip wins", "203.0.113.9", "198.51.100.1, 10.0.0.1", "203.0.113.9"},
		{"first xff token", "", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{"xff with spaces", "", "  198.51.100.2  ", "198.51.100.2"},
		{"nothing usable", "", "", "0.0.0.0"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.realIP != "" {
			r.Header.Set("X-Real-Ip", tt.realIP)
		}
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ClientIP(r); got != tt.want {
			t.Errorf("%s: ClientIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHashIP(t *testing.T) {
	h := HashIP("203.0.113.9", "salt")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(h))
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(h) {
		t.Errorf("hash %q is not lowercase hex", h)
	}
	if h == HashIP("203.0.113.9", "other-salt") {
		t.Error("different salts produced the same hash")
	}
	if h != HashIP("203.0.113.9", "salt") {
		t.Error("hash is not deterministic")
	}
}

func TestExtract_Subnet(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-Ip", "203.0.113.77")

	f := Extract(r, Options{IPSalt: "s", SubnetMask: 24})
	if f.Subnet != "203.0.113.0/24" {
		t.Errorf("subnet = %q, want 203.0.113.0/24", f.Subnet)
	}

	f = Extract(r, Options{IPSalt: "s", SubnetMask: 16})
	if f.Subnet != "203.0.0.0/16" {
		t.Errorf("subnet = %q, want 203.0.0.0/16", f.Subnet)
	}
}

func TestExtract_SessionCookieOrder(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: "second"})
	r.AddCookie(&http.Cookie{Name: "session", Value: "first"})

	f := Extract(r, Options{})
	if f.SessionID != "first" {
		t.Errorf("sessionID = %q, want the session cookie to win over sid", f.SessionID)
	}

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.AddCookie(&http.Cookie{Name: "_session", Value: "third"})
	if f2 := Extract(r2, Options{}); f2.SessionID != "third" {
		t.Errorf("sessionID = %q, want _session fallback", f2.SessionID)
	}
}

func TestExtract_IDs(t *testing.T) {
	r := httptest.NewRequest("GET", "/a/b", nil)
	f := Extract(r, Options{})

	if len(f.RequestID) != 16 {
		t.Errorf("requestID length = %d, want 16", len(f.RequestID))
	}
	if len(f.TraceID) != 32 {
		t.Errorf("traceID length = %d, want 32", len(f.TraceID))
	}

	// Inbound 32-char trace id is preserved.
	inbound := "0123456789abcdef0123456789abcdef"
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("X-Trace-Id", inbound)
	if f2 := Extract(r2, Options{}); f2.TraceID != inbound {
		t.Errorf("traceID = %q, want inbound %q", f2.TraceID, inbound)
	}

	// Malformed inbound id is replaced.
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.Header.Set("X-Trace-Id", "short")
	if f3 := Extract(r3, Options{}); f3.TraceID == "short" {
		t.Error("malformed inbound trace id was kept")
	}
}

func TestExtract_Geo(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Geo-Country", "DE")
	r.Header.Set("X-Geo-City", "Berlin")
	f := Extract(r, Options{})
	if f.Country != "DE" || f.City != "Berlin" {
		t.Errorf("geo = %q/%q, want DE/Berlin", f.Country, f.City)
	}

	// CF-IPCountry is the fallback.
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("CF-IPCountry", "FR")
	if f2 := Extract(r2, Options{}); f2.Country != "FR" {
		t.Errorf("country = %q, want CF fallback FR", f2.Country)
	}
}

func TestExtract_HeaderSignals(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "curl/7.68.0")
	r.Header.Set("Accept", "*/*")

	f := Extract(r, Options{})
	if !f.HasAcceptHeader {
		t.Error("HasAcceptHeader = false with Accept set")
	}
	if f.UserAgent != "curl/7.68.0" {
		t.Errorf("userAgent = %q", f.UserAgent)
	}
	if f.HasCookies || f.CookieCount != 0 {
		t.Error("cookie signals set without cookies")
	}
}
