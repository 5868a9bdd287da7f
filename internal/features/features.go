// Package features derives a privacy-preserving fingerprint from an
// incoming request. No raw client IP, cookie value (other than the session
// id) or body content ever leaves this package.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Features is the per-request fingerprint record. Read-only after
// construction, except RequestsInWindow which the orchestrator fills in
// after the rate-limit step.
type Features struct {
	RequestID string `json:"requestId"` // 16 chars, opaque
	TraceID   string `json:"traceId"`   // 32 chars, opaque

	IPHash string `json:"ipHash"` // first 8 bytes of sha256(ip||salt), hex
	Subnet string `json:"subnet"`

	Method   string `json:"method"`
	Path     string `json:"path"`
	Host     string `json:"host"`
	Protocol string `json:"protocol"`

	UserAgent      string `json:"userAgent"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
	AcceptEncoding string `json:"acceptEncoding,omitempty"`
	Referer        string `json:"referer,omitempty"`
	Origin         string `json:"origin,omitempty"`

	HeaderCount     int  `json:"headerCount"`
	HasAcceptHeader bool `json:"hasAcceptHeader"`
	HasCookies      bool `json:"hasCookies"`
	CookieCount     int  `json:"cookieCount"`

	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     string `json:"asn,omitempty"`

	TLSVersion string `json:"tlsVersion,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	// RequestsInWindow is the rate-limit counter observed for this request,
	// when a limiter ran. Feeds the high_frequency heuristic.
	RequestsInWindow int64 `json:"requestsInWindow,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Options parameterises extraction.
type Options struct {
	IPSalt     string
	SubnetMask int // IPv4 prefix length, default 24
}

// sessionCookieNames are checked in order; the first match supplies the
// session id.
var sessionCookieNames = []string{"session", "sid", "_session"}

// Extract builds the feature record for a request.
func Extract(r *http.Request, opts Options) *Features {
	ip := ClientIP(r)
	mask := opts.SubnetMask
	if mask == 0 {
		mask = 24
	}

	f := &Features{
		RequestID: NewRequestID(),
		TraceID:   traceID(r),
		IPHash:    HashIP(ip, opts.IPSalt),
		Subnet:    subnet(ip, mask),
		Method:    r.Method,
		Path:      r.URL.Path,
		Host:      r.Host,
		Protocol:  r.Proto,

		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		Referer:        r.Header.Get("Referer"),
		Origin:         r.Header.Get("Origin"),

		Country: r.Header.Get("X-Geo-Country"),
		Region:  r.Header.Get("X-Geo-Region"),
		City:    r.Header.Get("X-Geo-City"),
		ASN:     r.Header.Get("X-Geo-Asn"),

		Timestamp: time.Now().UTC(),
	}
	if f.Country == "" {
		// Cloudflare-style gateways set this one.
		f.Country = r.Header.Get("CF-IPCountry")
	}

	f.HeaderCount = len(r.Header)
	f.HasAcceptHeader = r.Header.Get("Accept") != ""

	cookies := r.Cookies()
	f.CookieCount = len(cookies)
	f.HasCookies = len(cookies) > 0
	for _, name := range sessionCookieNames {
		for _, c := range cookies {
			if c.Name == name {
				f.SessionID = c.Value
				break
			}
		}
		if f.SessionID != "" {
			break
		}
	}

	if r.TLS != nil {
		f.TLSVersion = tlsVersionString(r.TLS.Version)
	}

	return f
}

// ClientIP picks the client address from trusted proxy headers, falling
// back to 0.0.0.0 when nothing usable is present.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return "0.0.0.0"
}

// HashIP returns the first 8 bytes, hex encoded, of sha256(ip || salt).
// The raw IP is never retained.
func HashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:8])
}

// subnet masks an IPv4 address down to the given prefix length and renders
// it in CIDR form. IPv6 and unparsable addresses are returned as-is.
func subnet(ip string, mask int) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	masked := v4.Mask(net.CIDRMask(mask, 32))
	return masked.String() + "/" + strconv.Itoa(mask)
}

// NewRequestID returns a 16-char opaque URL-safe id.
func NewRequestID() string {
	return newHexID()[:16]
}

// traceID prefers the inbound X-Trace-Id header for tracing continuity,
// otherwise generates a fresh 32-char id.
func traceID(r *http.Request) string {
	if id := r.Header.Get("X-Trace-Id"); len(id) == 32 {
		return id
	}
	return newHexID()
}

// newHexID returns 32 hex chars of randomness.
func newHexID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func tlsVersionString(v uint16) string {
	switch v {
	case 0x0301:
		return "1.0"
	case 0x0302:
		return "1.1"
	case 0x0303:
		return "1.2"
	case 0x0304:
		return "1.3"
	default:
		return "unknown"
	}
}
