// Package challenge implements the proof-of-human token protocol: signed
// bearer tokens issued after a successful captcha, delivered by cookie and
// verified on every request that carries one.
package challenge

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is how long a token stays valid after issuance.
const TokenTTL = time.Hour

const (
	// CookieName carries the token between requests.
	CookieName = "_challenge_token"
	// HeaderName lets API clients present the token without cookies.
	HeaderName = "X-Challenge-Token"
	// RedirectParam carries the token through the cross-domain handshake.
	RedirectParam = "__challenge"
)

// Verification failure reasons.
var (
	ErrInvalidToken = errors.New("challenge: token invalid or expired")
	ErrIPMismatch   = errors.New("challenge: IP mismatch")
)

// Claims is the signed token payload. The path claim is informational: it
// records where the challenge was completed but is not enforced at
// verification (a token is valid for the whole site).
type Claims struct {
	IPHash      string `json:"iph"`
	Path        string `json:"path"`
	CompletedAt int64  `json:"cat"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies challenge tokens with an HMAC-SHA-256 secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer with the server secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue signs a token asserting that the caller behind ipHash completed a
// challenge on path at the current time.
func (i *Issuer) Issue(ipHash, path string) (string, error) {
	now := time.Now()
	claims := Claims{
		IPHash:      ipHash,
		Path:        path,
		CompletedAt: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature and expiry, then requires the token's ipHash to
// match the caller's current one.
func (i *Issuer) Verify(token, ipHash string) error {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.IPHash != ipHash {
		return ErrIPMismatch
	}
	return nil
}

// FromRequest extracts a presented token from the header or cookie, in
// that order. Empty string when none is present.
func FromRequest(r *http.Request) string {
	if t := r.Header.Get(HeaderName); t != "" {
		return t
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Cookie builds the delivery cookie for a freshly issued token.
func Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(TokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	}
}
