package challenge

import (
	"net/http"
	"net/url"
)

// RedirectURL builds the challenge-page location for a request that must
// prove it is human: the original URL is carried in the return parameter
// so the challenge page can send the caller back.
func RedirectURL(challengePageURL, originalURL string) string {
	return challengePageURL + "?return=" + url.QueryEscape(originalURL)
}

// WriteRedirect emits the 302 to the challenge page.
func WriteRedirect(w http.ResponseWriter, challengePageURL, originalURL, requestID string) {
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("Location", RedirectURL(challengePageURL, originalURL))
	w.WriteHeader(http.StatusFound)
}

// StripRedirectParam removes the cross-domain handshake parameter from a
// URL, returning the clean location the browser is re-redirected to.
func StripRedirectParam(u *url.URL) string {
	q := u.Query()
	q.Del(RedirectParam)
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.RequestURI()
}
