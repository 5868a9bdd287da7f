package gateway

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/internal/challenge"
	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/logging"
)

// verifyRequest is the body posted by the challenge page after the captcha
// widget succeeds.
type verifyRequest struct {
	Response string `json:"response"`
	Return   string `json:"return,omitempty"`
}

// handleVerify exchanges a captcha response for a challenge token. The
// token is bound to the caller's current ip hash, set as a cookie and also
// returned in the body so the challenge page can build a cross-domain
// handshake redirect.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.verifier == nil {
		http.Error(w, "challenge verification not configured", http.StatusNotImplemented)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Response == "" {
		writeVerifyError(w, http.StatusBadRequest, "missing captcha response")
		return
	}

	ip := features.ClientIP(r)
	ok, err := g.verifier.Verify(r.Context(), req.Response, ip)
	if err != nil {
		logging.Warn("Captcha verification call failed", zap.Error(err))
		writeVerifyError(w, http.StatusBadGateway, "verification service unavailable")
		return
	}
	if !ok {
		writeVerifyError(w, http.StatusBadRequest, "captcha rejected")
		return
	}

	ipHash := features.HashIP(ip, g.ipHashSalt)
	token, err := g.issuer.Issue(ipHash, req.Return)
	if err != nil {
		writeVerifyError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	http.SetCookie(w, challenge.Cookie(token, g.secureCookies))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func writeVerifyError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
