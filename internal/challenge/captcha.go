package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verifier validates a captcha response token with a third-party service.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) (bool, error)
}

// verifyTimeout bounds every captcha verify call.
const verifyTimeout = 5 * time.Second

const (
	turnstileEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	hcaptchaEndpoint  = "https://hcaptcha.com/siteverify"
)

// siteverifyResponse is the common shape of both providers' responses.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Turnstile verifies tokens against Cloudflare Turnstile (JSON body).
type Turnstile struct {
	secret   string
	endpoint string
	client   *http.Client
}

// NewTurnstile creates a Turnstile verifier.
func NewTurnstile(secret string) *Turnstile {
	return &Turnstile{
		secret:   secret,
		endpoint: turnstileEndpoint,
		client:   &http.Client{Timeout: verifyTimeout},
	}
}

func (t *Turnstile) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	payload := map[string]string{
		"secret":   t.secret,
		"response": response,
	}
	if remoteIP != "" {
		payload["remoteip"] = remoteIP
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	return doVerify(t.client, req)
}

// HCaptcha verifies tokens against hCaptcha (form-encoded body).
type HCaptcha struct {
	secret   string
	endpoint string
	client   *http.Client
}

// NewHCaptcha creates an hCaptcha verifier.
func NewHCaptcha(secret string) *HCaptcha {
	return &HCaptcha{
		secret:   secret,
		endpoint: hcaptchaEndpoint,
		client:   &http.Client{Timeout: verifyTimeout},
	}
}

func (h *HCaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	form := url.Values{}
	form.Set("secret", h.secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return doVerify(h.client, req)
}

func doVerify(client *http.Client, req *http.Request) (bool, error) {
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("siteverify returned %d", resp.StatusCode)
	}

	var result siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Success, nil
}
