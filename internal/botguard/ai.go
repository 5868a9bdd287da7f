package botguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/teamy2/edgegate/internal/features"
)

// Classifier calls the external ML bot classifier. Calls are bounded by the
// policy's timeout and wrapped in a circuit breaker so a slow classifier
// degrades to heuristics-only instead of adding latency to every request.
type Classifier struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*AIResult]
}

// classifyRequest is the wire request body.
type classifyRequest struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	UserAgent string `json:"user_agent"`
}

// NewClassifier creates a classifier client. Returns nil when no URL is
// configured, which disables the AI blend entirely.
func NewClassifier(url, apiKey string) *Classifier {
	if url == "" {
		return nil
	}
	return &Classifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: gobreaker.NewCircuitBreaker[*AIResult](gobreaker.Settings{
			Name:        "ai-classifier",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Classify posts the request fingerprint to the classifier. Any timeout,
// non-2xx response, parse failure or open breaker returns an error; the
// caller falls back to the heuristic result.
func (c *Classifier) Classify(ctx context.Context, f *features.Features, timeout time.Duration) (*AIResult, error) {
	return c.breaker.Execute(func() (*AIResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(classifyRequest{
			URL:       f.Path,
			Method:    f.Method,
			UserAgent: f.UserAgent,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("classifier returned %d", resp.StatusCode)
		}

		var result AIResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, err
		}
		return &result, nil
	})
}
