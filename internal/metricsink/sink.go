// Package metricsink ships per-request decision records to an external
// analytics endpoint. Delivery is fire-and-forget: a bounded queue feeds a
// small worker pool, and records are dropped under backpressure rather
// than slowing the request path.
package metricsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/teamy2/edgegate/internal/logging"
)

const (
	recordPath   = "/api/metrics/record"
	queueSize    = 1024
	workerCount  = 4
	postTimeout  = 3 * time.Second
	closeTimeout = 2 * time.Second
)

// Record is one request's decision summary.
type Record struct {
	RequestID string  `json:"requestId"`
	Timestamp int64   `json:"timestamp"` // unix millis
	Decision  string  `json:"decision"`
	Path      string  `json:"path"`
	Method    string  `json:"method"`
	BackendID string  `json:"backendId,omitempty"`
	LatencyMs int64   `json:"latencyMs"`
	BotScore  float64 `json:"botScore"`
	BotBucket string  `json:"botBucket"`
	BotReason string  `json:"botReason,omitempty"`
	Status    int     `json:"statusCode"`
	Domain    string  `json:"domain"`
}

// Sink queues records and posts them in the background. A nil Sink is a
// valid no-op, so callers never guard the Publish call.
type Sink struct {
	url    string
	apiKey string
	client *http.Client

	queue    chan Record
	throttle *logging.Throttled
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New starts a Sink posting to host+recordPath. Empty host returns nil.
func New(host, apiKey string) *Sink {
	if host == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		url:      host + recordPath,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: postTimeout},
		queue:    make(chan Record, queueSize),
		throttle: logging.NewThrottled(1),
		cancel:   cancel,
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s
}

// Publish enqueues a record without blocking. Full queue drops the record.
func (s *Sink) Publish(rec Record) {
	if s == nil {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.throttle.Warn("Metric record dropped, sink queue full",
			zap.String("requestId", rec.RequestID))
	}
}

// Close gives the workers closeTimeout to drain the queue, then cancels
// their context so in-flight retries abort and the remaining records fail
// fast. A full queue against a dead sink must not stall shutdown.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Sink) worker(ctx context.Context) {
	defer s.wg.Done()
	for rec := range s.queue {
		s.deliver(ctx, rec)
	}
}

// deliver posts one record with bounded exponential retry. Giving up is
// fine: the sink is advisory, never load-bearing.
func (s *Sink) deliver(ctx context.Context, rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3), ctx)

	err = backoff.Retry(func() error {
		return s.post(ctx, body)
	}, policy)
	if err != nil {
		s.throttle.Warn("Metric record delivery failed",
			zap.String("requestId", rec.RequestID), zap.Error(err))
	}
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Bad record or bad credentials; retrying cannot fix it.
		return backoff.Permanent(fmt.Errorf("sink returned %d", resp.StatusCode))
	}
	return fmt.Errorf("sink returned %d", resp.StatusCode)
}
