package health

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/logging"
)

const probesPerCycle = 3

// Prober periodically probes each target backend's health endpoint and
// writes the resulting record to the Store. It is the store's only writer.
type Prober struct {
	store    *Store
	client   *http.Client
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	targets  []config.Backend
	failures map[string]int // consecutive failed probes per backend

	onReport func(BackendHealth)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds prober settings.
type Config struct {
	Interval time.Duration // default 10s
	Timeout  time.Duration // per-probe, default 5s
	// MaxConcurrent bounds how many backends are probed at once.
	MaxConcurrent int
	// OnReport, when set, observes every written health record.
	OnReport func(BackendHealth)
}

// NewProber creates a prober writing to store.
func NewProber(store *Store, cfg Config) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		store: store,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		onReport: cfg.OnReport,
		failures: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// SetTargets replaces the probed backend set. Disabled backends are
// skipped; existing failure counts survive so a config reload does not
// reset health state.
func (p *Prober) SetTargets(backends []config.Backend) {
	enabled := make([]config.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	p.mu.Lock()
	p.targets = enabled
	p.mu.Unlock()
}

// Start runs probe cycles until Stop is called.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)

		// Immediate first cycle so selection has data at startup.
		p.cycle()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.cycle()
			}
		}
	}()
}

// Stop cancels probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.cancel()
	<-p.done
}

// cycle probes every target once (3 samples each), bounded by errgroup.
func (p *Prober) cycle() {
	p.mu.RLock()
	targets := p.targets
	p.mu.RUnlock()

	g, ctx := errgroup.WithContext(p.ctx)
	g.SetLimit(16)
	for _, b := range targets {
		g.Go(func() error {
			p.probe(ctx, b)
			return nil
		})
	}
	g.Wait()
}

// probe samples one backend 3 times and writes the aggregated record.
func (p *Prober) probe(ctx context.Context, b config.Backend) {
	endpoint := b.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	url := strings.TrimSuffix(b.URL, "/") + endpoint

	var latencies []time.Duration
	failed := 0

	for i := 0; i < probesPerCycle; i++ {
		latency, ok := p.sample(ctx, url)
		if ok {
			latencies = append(latencies, latency)
		} else {
			failed++
		}
	}

	p.mu.Lock()
	if failed == probesPerCycle {
		p.failures[b.ID] += failed
	} else {
		p.failures[b.ID] = 0
	}
	consecutive := p.failures[b.ID]
	p.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	record := BackendHealth{
		BackendID:           b.ID,
		Healthy:             failed < probesPerCycle-1, // majority of samples ok
		LastCheck:           time.Now().UTC(),
		ErrorRate:           float64(failed) / probesPerCycle,
		ConsecutiveFailures: consecutive,
	}
	if len(latencies) > 0 {
		record.LatencyP50 = percentile(latencies, 0.50)
		record.LatencyP95 = percentile(latencies, 0.95)
		record.LatencyP99 = percentile(latencies, 0.99)
	}

	prev, had := p.store.Get(b.ID)
	p.store.Set(record)
	if p.onReport != nil {
		p.onReport(record)
	}

	if had && prev.Healthy != record.Healthy {
		logging.Info("Backend health changed",
			zap.String("backend", b.ID),
			zap.Bool("healthy", record.Healthy),
			zap.Float64("error_rate", record.ErrorRate),
		)
	}
}

// sample issues one probe and returns its latency.
func (p *Prober) sample(ctx context.Context, url string) (time.Duration, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, false
	}
	resp.Body.Close()

	return latency, resp.StatusCode >= 200 && resp.StatusCode < 400
}

// percentile returns the nearest-rank percentile of sorted samples.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
