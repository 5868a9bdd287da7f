package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/botguard"
	"github.com/teamy2/edgegate/internal/challenge"
	"github.com/teamy2/edgegate/internal/configcache"
	"github.com/teamy2/edgegate/internal/health"
	"github.com/teamy2/edgegate/internal/kv"
	"github.com/teamy2/edgegate/internal/logging"
	"github.com/teamy2/edgegate/internal/metrics"
	"github.com/teamy2/edgegate/internal/metricsink"
	"github.com/teamy2/edgegate/internal/middleware"
	"github.com/teamy2/edgegate/internal/proxy"
	"github.com/teamy2/edgegate/internal/ratelimit"
	"github.com/teamy2/edgegate/internal/selector"
	"github.com/teamy2/edgegate/internal/tracing"
)

// Server owns the two listeners and every long-lived pipeline dependency.
type Server struct {
	bootstrap *config.Bootstrap
	gateway   *Gateway

	kvClient kv.Client
	store    *configcache.StaticStore
	loader   *configcache.Loader
	sink     *metricsink.Sink
	tracer   *tracing.Tracer
	prober   *health.Prober
	registry *prometheus.Registry
	watcher  *config.Watcher

	main  *http.Server
	admin *http.Server
}

// NewServer wires the full pipeline from a bootstrap config.
func NewServer(b *config.Bootstrap) (*Server, error) {
	kvClient := kv.NewRedis(kv.Options{
		Addr:     b.Redis.Addr,
		Password: b.Redis.Password,
		DB:       b.Redis.DB,
	})

	store := configcache.NewStaticStore(b.StaticDomains)
	loader := configcache.New(store, kvClient)

	healthStore := health.NewStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)
	loader.OnKVFailure(collector.ObserveKVFailure)

	prober := health.NewProber(healthStore, health.Config{
		Interval: b.ProberInterval(),
		Timeout:  b.ProberTimeout(),
		OnReport: func(h health.BackendHealth) {
			collector.SetBackendHealth(h.BackendID, h.Healthy, h.LatencyP95)
		},
	})
	// Probe every backend named by a static domain config.
	var probeTargets []config.Backend
	for i := range b.StaticDomains {
		probeTargets = append(probeTargets, b.StaticDomains[i].Backends...)
	}
	prober.SetTargets(probeTargets)

	tracer, err := tracing.New(b.Tracing)
	if err != nil {
		return nil, err
	}

	classifier := botguard.NewClassifier(b.AIClassifier.URL, b.AIClassifier.APIKey)
	sink := metricsink.New(b.MetricsSink.URL, b.MetricsSink.APIKey)

	var verifier challenge.Verifier
	switch b.Captcha.Provider {
	case "hcaptcha":
		verifier = challenge.NewHCaptcha(b.Captcha.HCaptchaSecret)
	case "turnstile":
		verifier = challenge.NewTurnstile(b.Captcha.TurnstileSecret)
	}

	gw := New(Options{
		Loader:         loader,
		Limiter:        ratelimit.New(kvClient),
		Guard:          botguard.New(classifier),
		Selector:       selector.New(healthStore),
		Proxy:          proxy.New(),
		Issuer:         challenge.NewIssuer(b.Secrets.ChallengeSecret),
		Verifier:       verifier,
		Sink:           sink,
		Collector:      collector,
		Tracer:         tracer,
		HealthStore:    healthStore,
		IPHashSalt:     b.Secrets.IPHashSalt,
		RequestTimeout: b.RequestTimeout(),
	})

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.AccessLog(b.Secrets.IPHashSalt, "/healthz"),
	)

	s := &Server{
		bootstrap: b,
		gateway:   gw,
		kvClient:  kvClient,
		store:     store,
		loader:    loader,
		sink:      sink,
		tracer:    tracer,
		prober:    prober,
		registry:  registry,
		main: &http.Server{
			Addr:              b.Listen,
			Handler:           chain.Then(gw),
			ReadHeaderTimeout: 10 * time.Second,
		},
		admin: &http.Server{
			Addr:              b.AdminListen,
			Handler:           middleware.NewChain(middleware.Recovery()).Then(gw.AdminHandler(registry, b.MetricsSink.APIKey)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s, nil
}

// WatchConfig hot-reloads the parts of the bootstrap that are safe to
// apply live: log level, static domain configs and the probe target set.
func (s *Server) WatchConfig(path string, level zap.AtomicLevel) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	w.OnChange(func(b *config.Bootstrap) {
		level.SetLevel(logging.ParseLevel(b.Logging.Level))
		s.store.Replace(b.StaticDomains)
		var targets []config.Backend
		for i := range b.StaticDomains {
			targets = append(targets, b.StaticDomains[i].Backends...)
		}
		s.prober.SetTargets(targets)
		for i := range b.StaticDomains {
			if err := s.loader.Invalidate(context.Background(), b.StaticDomains[i].Domain); err != nil {
				logging.Warn("Cache invalidation after reload failed",
					zap.String("domain", b.StaticDomains[i].Domain), zap.Error(err))
			}
		}
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Run starts the prober and both listeners, then blocks until a signal or
// listener failure triggers graceful shutdown.
func (s *Server) Run() error {
	if c, ok := s.kvClient.(*kv.RedisClient); ok {
		if err := c.Ping(context.Background()); err != nil {
			// The pipeline fails open without Redis; start anyway.
			logging.Warn("KV store unreachable at startup", zap.Error(err))
		}
	}

	s.prober.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Gateway listening", zap.String("addr", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("Admin listening", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown drains the listeners, then stops background work.
func (s *Server) shutdown() {
	logging.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.main.Shutdown(ctx); err != nil {
		logging.Warn("Main listener shutdown", zap.Error(err))
	}
	if err := s.admin.Shutdown(ctx); err != nil {
		logging.Warn("Admin listener shutdown", zap.Error(err))
	}

	if s.watcher != nil {
		s.watcher.Close()
	}
	s.prober.Stop()
	s.sink.Close()
	if err := s.tracer.Close(); err != nil {
		logging.Warn("Tracer shutdown", zap.Error(err))
	}
	if c, ok := s.kvClient.(*kv.RedisClient); ok {
		c.Close()
	}
}
