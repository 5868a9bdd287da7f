// Package gateway is the decision pipeline: for each request it extracts
// features, enforces the rate limit, scores bot likelihood, picks a backend
// and either proxies, challenges, throttles or blocks.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/botguard"
	"github.com/teamy2/edgegate/internal/challenge"
	"github.com/teamy2/edgegate/internal/configcache"
	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/health"
	"github.com/teamy2/edgegate/internal/logging"
	"github.com/teamy2/edgegate/internal/metrics"
	"github.com/teamy2/edgegate/internal/metricsink"
	"github.com/teamy2/edgegate/internal/policy"
	"github.com/teamy2/edgegate/internal/proxy"
	"github.com/teamy2/edgegate/internal/ratelimit"
	"github.com/teamy2/edgegate/internal/selector"
	"github.com/teamy2/edgegate/internal/tracing"
)

// VerifyPath is the reserved endpoint where clients post captcha responses
// to obtain a challenge token. It is never proxied.
const VerifyPath = "/_edgegate/challenge/verify"

// statusClientClosed mirrors nginx's 499 for a client that went away.
const statusClientClosed = 499

// Gateway wires the pipeline stages together and serves the main listener.
type Gateway struct {
	loader      *configcache.Loader
	limiter     *ratelimit.Limiter
	guard       *botguard.Guard
	selector    *selector.Selector
	proxy       *proxy.Proxy
	issuer      *challenge.Issuer
	verifier    challenge.Verifier
	sink        *metricsink.Sink
	collector   *metrics.Collector
	tracer      *tracing.Tracer
	healthStore *health.Store

	ipHashSalt     string
	requestTimeout time.Duration
	secureCookies  bool
}

// Options carries the pipeline dependencies.
type Options struct {
	Loader      *configcache.Loader
	Limiter     *ratelimit.Limiter
	Guard       *botguard.Guard
	Selector    *selector.Selector
	Proxy       *proxy.Proxy
	Issuer      *challenge.Issuer
	Verifier    challenge.Verifier // nil disables the verify endpoint
	Sink        *metricsink.Sink   // nil disables metric records
	Collector   *metrics.Collector
	Tracer      *tracing.Tracer
	HealthStore *health.Store

	IPHashSalt     string
	RequestTimeout time.Duration // 0 means 30s
	SecureCookies  bool
}

// New assembles a Gateway.
func New(opts Options) *Gateway {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		loader:         opts.Loader,
		limiter:        opts.Limiter,
		guard:          opts.Guard,
		selector:       opts.Selector,
		proxy:          opts.Proxy,
		issuer:         opts.Issuer,
		verifier:       opts.Verifier,
		sink:           opts.Sink,
		collector:      opts.Collector,
		tracer:         opts.Tracer,
		healthStore:    opts.HealthStore,
		ipHashSalt:     opts.IPHashSalt,
		requestTimeout: timeout,
		secureCookies:  opts.SecureCookies,
	}
}

// ServeHTTP dispatches between the reserved verify endpoint and the
// decision pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == VerifyPath {
		g.handleVerify(w, r)
		return
	}
	g.handle(w, r)
}

// effective is the per-request view of the matched policy, with domain
// defaults filled in where the policy is silent.
type effective struct {
	policyID  string
	rateCfg   config.RateLimitConfig
	botCfg    config.BotGuardConfig
	strategy  config.Strategy
	sticky    *config.StickyConfig
	backends  []config.Backend
	challenge string // challenge page URL
}

func resolveEffective(cfg *config.GlobalConfig, pol *config.RoutePolicy) effective {
	eff := effective{
		policyID:  "default",
		rateCfg:   cfg.DefaultRateLimit,
		botCfg:    cfg.DefaultBotGuard,
		strategy:  cfg.DefaultStrategy,
		backends:  cfg.Backends,
		challenge: cfg.ChallengePageURL,
	}
	if eff.strategy == "" {
		eff.strategy = config.StrategyWeightedRoundRobin
	}
	if pol == nil {
		return eff
	}

	eff.policyID = pol.ID
	if pol.RateLimit != nil {
		eff.rateCfg = *pol.RateLimit
	}
	if pol.BotGuard != nil {
		eff.botCfg = *pol.BotGuard
	}
	if pol.Strategy != "" {
		eff.strategy = pol.Strategy
	}
	eff.sticky = pol.Sticky
	if len(pol.BackendIDs) > 0 {
		eff.backends = cfg.ResolveBackends(pol.BackendIDs)
	}
	return eff
}

// handle runs the pipeline for one request.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	// clientCtx ends only when the caller goes away; ctx also ends when
	// the wall-clock budget runs out. The distinction matters for the 499.
	clientCtx := r.Context()
	ctx, cancel := context.WithTimeout(clientCtx, g.requestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	// Cross-domain handshake: a token arriving in the query string becomes
	// a cookie and the param is stripped before anything else runs.
	if token := r.URL.Query().Get(challenge.RedirectParam); token != "" {
		ipHash := features.HashIP(features.ClientIP(r), g.ipHashSalt)
		if err := g.issuer.Verify(token, ipHash); err == nil {
			http.SetCookie(w, challenge.Cookie(token, g.secureCookies))
			http.Redirect(w, r, challenge.StripRedirectParam(r.URL), http.StatusFound)
			return
		}
		// Invalid handshake token: ignore it and run the pipeline.
	}

	ctx, span := g.tracer.StartJourney(ctx, r.Method, r.URL.Path)
	defer span.End()

	cfg := g.loader.Load(ctx, r.Host)

	f := features.Extract(r, features.Options{
		IPSalt:     g.ipHashSalt,
		SubnetMask: cfg.DefaultRateLimit.SubnetMask,
	})
	w.Header().Set("X-Request-Id", f.RequestID)
	w.Header().Set("X-Trace-Id", f.TraceID)

	pol := policy.Match(r.URL.Path, r.Method, cfg)
	eff := resolveEffective(cfg, pol)
	if pol != nil {
		span.SetAttributes(attribute.String("policy.id", pol.ID))
	}

	start := time.Now()
	rec := metricsink.Record{
		RequestID: f.RequestID,
		Timestamp: start.UnixMilli(),
		Path:      f.Path,
		Method:    f.Method,
		Domain:    cfg.Domain,
	}

	// A configuration with no usable backends cannot serve anything.
	if len(eff.backends) == 0 {
		g.finish(w, r, &rec, "allow", botguard.Result{}, start,
			g.writeUnavailable(w, f))
		return
	}

	// A valid token short-circuits scoring, never the rate limit.
	validated := false
	if token := challenge.FromRequest(r); token != "" {
		if err := g.issuer.Verify(token, f.IPHash); err == nil {
			validated = true
		}
	}

	rl := g.limiter.Check(ctx, f, eff.rateCfg, eff.policyID)
	if rl.FailedOpen {
		g.collector.ObserveKVFailure()
	}
	f.RequestsInWindow = rl.Count
	setRateLimitHeaders(w, rl)
	if !rl.Allowed {
		g.collector.ObserveThrottle(string(rl.KeyType))
		g.finish(w, r, &rec, "throttle", botguard.Result{}, start,
			writeThrottle(w, rl, eff.rateCfg.RetryAfterMs))
		return
	}

	var bot botguard.Result
	if validated {
		bot = botguard.ValidatedHuman()
	} else {
		bot = g.guard.Score(ctx, f, eff.botCfg, pol)
		if bot.AIFailed {
			g.collector.ObserveAIFailure()
		}
	}
	rec.BotScore = bot.Score
	rec.BotBucket = string(bot.Bucket)
	if reasons := botguard.TriggeredReasons(bot); len(reasons) > 0 {
		rec.BotReason = reasons[0]
	}
	span.SetAttributes(
		attribute.Float64("bot.score", bot.Score),
		attribute.String("bot.bucket", string(bot.Bucket)),
		attribute.String("bot.decision", string(bot.Decision)),
	)

	candidates := eff.backends
	switch bot.Decision {
	case config.ActionBlock:
		g.finish(w, r, &rec, "block", bot, start, writeBlock(w, f))
		return
	case config.ActionChallenge:
		page := eff.challenge
		if page == "" {
			// No challenge page configured: blocking beats looping redirects.
			g.finish(w, r, &rec, "block", bot, start, writeBlock(w, f))
			return
		}
		challenge.WriteRedirect(w, page, originalURL(r), f.RequestID)
		g.finish(w, r, &rec, "challenge", bot, start, http.StatusFound)
		return
	case config.ActionThrottle:
		g.collector.ObserveThrottle(string(rl.KeyType))
		g.finish(w, r, &rec, "throttle", bot, start,
			writeThrottle(w, rl, eff.rateCfg.RetryAfterMs))
		return
	case config.ActionReroute:
		if id := eff.botCfg.RerouteBackendID; id != "" {
			if b := cfg.BackendByID(id); b != nil && b.Enabled {
				candidates = []config.Backend{*b}
			}
		}
		// Missing or disabled reroute target falls through with the full set.
	}

	sel, err := g.selector.Select(candidates, eff.strategy, eff.policyID, r, eff.sticky)
	if err != nil {
		g.finish(w, r, &rec, decisionLabel(bot.Decision), bot, start,
			g.writeUnavailable(w, f))
		return
	}
	rec.BackendID = sel.Backend.ID
	span.SetAttributes(attribute.String("backend.id", sel.Backend.ID))

	if sel.NewAssignment {
		if c := stickyCookie(eff.sticky, sel.Backend.ID, g.secureCookies); c != nil {
			http.SetCookie(w, c)
		}
	}

	out := g.proxy.Forward(ctx, w, r, sel.Backend, f)
	rec.LatencyMs = out.Latency.Milliseconds()

	status := out.StatusCode
	if clientCtx.Err() != nil {
		// The caller disconnected; whatever was written never arrived.
		status = statusClientClosed
	}
	if out.StatusCode >= 500 && out.Err == nil {
		logging.Warn("Upstream 5xx",
			zap.String("requestId", f.RequestID),
			zap.String("backend", sel.Backend.ID),
			zap.Int("status", out.StatusCode))
	}
	g.finish(w, r, &rec, decisionLabel(bot.Decision), bot, start, status)
}

// decisionLabel names the terminal decision for metrics: a reroute that was
// proxied stays "reroute", everything else that reached the proxy is
// "allow".
func decisionLabel(a config.Action) string {
	if a == config.ActionReroute {
		return "reroute"
	}
	return "allow"
}

// finish posts the metric record and updates the Prometheus series. Every
// exit path of handle runs through here exactly once.
func (g *Gateway) finish(w http.ResponseWriter, r *http.Request, rec *metricsink.Record, decision string, bot botguard.Result, start time.Time, status int) {
	rec.Decision = decision
	rec.Status = status
	if rec.LatencyMs == 0 {
		rec.LatencyMs = time.Since(start).Milliseconds()
	}
	g.sink.Publish(*rec)
	g.collector.ObserveRequest(decision, string(bot.Bucket), status, time.Since(start))
}

// writeUnavailable is the terminal response when no backend can serve.
func (g *Gateway) writeUnavailable(w http.ResponseWriter, f *features.Features) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{
		"error":     "Service Unavailable",
		"message":   "No backends available",
		"requestId": f.RequestID,
	})
	return http.StatusServiceUnavailable
}

// writeBlock emits the fixed block envelope.
func writeBlock(w http.ResponseWriter, f *features.Features) int {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Request-Id", f.RequestID)
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte("Forbidden"))
	return http.StatusForbidden
}

// writeThrottle emits the fixed throttle envelope. A bot-guard throttle
// decision arrives with no limiter denial behind it, so the configured
// retry hint backs the header when the limiter has none.
func writeThrottle(w http.ResponseWriter, rl ratelimit.Result, fallbackMs int64) int {
	retryMs := rl.RetryAfterMs
	if retryMs <= 0 && fallbackMs > 0 {
		retryMs = fallbackMs
	}
	retryAfterSec := retryMs / 1000
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded",
		"retryAfter": retryAfterSec,
	})
	return http.StatusTooManyRequests
}

func setRateLimitHeaders(w http.ResponseWriter, rl ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

// stickyCookie builds the assignment cookie for a fresh sticky pick. Nil
// when the policy pins by header instead.
func stickyCookie(cfg *config.StickyConfig, backendID string, secure bool) *http.Cookie {
	name := config.DefaultStickyCookie
	ttl := 3600
	if cfg != nil {
		if cfg.Type == "header" {
			return nil
		}
		name = cfg.Cookie()
		if cfg.TTLSeconds > 0 {
			ttl = cfg.TTLSeconds
		}
	}
	return &http.Cookie{
		Name:     name,
		Value:    backendID,
		Path:     "/",
		MaxAge:   ttl,
		HttpOnly: true,
		Secure:   secure,
	}
}

// originalURL reconstructs the absolute URL the caller requested, for the
// challenge return parameter.
func originalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
