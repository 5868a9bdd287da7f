// Package selector picks one backend from a policy's candidate set
// according to the configured strategy.
package selector

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/health"
)

// ErrNoBackends is returned when the candidate set is empty even after
// fail-open filtering.
var ErrNoBackends = errors.New("selector: no enabled backends")

// unknownP95Ms stands in for a backend with no latency samples when
// computing selection weights.
const unknownP95Ms = 1000.0

// Selection describes the chosen backend and why.
type Selection struct {
	Backend         config.Backend
	Strategy        config.Strategy
	CandidatesCount int
	Reason          string
	// NewAssignment is set when a sticky strategy picked a fresh backend;
	// the orchestrator then sets the sticky cookie.
	NewAssignment   bool
	LatencyEstimate time.Duration
}

// Selector dispatches strategies. Per-policy round-robin counters are
// process-local; distribution across replicas is approximate by design.
type Selector struct {
	healthStore *health.Store
	rrCounters  sync.Map // policyID -> *atomic.Uint64
}

// New creates a Selector reading health from the given store.
func New(healthStore *health.Store) *Selector {
	return &Selector{healthStore: healthStore}
}

// isHealthy treats a missing health record as healthy (fail open: the
// prober may simply not have reported yet).
func (s *Selector) isHealthy(id string) bool {
	h, ok := s.healthStore.Get(id)
	return !ok || h.Healthy
}

// Select picks a backend. r and sticky are only consulted for the sticky
// strategy.
func (s *Selector) Select(backends []config.Backend, strategy config.Strategy, policyID string, r *http.Request, sticky *config.StickyConfig) (Selection, error) {
	enabled := make([]config.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	if len(enabled) == 0 {
		return Selection{}, ErrNoBackends
	}

	candidates := enabled
	if strategy == config.StrategyHealthAware || strategy == config.StrategyLatencyAware {
		healthy := make([]config.Backend, 0, len(enabled))
		for _, b := range enabled {
			if s.isHealthy(b.ID) {
				healthy = append(healthy, b)
			}
		}
		// All unhealthy: fail open to the enabled set rather than 503.
		if len(healthy) > 0 {
			candidates = healthy
		}
	}

	sel := Selection{Strategy: strategy, CandidatesCount: len(candidates)}

	switch strategy {
	case config.StrategyWeightedRoundRobin:
		sel.Backend = s.weightedRoundRobin(candidates, policyID)
		sel.Reason = "weighted round robin"
	case config.StrategyLatencyAware:
		b, est := s.latencyAware(candidates)
		sel.Backend = b
		sel.LatencyEstimate = est
		sel.Reason = "lowest p95 latency"
	case config.StrategyHealthAware:
		sel.Backend = weightedRandom(candidates)
		sel.Reason = "healthy weighted random"
	case config.StrategySticky:
		return s.sticky(candidates, r, sticky, sel)
	case config.StrategyRandom:
		sel.Backend = candidates[rand.Intn(len(candidates))]
		sel.Reason = "random"
	default:
		// Unknown strategy degrades to weighted round robin.
		sel.Backend = s.weightedRoundRobin(candidates, policyID)
		sel.Reason = "weighted round robin"
	}
	return sel, nil
}

// weightedRoundRobin expands backends into weight-proportional slots and
// walks them with a per-policy atomic counter. Exactness across replicas
// is not required; monotonic progress is.
func (s *Selector) weightedRoundRobin(candidates []config.Backend, policyID string) config.Backend {
	slots := make([]int, 0, len(candidates)*2)
	for i, b := range candidates {
		n := b.Weight
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			slots = append(slots, i)
		}
	}

	v, _ := s.rrCounters.LoadOrStore(policyID, &atomic.Uint64{})
	counter := v.(*atomic.Uint64)
	idx := counter.Add(1) - 1 // post-increment semantics

	return candidates[slots[idx%uint64(len(slots))]]
}

// latencyAware ranks candidates by p95 ascending (unknown last), keeps the
// top 3 and samples one weighted by inverted latency, so the fastest
// backend is favoured without starving the others.
func (s *Selector) latencyAware(candidates []config.Backend) (config.Backend, time.Duration) {
	type ranked struct {
		backend config.Backend
		p95Ms   float64
		known   bool
	}

	rankedSet := make([]ranked, 0, len(candidates))
	for _, b := range candidates {
		rc := ranked{backend: b}
		if h, ok := s.healthStore.Get(b.ID); ok && h.LatencyP95 > 0 {
			rc.p95Ms = float64(h.LatencyP95) / float64(time.Millisecond)
			rc.known = true
		}
		rankedSet = append(rankedSet, rc)
	}
	sort.SliceStable(rankedSet, func(i, j int) bool {
		a, b := rankedSet[i], rankedSet[j]
		if a.known != b.known {
			return a.known // unknown sorts as +inf
		}
		return a.p95Ms < b.p95Ms
	})

	top := rankedSet
	if len(top) > 3 {
		top = top[:3]
	}

	maxP95 := 0.0
	for _, rc := range top {
		eff := rc.p95Ms
		if !rc.known {
			eff = unknownP95Ms
		}
		maxP95 = math.Max(maxP95, eff)
	}

	weights := make([]float64, len(top))
	total := 0.0
	for i, rc := range top {
		eff := rc.p95Ms
		if !rc.known {
			eff = unknownP95Ms
		}
		weights[i] = maxP95 - eff + 1
		total += weights[i]
	}

	roll := rand.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if roll < cumulative {
			return top[i].backend, time.Duration(top[i].p95Ms * float64(time.Millisecond))
		}
	}
	last := top[len(top)-1]
	return last.backend, time.Duration(last.p95Ms * float64(time.Millisecond))
}

// sticky honours an existing assignment carried in a cookie or header when
// it names a candidate that is still healthy; otherwise it assigns fresh.
func (s *Selector) sticky(candidates []config.Backend, r *http.Request, cfg *config.StickyConfig, sel Selection) (Selection, error) {
	var carried string
	if r != nil {
		cookieName := config.DefaultStickyCookie
		headerName := ""
		if cfg != nil {
			cookieName = cfg.Cookie()
			if cfg.Type == "header" {
				headerName = cfg.HeaderName
			}
		}
		if headerName != "" {
			carried = r.Header.Get(headerName)
		} else if c, err := r.Cookie(cookieName); err == nil {
			carried = c.Value
		}
	}

	if carried != "" {
		for _, b := range candidates {
			if b.ID == carried && s.isHealthy(b.ID) {
				sel.Backend = b
				sel.Reason = "existing sticky assignment"
				return sel, nil
			}
		}
	}

	sel.Backend = weightedRandom(candidates)
	sel.Reason = "new sticky assignment"
	sel.NewAssignment = true
	return sel, nil
}

// weightedRandom samples uniformly in [0, Σw) and walks the cumulative
// distribution. Zero total weight degrades to uniform.
func weightedRandom(candidates []config.Backend) config.Backend {
	total := 0
	for _, b := range candidates {
		if b.Weight > 0 {
			total += b.Weight
		}
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}

	roll := rand.Intn(total)
	cumulative := 0
	for _, b := range candidates {
		if b.Weight <= 0 {
			continue
		}
		cumulative += b.Weight
		if roll < cumulative {
			return b
		}
	}
	return candidates[len(candidates)-1]
}
