package config

import (
	"fmt"
	"strings"
	"time"
)

// Action is a terminal decision the pipeline can take for a request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionThrottle  Action = "throttle"
	ActionBlock     Action = "block"
	ActionReroute   Action = "reroute"
)

var validActions = map[Action]bool{
	ActionAllow: true, ActionChallenge: true, ActionThrottle: true,
	ActionBlock: true, ActionReroute: true,
}

// Strategy selects how a backend is picked from a policy's candidate set.
type Strategy string

const (
	StrategyWeightedRoundRobin Strategy = "weighted-round-robin"
	StrategyLatencyAware       Strategy = "latency-aware"
	StrategyHealthAware        Strategy = "health-aware"
	StrategySticky             Strategy = "sticky"
	StrategyRandom             Strategy = "random"
)

var validStrategies = map[Strategy]bool{
	StrategyWeightedRoundRobin: true, StrategyLatencyAware: true,
	StrategyHealthAware: true, StrategySticky: true, StrategyRandom: true,
}

// KeyType selects the identity a rate-limit counter is keyed by.
type KeyType string

const (
	KeyTypeIP        KeyType = "ip"
	KeyTypeSubnet    KeyType = "subnet"
	KeyTypeSession   KeyType = "session"
	KeyTypeEndpoint  KeyType = "endpoint"
	KeyTypeComposite KeyType = "composite"
)

var validKeyTypes = map[KeyType]bool{
	KeyTypeIP: true, KeyTypeSubnet: true, KeyTypeSession: true,
	KeyTypeEndpoint: true, KeyTypeComposite: true,
}

// Backend is one origin server a policy can route to.
// Immutable within a config version.
type Backend struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	Weight         int    `json:"weight"` // 0..100
	HealthEndpoint string `json:"healthEndpoint,omitempty"`
	Enabled        bool   `json:"enabled"`
	RegionAffinity string `json:"regionAffinity,omitempty"`
}

// RateLimitConfig parameterises the fixed-window counter for a policy.
type RateLimitConfig struct {
	Enabled      bool    `json:"enabled"`
	WindowMs     int64   `json:"windowMs"`
	MaxRequests  int64   `json:"maxRequests"`
	KeyType      KeyType `json:"keyType"`
	SubnetMask   int     `json:"subnetMask"` // 8..32
	BurstLimit   int64   `json:"burstLimit,omitempty"`
	RetryAfterMs int64   `json:"retryAfterMs"`
}

// Window returns the counter window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// Thresholds are the bot-score bucket boundaries.
type Thresholds struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// BucketActions maps each bucket to a terminal action.
type BucketActions struct {
	Low    Action `json:"low"`
	Medium Action `json:"medium"`
	High   Action `json:"high"`
}

// BotGuardConfig parameterises heuristic scoring and the optional AI blend.
type BotGuardConfig struct {
	Enabled          bool          `json:"enabled"`
	Thresholds       Thresholds    `json:"thresholds"`
	Actions          BucketActions `json:"actions"`
	UseAIClassifier  bool          `json:"useAiClassifier"`
	AITimeoutMs      int64         `json:"aiTimeoutMs"`
	RerouteBackendID string        `json:"rerouteBackendId,omitempty"`
}

// AITimeout returns the classifier call budget, defaulting to 50ms.
func (c BotGuardConfig) AITimeout() time.Duration {
	if c.AITimeoutMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.AITimeoutMs) * time.Millisecond
}

// StickyConfig controls sticky backend assignment for a policy.
type StickyConfig struct {
	Type       string `json:"type"` // "cookie" or "header"
	CookieName string `json:"cookieName,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

// DefaultStickyCookie is used when a sticky policy names no cookie.
const DefaultStickyCookie = "_lb_sticky"

// Cookie returns the effective sticky cookie name.
func (c StickyConfig) Cookie() string {
	if c.CookieName == "" {
		return DefaultStickyCookie
	}
	return c.CookieName
}

// RoutePolicy is a glob-matched, prioritised bundle of routing, rate-limit
// and bot-guard knobs.
type RoutePolicy struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Priority    int              `json:"priority"`
	PathPattern string           `json:"pathPattern"`
	Methods     []string         `json:"methods,omitempty"`
	Strategy    Strategy         `json:"strategy"`
	Sticky      *StickyConfig    `json:"stickyConfig,omitempty"`
	BackendIDs  []string         `json:"backendIds"`
	RateLimit   *RateLimitConfig `json:"rateLimit,omitempty"`
	BotGuard    *BotGuardConfig  `json:"botGuard,omitempty"`
	IPAllowlist []string         `json:"ipAllowlist,omitempty"`
	IPBlocklist []string         `json:"ipBlocklist,omitempty"`
	Enabled     bool             `json:"enabled"`
}

// HasMethod reports whether the policy applies to the given method.
// An empty method list matches everything.
func (p *RoutePolicy) HasMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ConfigStatus is the lifecycle state of a config version.
type ConfigStatus string

const (
	StatusDraft  ConfigStatus = "draft"
	StatusActive ConfigStatus = "active"
)

// GlobalConfig is one versioned configuration snapshot for a domain.
type GlobalConfig struct {
	Version             int             `json:"version"`
	Status              ConfigStatus    `json:"status"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	Domain              string          `json:"domain"`
	Backends            []Backend       `json:"backends"`
	Policies            []RoutePolicy   `json:"policies"`
	DefaultRateLimit    RateLimitConfig `json:"defaultRateLimit"`
	DefaultBotGuard     BotGuardConfig  `json:"defaultBotGuard"`
	DefaultStrategy     Strategy        `json:"defaultStrategy"`
	TelemetrySampleRate float64         `json:"telemetrySampleRate"`
	ChallengePageURL    string          `json:"challengePageUrl"`
}

// BackendByID returns the backend with the given id, or nil.
func (c *GlobalConfig) BackendByID(id string) *Backend {
	for i := range c.Backends {
		if c.Backends[i].ID == id {
			return &c.Backends[i]
		}
	}
	return nil
}

// ResolveBackends maps backend ids to backends, silently dropping ids that
// reference no backend in this snapshot (configuration bug tolerated by
// design: the selector only ever sees backends that exist).
func (c *GlobalConfig) ResolveBackends(ids []string) []Backend {
	out := make([]Backend, 0, len(ids))
	for _, id := range ids {
		if b := c.BackendByID(id); b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// Fallback returns the config used when storage is unreachable: no
// backends, limiter and bot guard disabled. The gateway stays up and
// returns 503 for the domain rather than crashing.
func Fallback(domain string) *GlobalConfig {
	now := time.Now().UTC()
	return &GlobalConfig{
		Version:          0,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
		Domain:           domain,
		DefaultRateLimit: RateLimitConfig{Enabled: false},
		DefaultBotGuard:  BotGuardConfig{Enabled: false},
		DefaultStrategy:  StrategyWeightedRoundRobin,
	}
}

// Validate checks a domain config snapshot for structural errors.
func (c *GlobalConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.Status != StatusDraft && c.Status != StatusActive {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	if c.TelemetrySampleRate < 0 || c.TelemetrySampleRate > 1 {
		return fmt.Errorf("telemetrySampleRate %v outside [0,1]", c.TelemetrySampleRate)
	}
	if c.DefaultStrategy != "" && !validStrategies[c.DefaultStrategy] {
		return fmt.Errorf("invalid default strategy %q", c.DefaultStrategy)
	}

	backendIDs := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if backendIDs[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		backendIDs[b.ID] = true
		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.ID)
		}
		if b.Weight < 0 || b.Weight > 100 {
			return fmt.Errorf("backend %s: weight %d outside [0,100]", b.ID, b.Weight)
		}
	}

	policyIDs := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		if p.ID == "" {
			return fmt.Errorf("policy %d: id is required", i)
		}
		if policyIDs[p.ID] {
			return fmt.Errorf("duplicate policy id %q", p.ID)
		}
		policyIDs[p.ID] = true
		if p.PathPattern == "" {
			return fmt.Errorf("policy %s: pathPattern is required", p.ID)
		}
		if p.Strategy != "" && !validStrategies[p.Strategy] {
			return fmt.Errorf("policy %s: invalid strategy %q", p.ID, p.Strategy)
		}
		for _, id := range p.BackendIDs {
			if !backendIDs[id] {
				return fmt.Errorf("policy %s: unknown backend id %q", p.ID, id)
			}
		}
		if p.RateLimit != nil {
			if err := p.RateLimit.validate(); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
		}
		if p.BotGuard != nil {
			if err := p.BotGuard.validate(); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
		}
	}

	if err := c.DefaultRateLimit.validate(); err != nil {
		return fmt.Errorf("defaultRateLimit: %w", err)
	}
	if err := c.DefaultBotGuard.validate(); err != nil {
		return fmt.Errorf("defaultBotGuard: %w", err)
	}
	return nil
}

func (c *RateLimitConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.WindowMs <= 0 {
		return fmt.Errorf("windowMs must be positive")
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("maxRequests must be positive")
	}
	if c.KeyType != "" && !validKeyTypes[c.KeyType] {
		return fmt.Errorf("invalid keyType %q", c.KeyType)
	}
	if c.SubnetMask != 0 && (c.SubnetMask < 8 || c.SubnetMask > 32) {
		return fmt.Errorf("subnetMask %d outside [8,32]", c.SubnetMask)
	}
	return nil
}

func (c *BotGuardConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	t := c.Thresholds
	if t.Low < 0 || t.High > 1 || t.Low > t.Medium || t.Medium > t.High {
		return fmt.Errorf("thresholds must satisfy 0 <= low <= medium <= high <= 1")
	}
	for _, a := range []Action{c.Actions.Low, c.Actions.Medium, c.Actions.High} {
		if a != "" && !validActions[a] {
			return fmt.Errorf("invalid action %q", a)
		}
	}
	return nil
}

// NormalizeDomain lowercases, trims and strips the port from a host so it
// can be used as a cache key.
func NormalizeDomain(host string) string {
	d := strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(d, "]:"); i >= 0 {
		// Bracketed IPv6 host with port.
		return d[:i+1]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 && isDigits(d[i+1:]) && !strings.Contains(d, "]") {
		d = d[:i]
	}
	return d
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
