package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/teamy2/edgegate/internal/logging"
)

// Bootstrap is the process-level configuration loaded at startup from YAML.
// Domain configs (GlobalConfig) come from storage and the KV cache; the
// bootstrap only carries what the process needs before it can serve.
type Bootstrap struct {
	Listen      string         `yaml:"listen"`       // main listener, default ":8080"
	AdminListen string         `yaml:"admin_listen"` // admin listener, default ":9901"
	Logging     logging.Config `yaml:"logging"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Secrets Secrets `yaml:"secrets"`

	MetricsSink struct {
		URL    string `yaml:"url"` // host of the sink; /api/metrics/record is appended
		APIKey string `yaml:"api_key"`
	} `yaml:"metrics_sink"`

	AIClassifier struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		TimeoutMs int64  `yaml:"timeout_ms"`
	} `yaml:"ai_classifier"`

	Captcha struct {
		Provider        string `yaml:"provider"` // "turnstile" or "hcaptcha"
		TurnstileSecret string `yaml:"turnstile_secret"`
		HCaptchaSecret  string `yaml:"hcaptcha_secret"`
	} `yaml:"captcha"`

	Tracing TracingConfig `yaml:"tracing"`

	Prober struct {
		IntervalSeconds int `yaml:"interval_seconds"` // default 10
		TimeoutSeconds  int `yaml:"timeout_seconds"`  // default 5
	} `yaml:"prober"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"` // wall clock budget, default 30

	// StaticDomains are inline domain configs for development and tests;
	// they back the static config store when no external storage is wired.
	StaticDomains []GlobalConfig `yaml:"static_domains" json:"staticDomains"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Secrets holds key material; values are filled from the environment when
// the YAML leaves them empty.
type Secrets struct {
	IPHashSalt      string `yaml:"ip_hash_salt"`
	ChallengeSecret string `yaml:"challenge_secret"`
}

// RequestTimeout returns the per-request wall-clock budget.
func (b *Bootstrap) RequestTimeout() time.Duration {
	if b.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

// ProberInterval returns the probe cycle interval.
func (b *Bootstrap) ProberInterval() time.Duration {
	if b.Prober.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.Prober.IntervalSeconds) * time.Second
}

// ProberTimeout returns the per-probe timeout.
func (b *Bootstrap) ProberTimeout() time.Duration {
	if b.Prober.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.Prober.TimeoutSeconds) * time.Second
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can complain about them.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// LoadBootstrap reads and parses the bootstrap file, expands ${ENV}
// references, applies environment fallbacks for secrets and validates any
// inline static domains.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap parses bootstrap configuration from YAML bytes.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	expanded := expandEnvVars(string(data))

	b := &Bootstrap{}
	if err := yaml.Unmarshal([]byte(expanded), b); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	b.applyEnvFallbacks()
	b.applyDefaults()

	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return b, nil
}

// applyEnvFallbacks fills empty secret fields from the process environment.
func (b *Bootstrap) applyEnvFallbacks() {
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&b.Secrets.IPHashSalt, "IP_HASH_SALT")
	fill(&b.Secrets.ChallengeSecret, "CHALLENGE_SECRET")
	fill(&b.MetricsSink.APIKey, "METRICS_API_KEY")
	fill(&b.AIClassifier.URL, "AI_CLASSIFIER_URL")
	fill(&b.AIClassifier.APIKey, "AI_CLASSIFIER_API_KEY")
	fill(&b.Captcha.TurnstileSecret, "TURNSTILE_SECRET")
	fill(&b.Captcha.HCaptchaSecret, "HCAPTCHA_SECRET")
	fill(&b.Redis.Addr, "REDIS_ADDR")
	fill(&b.Redis.Password, "REDIS_PASSWORD")

	if b.AIClassifier.TimeoutMs == 0 {
		if v := os.Getenv("AI_CLASSIFIER_TIMEOUT_MS"); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				b.AIClassifier.TimeoutMs = ms
			}
		}
	}
}

func (b *Bootstrap) applyDefaults() {
	if b.Listen == "" {
		b.Listen = ":8080"
	}
	if b.AdminListen == "" {
		b.AdminListen = ":9901"
	}
	if b.Redis.Addr == "" {
		b.Redis.Addr = "localhost:6379"
	}
}

func (b *Bootstrap) validate() error {
	if b.Secrets.IPHashSalt == "" {
		return fmt.Errorf("ip_hash_salt is required (IP_HASH_SALT)")
	}
	if b.Secrets.ChallengeSecret == "" {
		return fmt.Errorf("challenge_secret is required (CHALLENGE_SECRET)")
	}
	if p := b.Captcha.Provider; p != "" && p != "turnstile" && p != "hcaptcha" {
		return fmt.Errorf("invalid captcha provider %q", p)
	}
	seen := make(map[string]bool, len(b.StaticDomains))
	for i := range b.StaticDomains {
		gc := &b.StaticDomains[i]
		if err := gc.Validate(); err != nil {
			return fmt.Errorf("static_domains[%d]: %w", i, err)
		}
		key := NormalizeDomain(gc.Domain)
		if gc.Status == StatusActive {
			if seen[key] {
				return fmt.Errorf("static_domains: more than one active config for %q", key)
			}
			seen[key] = true
		}
	}
	return nil
}
