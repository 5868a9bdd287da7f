// Package botguard assigns a bot-likelihood score to each request using a
// weighted heuristic ensemble, per-policy allow/block lists and an optional
// external classifier blend.
package botguard

import (
	"context"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/features"
)

// Bucket is the coarse label derived from a continuous score.
type Bucket string

const (
	BucketLow    Bucket = "low"
	BucketMedium Bucket = "medium"
	BucketHigh   Bucket = "high"
)

// RuleResult records one rule evaluation for explainability.
type RuleResult struct {
	Rule        string  `json:"rule"`
	Weight      float64 `json:"weight"`
	Triggered   bool    `json:"triggered"`
	Explanation string  `json:"explanation"`
}

// AIResult is the external classifier's verdict, when one was obtained.
type AIResult struct {
	BotScore float64 `json:"bot_score"`
	IsBot    bool    `json:"is_bot"`
}

// Result is the scoring outcome for a request.
type Result struct {
	Score    float64       `json:"score"`
	Bucket   Bucket        `json:"bucket"`
	Decision config.Action `json:"decision"`
	Reasons  []RuleResult  `json:"reasons,omitempty"`
	AI       *AIResult     `json:"aiResult,omitempty"`
	// AIFailed is set when a classifier call was attempted and errored;
	// the score above is then heuristic-only.
	AIFailed bool `json:"-"`
}

// Guard scores requests. The zero classifier means heuristics only.
type Guard struct {
	classifier *Classifier
}

// New creates a Guard. classifier may be nil when no AI endpoint is
// configured.
func New(classifier *Classifier) *Guard {
	return &Guard{classifier: classifier}
}

// Allowed builds the terminal result for an allowlisted caller.
func Allowed(reason string) Result {
	return Result{
		Score:    0,
		Bucket:   BucketLow,
		Decision: config.ActionAllow,
		Reasons: []RuleResult{{
			Rule: reason, Triggered: true,
			Explanation: "short-circuit: " + reason,
		}},
	}
}

// Blocked builds the terminal result for a blocklisted caller.
func Blocked() Result {
	return Result{
		Score:    1,
		Bucket:   BucketHigh,
		Decision: config.ActionBlock,
		Reasons: []RuleResult{{
			Rule: "blocklist", Weight: 1, Triggered: true,
			Explanation: "ip hash is blocklisted for this policy",
		}},
	}
}

// ValidatedHuman is the result for callers carrying a valid challenge
// token; heuristics are skipped entirely.
func ValidatedHuman() Result {
	return Result{
		Score:    0,
		Bucket:   BucketLow,
		Decision: config.ActionAllow,
		Reasons: []RuleResult{{
			Rule: "challenge_token", Triggered: true,
			Explanation: "valid proof-of-human token for this ip hash",
		}},
	}
}

// inList reports whether the ip hash appears in the list.
func inList(ipHash string, list []string) bool {
	for _, h := range list {
		if h == ipHash {
			return true
		}
	}
	return false
}

// GetBucket maps a score to a bucket. The medium boundary is
// thresholds.Low; thresholds.Medium is advisory and surfaced only in
// metrics, never used for classification.
func GetBucket(score float64, t config.Thresholds) Bucket {
	switch {
	case score >= t.High:
		return BucketHigh
	case score >= t.Low:
		return BucketMedium
	default:
		return BucketLow
	}
}

// decisionFor maps a bucket to the configured action, with conservative
// defaults when the config leaves an action empty.
func decisionFor(bucket Bucket, actions config.BucketActions) config.Action {
	var a config.Action
	switch bucket {
	case BucketHigh:
		a = actions.High
		if a == "" {
			a = config.ActionBlock
		}
	case BucketMedium:
		a = actions.Medium
		if a == "" {
			a = config.ActionChallenge
		}
	default:
		a = actions.Low
		if a == "" {
			a = config.ActionAllow
		}
	}
	return a
}

// Score runs the full pipeline for one request: lists, heuristics, then
// the optional AI blend. policy may be nil when no policy matched. A
// disabled guard allows everything; its zero-value thresholds must never
// reach bucketing.
func (g *Guard) Score(ctx context.Context, f *features.Features, cfg config.BotGuardConfig, policy *config.RoutePolicy) Result {
	if !cfg.Enabled {
		return Result{Bucket: BucketLow, Decision: config.ActionAllow}
	}

	// Allow/block lists are terminal; blocklist dominates.
	if policy != nil {
		if inList(f.IPHash, policy.IPBlocklist) {
			return Blocked()
		}
		if inList(f.IPHash, policy.IPAllowlist) {
			return Allowed("allowlist")
		}
	}

	res := scoreHeuristics(f, cfg)

	if cfg.UseAIClassifier && g.classifier != nil {
		if ai, err := g.classifier.Classify(ctx, f, cfg.AITimeout()); err == nil {
			// Blend: heuristics dominate, the classifier refines.
			res.AI = ai
			res.Score = clamp01(0.6*res.Score + 0.4*ai.BotScore)
			res.Bucket = GetBucket(res.Score, cfg.Thresholds)
			res.Decision = decisionFor(res.Bucket, cfg.Actions)
		} else {
			// Fall back to the heuristic result unchanged.
			res.AIFailed = true
		}
	}

	return res
}

// scoreHeuristics evaluates the rule ensemble.
func scoreHeuristics(f *features.Features, cfg config.BotGuardConfig) Result {
	var score float64
	reasons := make([]RuleResult, 0, len(rules))

	for _, rule := range rules {
		triggered := rule.Triggered(f)
		reasons = append(reasons, RuleResult{
			Rule:        rule.ID,
			Weight:      rule.Weight,
			Triggered:   triggered,
			Explanation: rule.Explanation,
		})
		if triggered {
			score += rule.Weight
		}
	}
	score = clamp01(score)

	bucket := GetBucket(score, cfg.Thresholds)
	return Result{
		Score:    score,
		Bucket:   bucket,
		Decision: decisionFor(bucket, cfg.Actions),
		Reasons:  reasons,
	}
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// TriggeredReasons filters a result's reasons to the triggered ones; the
// metric record carries only these.
func TriggeredReasons(res Result) []string {
	var out []string
	for _, r := range res.Reasons {
		if r.Triggered {
			out = append(out, r.Rule)
		}
	}
	return out
}
