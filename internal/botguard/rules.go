package botguard

import (
	"regexp"
	"strings"

	"github.com/teamy2/edgegate/internal/features"
)

// Rule is one independent heuristic. Weights of triggered rules are summed
// into the bot score.
type Rule struct {
	ID          string
	Weight      float64
	Explanation string
	Triggered   func(f *features.Features) bool
}

// badBots are case-insensitive substrings that mark automation tooling.
var badBots = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "httpx", "axios", "node-fetch", "go-http-client",
	"java/", "libwww", "headless", "phantom", "selenium", "puppeteer",
	"playwright",
}

// goodBots are well-known crawlers that are never penalised for their UA.
var goodBots = []string{
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"facebookexternalhit", "twitterbot", "linkedinbot", "slackbot",
	"discordbot",
}

var suspiciousAcceptLanguage = regexp.MustCompile(`^([a-z]{2}|\*)$`)

// matchesAny reports whether the lowercased input contains any pattern.
func matchesAny(lowered string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// IsBadBotUA reports whether the UA matches a bad-bot pattern without also
// matching a good-bot pattern.
func IsBadBotUA(ua string) bool {
	lowered := strings.ToLower(ua)
	return matchesAny(lowered, badBots) && !matchesAny(lowered, goodBots)
}

func pathDepth(path string) int {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

var unusualMethods = map[string]bool{"TRACE": true, "CONNECT": true, "OPTIONS": true}

// rules is the heuristic ensemble, evaluated independently per request.
var rules = []Rule{
	{
		ID: "missing_ua", Weight: 0.40,
		Explanation: "no User-Agent header",
		Triggered:   func(f *features.Features) bool { return f.UserAgent == "" },
	},
	{
		ID: "short_ua", Weight: 0.20,
		Explanation: "User-Agent shorter than any real browser",
		Triggered: func(f *features.Features) bool {
			return len(f.UserAgent) >= 1 && len(f.UserAgent) < 20
		},
	},
	{
		ID: "bot_ua_pattern", Weight: 0.50,
		Explanation: "User-Agent matches a known automation pattern",
		Triggered:   func(f *features.Features) bool { return IsBadBotUA(f.UserAgent) },
	},
	{
		ID: "missing_accept", Weight: 0.25,
		Explanation: "no Accept header",
		Triggered:   func(f *features.Features) bool { return !f.HasAcceptHeader },
	},
	{
		ID: "missing_accept_language", Weight: 0.20,
		Explanation: "no Accept-Language header",
		Triggered:   func(f *features.Features) bool { return f.AcceptLanguage == "" },
	},
	{
		ID: "suspicious_accept_language", Weight: 0.15,
		Explanation: "Accept-Language is a bare language code or wildcard",
		Triggered: func(f *features.Features) bool {
			return f.AcceptLanguage != "" && suspiciousAcceptLanguage.MatchString(f.AcceptLanguage)
		},
	},
	{
		ID: "few_headers", Weight: 0.20,
		Explanation: "fewer headers than any real browser sends",
		Triggered:   func(f *features.Features) bool { return f.HeaderCount < 5 },
	},
	{
		ID: "no_cookies_returning", Weight: 0.10,
		Explanation: "referred visit without any cookies",
		Triggered: func(f *features.Features) bool {
			return !f.HasCookies && f.Referer != ""
		},
	},
	{
		ID: "missing_accept_encoding", Weight: 0.15,
		Explanation: "no Accept-Encoding header",
		Triggered:   func(f *features.Features) bool { return f.AcceptEncoding == "" },
	},
	{
		ID: "deep_path_no_referer", Weight: 0.10,
		Explanation: "deep path reached without a referer",
		Triggered: func(f *features.Features) bool {
			return pathDepth(f.Path) > 2 && f.Referer == ""
		},
	},
	{
		ID: "unusual_method", Weight: 0.30,
		Explanation: "method rarely used by browsers",
		Triggered:   func(f *features.Features) bool { return unusualMethods[f.Method] },
	},
	{
		ID: "high_frequency", Weight: 0.35,
		Explanation: "request rate above human browsing patterns",
		Triggered:   func(f *features.Features) bool { return f.RequestsInWindow > 50 },
	},
}
