// Package challenge detects bot-protection interstitials in upstream
// responses. Detection is a signature catalog over body and content type; it
// is fragile by nature, so new providers are added as table rows.
package challenge

import (
	"regexp"
	"strings"
)

// Detection names the provider whose challenge page intercepted the request.
type Detection struct {
	Provider string
	Message  string
}

type signature struct {
	provider string
	pattern  *regexp.Regexp
	message  string
}

//nolint:gochecknoglobals
var signatures = []signature{
	{
		provider: "cloudflare",
		pattern:  regexp.MustCompile(`(?i)cf-browser-verification|cf_chl_|challenge-platform|cloudflare.+(checking your browser|attention required)`),
		message:  "Cloudflare browser verification page",
	},
	{
		provider: "aws-waf",
		pattern:  regexp.MustCompile(`(?i)awswaf|aws-waf-token|x-amzn-waf`),
		message:  "AWS WAF challenge page",
	},
	{
		provider: "akamai",
		pattern:  regexp.MustCompile(`(?i)ak_bmsc|akamai.+(bot ?manager|reference #)|_abck`),
		message:  "Akamai Bot Manager challenge page",
	},
	{
		provider: "imperva",
		pattern:  regexp.MustCompile(`(?i)incapsula|_incap_|imperva|visid_incap`),
		message:  "Imperva Incapsula challenge page",
	},
	{
		provider: "sucuri",
		pattern:  regexp.MustCompile(`(?i)sucuri\s*website\s*firewall|sucuri_cloudproxy`),
		message:  "Sucuri WebSite Firewall block page",
	},
	{
		provider: "generic",
		pattern:  regexp.MustCompile(`(?i)<title>\s*(access denied|just a moment|verifying you are human|security check)`),
		message:  "generic bot-protection interstitial",
	},
}

// detectLimit bounds how much of the body is scanned; challenge pages put
// their markers near the top.
const detectLimit = 64 * 1024

// Detect scans an upstream response for a challenge signature. When the
// request asked for JSON (accept), an HTML body is flagged too, which is how
// most interstitials present on API endpoints. Nil means no challenge
// detected.
func Detect(body []byte, contentType, accept string) *Detection {
	if len(body) == 0 {
		return nil
	}

	if len(body) > detectLimit {
		body = body[:detectLimit]
	}

	for _, sig := range signatures {
		if sig.pattern.Match(body) {
			return &Detection{Provider: sig.provider, Message: sig.message}
		}
	}

	if strings.Contains(strings.ToLower(accept), "json") && htmlDocument(body, contentType) {
		return &Detection{
			Provider: "generic",
			Message:  "HTML response on a JSON endpoint",
		}
	}

	return nil
}

// htmlDocument reports an HTML document served where JSON was requested. A
// JSON body never starts with an HTML tag.
func htmlDocument(body []byte, contentType string) bool {
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return false
	}

	trimmed := strings.TrimSpace(string(body[:min(len(body), 512)]))
	lower := strings.ToLower(trimmed)

	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}
