package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cachefront/cachefront/pkg/database"
)

// piiPatterns is the detection catalog for personally identifiable
// information in response bodies. Matching is best-effort string scanning.
//
//nolint:gochecknoglobals
var piiPatterns = []*regexp.Regexp{
	// email addresses
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	// US social security numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// payment card numbers, 13-19 digits with optional separators
	regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
}

// checkCompliance evaluates region, then PII, then TOS rules for the source.
// It returns the blocking reason, or "" when the response may be cached.
func (e *Engine) checkCompliance(
	ctx context.Context,
	appID, sourceID string,
	req Request,
	resp Response,
) (string, error) {
	rule := new(database.ComplianceRule)

	err := e.db.NewSelect().
		Model(rule).
		Where("app_id = ?", appID).
		Where("source_id = ?", sourceID).
		Where("enabled = ?", true).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", fmt.Errorf("error loading the compliance rule: %w", err)
	}

	if blockedRegion(rule, req.Region) {
		return ReasonRegion, nil
	}

	if rule.BlockPII && containsPII(resp.Body) {
		return ReasonPII, nil
	}

	if matchesTOS(rule.TOSRules, req, resp) {
		return ReasonTOS, nil
	}

	return "", nil
}

// blockedRegion applies the deny list first, then the allow list. An empty
// allow list allows every region; an unknown region passes the allow list
// only when the list is empty.
func blockedRegion(rule *database.ComplianceRule, region string) bool {
	region = strings.ToUpper(strings.TrimSpace(region))

	for _, blocked := range rule.BlockedRegions {
		if strings.EqualFold(blocked, region) {
			return true
		}
	}

	if len(rule.AllowedRegions) == 0 {
		return false
	}

	for _, allowed := range rule.AllowedRegions {
		if strings.EqualFold(allowed, region) {
			return false
		}
	}

	return true
}

func containsPII(body []byte) bool {
	for _, pattern := range piiPatterns {
		if pattern.Match(body) {
			return true
		}
	}

	return false
}

// matchesTOS reports whether any TOS rule forbids caching this exchange. A
// rule matches when its URL pattern is a substring of the request URL, its
// method (empty = any) equals the request method, and its status code
// (0 = any) equals the response status.
func matchesTOS(rules []database.TOSRule, req Request, resp Response) bool {
	for _, rule := range rules {
		if rule.URLPattern != "" && !strings.Contains(req.URL, rule.URLPattern) {
			continue
		}

		if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
			continue
		}

		if rule.StatusCode != 0 && rule.StatusCode != resp.Status {
			continue
		}

		return true
	}

	return false
}
