package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cachefront/cachefront/pkg/database"
)

// FindMock returns the first active mock response for the source matching the
// request, scanning by ascending priority. URL and body patterns are tried as
// regular expressions and fall back to substring matching when they do not
// compile. Nil means no mock applies.
func (e *Engine) FindMock(
	ctx context.Context,
	appID, sourceID, method, url, body string,
) (*database.MockResponse, error) {
	var mocks []database.MockResponse

	err := e.db.NewSelect().
		Model(&mocks).
		Where("app_id = ?", appID).
		Where("source_id = ?", sourceID).
		Where("active = ?", true).
		Order("priority ASC", "created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading the mock responses: %w", err)
	}

	for i := range mocks {
		mock := &mocks[i]

		if mock.Method != "" && mock.Method != "*" && !strings.EqualFold(mock.Method, method) {
			continue
		}

		if !matchPattern(mock.URLPattern, url) {
			continue
		}

		if mock.BodyPattern != "" && !matchPattern(mock.BodyPattern, body) {
			continue
		}

		return mock, nil
	}

	return nil, nil
}

func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString(value)
	}

	return strings.Contains(value, pattern)
}
