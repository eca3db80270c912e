// Package cachekey derives stable cache keys from HTTP requests.
//
// Two requests that differ only in query-parameter order, trailing slash on a
// non-root path, or JSON body key order produce the same key. The per-source
// vary-headers list controls which request headers participate.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultVaryHeaders is the set of header names that participate in key
// derivation when the source does not configure its own list.
//
//nolint:gochecknoglobals
var DefaultVaryHeaders = []string{"accept", "content-type", "x-api-version"}

// Input holds everything that identifies a proxied request.
type Input struct {
	Method      string
	URL         string
	Body        string
	Headers     map[string]string
	SourceID    string
	VaryHeaders []string
}

// canonical is the shape that gets hashed. Field order is fixed by the struct
// so the serialized form is deterministic.
type canonical struct {
	Method   string             `json:"method"`
	URL      string             `json:"url"`
	Body     *string            `json:"body"`
	Headers  *map[string]string `json:"headers"`
	SourceID string             `json:"source_id,omitempty"`
}

// ForSource derives the cache key for a request against a source. When
// dedicated is true the source id becomes part of the key, isolating the
// entry to that source; shared sources omit it so siblings in the same pool
// hit each other's entries.
func ForSource(in Input, dedicated bool) string {
	c := canonical{
		Method:  strings.ToUpper(in.Method),
		URL:     NormalizeURL(in.URL),
		Body:    normalizeBody(in.Body),
		Headers: selectHeaders(in.Headers, in.VaryHeaders),
	}

	if dedicated {
		c.SourceID = in.SourceID
	}

	// Marshaling a fixed struct cannot fail.
	payload, _ := json.Marshal(c)

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}

// BodyFingerprint returns the hash of the normalized request body, used for
// audit only. It returns empty for an empty body.
func BodyFingerprint(body string) string {
	if body == "" {
		return ""
	}

	nb := normalizeBody(body)
	if nb == nil {
		return ""
	}

	sum := sha256.Sum256([]byte(*nb))

	return hex.EncodeToString(sum[:])
}

// NormalizeURL sorts query parameters lexicographically by name (stable for
// duplicate names) and collapses a trailing slash on a non-root path. Scheme,
// host and path case are preserved.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		u.RawQuery = sortQuery(u.RawQuery)
	}

	return u.String()
}

type queryPair struct {
	name  string
	value string
	pos   int
}

// sortQuery orders parameters by name keeping the original relative order of
// duplicates. url.Values loses duplicate ordering, so the raw query is parsed
// by hand.
func sortQuery(rawQuery string) string {
	parts := strings.Split(rawQuery, "&")

	pairs := make([]queryPair, 0, len(parts))

	for i, part := range parts {
		if part == "" {
			continue
		}

		name, value, _ := strings.Cut(part, "=")
		pairs = append(pairs, queryPair{name: name, value: value, pos: i})
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	var sb strings.Builder

	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}

		sb.WriteString(p.name)

		if p.value != "" || strings.Contains(parts[p.pos], "=") {
			sb.WriteByte('=')
			sb.WriteString(p.value)
		}
	}

	return sb.String()
}

// normalizeBody re-serializes a JSON body in canonical form (object keys
// sorted) so key order does not change the fingerprint. Non-JSON bodies are
// kept verbatim; an absent body stays nil.
func normalizeBody(body string) *string {
	if body == "" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return &body
	}

	out, err := json.Marshal(v)
	if err != nil {
		return &body
	}

	s := string(out)

	return &s
}

// selectHeaders returns the intersection of the provided headers with the
// vary list, keys lowercased, or nil when nothing matches.
func selectHeaders(headers map[string]string, vary []string) *map[string]string {
	if len(headers) == 0 {
		return nil
	}

	if len(vary) == 0 {
		vary = DefaultVaryHeaders
	}

	varySet := make(map[string]struct{}, len(vary))
	for _, name := range vary {
		varySet[strings.ToLower(name)] = struct{}{}
	}

	selected := make(map[string]string)

	for name, value := range headers {
		ln := strings.ToLower(name)
		if _, ok := varySet[ln]; ok {
			selected[ln] = value
		}
	}

	if len(selected) == 0 {
		return nil
	}

	return &selected
}

// String implements fmt.Stringer for debugging.
func (in Input) String() string {
	return fmt.Sprintf("%s %s", strings.ToUpper(in.Method), in.URL)
}
