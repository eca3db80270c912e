package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/registry"
)

// maxResponseBody caps how much of an upstream response is read.
const maxResponseBody = 32 << 20

// hopByHopHeaders are never forwarded in either direction.
//
//nolint:gochecknoglobals
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// browserHeaders impersonate a desktop browser for sources that opted into
// bot-detection bypass.
//
//nolint:gochecknoglobals
var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept-Language":           "en-US,en;q=0.9",
	"Sec-Ch-Ua":                 `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Upgrade-Insecure-Requests": "1",
}

// UpstreamResponse is the upstream reply, body fully read.
type UpstreamResponse struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// Client dispatches requests to upstream sources with the source's decrypted
// auth and timeout applied.
type Client struct {
	httpClient *http.Client
}

// NewClient returns an upstream client. Per-request timeouts come from the
// source, so the inner client carries none.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// TargetURL resolves the request URL against the source's base URL. An
// absolute URL on the same host is used as-is; anything else contributes only
// its path and query to a join with the base.
func TargetURL(baseURL, requestURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("error parsing the base url %q: %w", baseURL, err)
	}

	req, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("error parsing the request url %q: %w", requestURL, err)
	}

	if req.Host != "" && req.Host == base.Host {
		return req.String(), nil
	}

	joined := *base
	joined.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	joined.RawQuery = req.RawQuery

	return joined.String(), nil
}

// Fetch performs one upstream call for the materialized source. The source's
// timeout bounds the call; forwarded headers are merged with the source's
// stored headers and auth, and optionally with browser-impersonation headers.
func (c *Client) Fetch(
	ctx context.Context,
	src *registry.Materialized,
	method, targetURL, body string,
	headers map[string]string,
	browser bool,
) (*UpstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(src.TimeoutMs)*time.Millisecond)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating the upstream request: %w", err)
	}

	for name, value := range headers {
		if forwardable(name) {
			req.Header.Set(name, value)
		}
	}

	for name, value := range src.CustomHeaders {
		req.Header.Set(name, value)
	}

	applyAuth(req, src)

	if browser {
		for name, value := range browserHeaders {
			req.Header.Set(name, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling the upstream: %w", err)
	}
	defer func() {
		//nolint:errcheck
		resp.Body.Close()
	}()

	// Read one byte past the cap so an at-limit body is distinguishable
	// from an over-limit one.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("error reading the upstream response: %w", err)
	}

	if len(respBody) > maxResponseBody {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrResponseTooLarge, targetURL, maxResponseBody)
	}

	respHeaders := make(map[string]string, len(resp.Header))

	for name := range resp.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}

		respHeaders[name] = resp.Header.Get(name)
	}

	return &UpstreamResponse{
		Status:      resp.StatusCode,
		Headers:     respHeaders,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// forwardable excludes hop-by-hop headers and the proxy's own credentials
// from what reaches the upstream.
func forwardable(name string) bool {
	lower := strings.ToLower(name)

	if _, hop := hopByHopHeaders[lower]; hop {
		return false
	}

	switch lower {
	case "x-api-key", "authorization", "host", "x-cache-refresh", "x-cache-ttl":
		return false
	}

	return true
}

func applyAuth(req *http.Request, src *registry.Materialized) {
	switch src.AuthType {
	case database.AuthBearer:
		if src.Credentials.Token != "" {
			req.Header.Set("Authorization", "Bearer "+src.Credentials.Token)
		}
	case database.AuthAPIKey:
		name := src.Credentials.HeaderName
		if name == "" {
			name = "X-API-Key"
		}

		if src.Credentials.Key != "" {
			req.Header.Set(name, src.Credentials.Key)
		}
	case database.AuthBasic:
		if src.Credentials.Username != "" || src.Credentials.Password != "" {
			req.SetBasicAuth(src.Credentials.Username, src.Credentials.Password)
		}
	}
}
