package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/dispatch"
	"github.com/cachefront/cachefront/pkg/registry"
)

func TestTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		request string
		want    string
	}{
		{
			name:    "path joins onto the base",
			base:    "https://api.example.com",
			request: "/items/9",
			want:    "https://api.example.com/items/9",
		},
		{
			name:    "base path is kept",
			base:    "https://api.example.com/v2/",
			request: "items/9",
			want:    "https://api.example.com/v2/items/9",
		},
		{
			name:    "query survives the join",
			base:    "https://api.example.com",
			request: "/items?page=2&limit=5",
			want:    "https://api.example.com/items?page=2&limit=5",
		},
		{
			name:    "absolute url on the same host passes through",
			base:    "https://api.example.com",
			request: "https://api.example.com/items/9?x=1",
			want:    "https://api.example.com/items/9?x=1",
		},
		{
			name:    "absolute url on another host contributes only its path",
			base:    "https://api.example.com",
			request: "https://other.example.net/items/9?x=1",
			want:    "https://api.example.com/items/9?x=1",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := dispatch.TargetURL(test.base, test.request)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestClientFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies bearer auth and custom headers", func(t *testing.T) {
		t.Parallel()

		var got http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			//nolint:errcheck
			w.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		src := &registry.Materialized{
			Source: database.Source{
				Name:      "items",
				AuthType:  database.AuthBearer,
				TimeoutMs: 5000,
			},
			Credentials:   registry.Credentials{Token: "sekret"},
			CustomHeaders: map[string]string{"X-Partner-Id": "42"},
		}

		resp, err := dispatch.NewClient().Fetch(ctx, src, "GET", server.URL+"/items", "", map[string]string{
			"Accept":        "application/json",
			"X-API-Key":     "client-key",
			"Authorization": "Bearer client-token",
		}, false)
		require.NoError(t, err)
		assert.Equal(t, 200, resp.Status)

		assert.Equal(t, "Bearer sekret", got.Get("Authorization"), "source auth wins")
		assert.Equal(t, "42", got.Get("X-Partner-Id"))
		assert.Equal(t, "application/json", got.Get("Accept"))
		assert.Empty(t, got.Get("X-API-Key"), "client credentials never reach the upstream")
	})

	t.Run("api key auth uses the configured header", func(t *testing.T) {
		t.Parallel()

		var got http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			//nolint:errcheck
			w.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		src := &registry.Materialized{
			Source: database.Source{
				Name:      "items",
				AuthType:  database.AuthAPIKey,
				TimeoutMs: 5000,
			},
			Credentials: registry.Credentials{Key: "sekret", HeaderName: "X-Upstream-Key"},
		}

		_, err := dispatch.NewClient().Fetch(ctx, src, "GET", server.URL, "", nil, false)
		require.NoError(t, err)
		assert.Equal(t, "sekret", got.Get("X-Upstream-Key"))
	})

	t.Run("browser headers on request", func(t *testing.T) {
		t.Parallel()

		var got http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			//nolint:errcheck
			w.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		src := &registry.Materialized{
			Source: database.Source{Name: "items", AuthType: database.AuthNone, TimeoutMs: 5000},
		}

		_, err := dispatch.NewClient().Fetch(ctx, src, "GET", server.URL, "", nil, true)
		require.NoError(t, err)
		assert.Contains(t, got.Get("User-Agent"), "Chrome")
		assert.Equal(t, "en-US,en;q=0.9", got.Get("Accept-Language"))
	})

	t.Run("over-limit body fails the call", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			//nolint:errcheck
			w.Write(make([]byte, (32<<20)+1))
		}))
		t.Cleanup(server.Close)

		src := &registry.Materialized{
			Source: database.Source{Name: "items", AuthType: database.AuthNone, TimeoutMs: 30000},
		}

		_, err := dispatch.NewClient().Fetch(ctx, src, "GET", server.URL, "", nil, false)
		assert.ErrorIs(t, err, dispatch.ErrResponseTooLarge)
	})

	t.Run("timeout fails the call", func(t *testing.T) {
		t.Parallel()

		blocked := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			<-blocked
		}))
		t.Cleanup(func() {
			close(blocked)
			server.Close()
		})

		src := &registry.Materialized{
			Source: database.Source{Name: "items", AuthType: database.AuthNone, TimeoutMs: 50},
		}

		_, err := dispatch.NewClient().Fetch(ctx, src, "GET", server.URL, "", nil, false)
		assert.Error(t, err)
	})
}
