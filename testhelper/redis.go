package testhelper

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewRedis starts an in-process miniredis and returns a connected client.
func NewRedis(t *testing.T) (goredis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()

	srv, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(srv.Close)

	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})

	t.Cleanup(func() {
		//nolint:errcheck
		client.Close()
	})

	return client, srv
}
