package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachefront/cachefront/pkg/lock/local"
)

func TestTryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.New()

	ok, err := locker.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same key cannot be acquired while held.
	ok, err = locker.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are independent.
	ok, err = locker.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, locker.Unlock(ctx, "purge"))

	ok, err = locker.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
