package cachestore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/lineage"
	"github.com/cachefront/cachefront/testhelper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now().UTC().Truncate(time.Second)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*cachestore.Store, *bun.DB, *clock) {
	t.Helper()

	db := testhelper.NewSQLiteDB(t)
	clk := newClock()
	store := cachestore.New(db, lineage.New(db), cachestore.WithTimeNow(clk.Now))

	return store, db, clk
}

func createApp(t *testing.T, db *bun.DB) *database.App {
	t.Helper()

	app := &database.App{
		ID:         uuid.NewString(),
		Name:       "test-app",
		APIKeyHash: uuid.NewString(),
		Role:       database.RoleAdmin,
		Active:     true,
		CreatedAt:  time.Now(),
	}

	_, err := db.NewInsert().Model(app).Exec(context.Background())
	require.NoError(t, err)

	return app
}

func createSource(t *testing.T, db *bun.DB, appID, name string, mutate func(*database.Source)) *database.Source {
	t.Helper()

	src := &database.Source{
		ID:          uuid.NewString(),
		AppID:       appID,
		Name:        name,
		BaseURL:     "https://api.example.com",
		AuthType:    database.AuthNone,
		Priority:    100,
		Active:      true,
		TimeoutMs:   30000,
		StorageMode: database.StorageDedicated,
		CreatedAt:   time.Now(),
	}

	if mutate != nil {
		mutate(src)
	}

	_, err := db.NewInsert().Model(src).Exec(context.Background())
	require.NoError(t, err)

	return src
}

func createPool(t *testing.T, db *bun.DB, appID, name string) *database.StoragePool {
	t.Helper()

	pool := &database.StoragePool{
		ID:        uuid.NewString(),
		AppID:     appID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	_, err := db.NewInsert().Model(pool).Exec(context.Background())
	require.NoError(t, err)

	return pool
}

func put(t *testing.T, store *cachestore.Store, src *database.Source, appID, key string, mutate func(*cachestore.PutInput)) *database.CacheEntry {
	t.Helper()

	in := cachestore.PutInput{
		AppID:          appID,
		CacheKey:       key,
		Method:         "GET",
		URL:            "https://api.example.com/v1/users",
		ResponseStatus: 200,
		ResponseBody:   []byte(`{"ok":true}`),
		ContentType:    "application/json",
	}

	if mutate != nil {
		mutate(&in)
	}

	entry, err := store.Put(context.Background(), src, in)
	require.NoError(t, err)

	return entry
}

func TestGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("miss on absent key", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		_, err := store.Get(ctx, app.ID, "nope", src, false)
		assert.ErrorIs(t, err, cachestore.ErrNotFound)
	})

	t.Run("round trip preserves the response", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) {
			in.ResponseHeaders = map[string]string{"x-request-id": "abc"}
			in.Tags = []string{"users"}
		})

		entry, err := store.Get(ctx, app.ID, "k1", src, false)
		require.NoError(t, err)

		assert.Equal(t, 200, entry.ResponseStatus)
		assert.Equal(t, []byte(`{"ok":true}`), entry.ResponseBody)
		assert.Equal(t, "application/json", entry.ContentType)
		assert.Equal(t, map[string]string{"x-request-id": "abc"}, entry.ResponseHeaders)
		assert.Equal(t, []string{"users"}, entry.Tags)
	})

	t.Run("hit counter is monotonic", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", nil)

		for want := int64(1); want <= 3; want++ {
			entry, err := store.Get(ctx, app.ID, "k1", src, false)
			require.NoError(t, err)
			assert.Equal(t, want, entry.HitCount)
			assert.NotNil(t, entry.LastHitAt)
		}
	})

	t.Run("expired entry is a miss", func(t *testing.T) {
		t.Parallel()

		store, db, clk := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) { in.TTLSeconds = 60 })

		_, err := store.Get(ctx, app.ID, "k1", src, false)
		require.NoError(t, err)

		clk.Advance(61 * time.Second)

		_, err = store.Get(ctx, app.ID, "k1", src, false)
		assert.ErrorIs(t, err, cachestore.ErrNotFound)
	})

	t.Run("includeStale returns the expired entry", func(t *testing.T) {
		t.Parallel()

		store, db, clk := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) { in.TTLSeconds = 60 })
		clk.Advance(61 * time.Second)

		entry, err := store.Get(ctx, app.ID, "k1", src, true)
		require.NoError(t, err)
		assert.True(t, entry.Expired(clk.Now()))
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		t.Parallel()

		store, db, clk := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		entry := put(t, store, src, app.ID, "k1", nil)
		assert.Nil(t, entry.ExpiresAt)

		clk.Advance(1000 * time.Hour)

		_, err := store.Get(ctx, app.ID, "k1", src, false)
		assert.NoError(t, err)
	})

	t.Run("shared source without a pool misses", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", func(s *database.Source) {
			s.StorageMode = database.StorageShared
		})

		_, err := store.Get(ctx, app.ID, "k1", src, false)
		assert.ErrorIs(t, err, cachestore.ErrNotFound)
	})
}

func TestPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("upsert twice leaves one row with a reset hit counter", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		first := put(t, store, src, app.ID, "k1", nil)

		_, err := store.Get(ctx, app.ID, "k1", src, false)
		require.NoError(t, err)

		second := put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) {
			in.ResponseBody = []byte(`{"ok":false}`)
		})

		assert.Equal(t, first.ID, second.ID)

		count, err := db.NewSelect().
			Model((*database.CacheEntry)(nil)).
			Where("app_id = ?", app.ID).
			Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		entry, err := store.Get(ctx, app.ID, "k1", src, false)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"ok":false}`), entry.ResponseBody)
		assert.Equal(t, int64(1), entry.HitCount)
	})

	t.Run("dedicated sources keep separate entries for the same key", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		srcA := createSource(t, db, app.ID, "users-a", nil)
		srcB := createSource(t, db, app.ID, "users-b", nil)

		put(t, store, srcA, app.ID, "k1", func(in *cachestore.PutInput) { in.ResponseBody = []byte("a") })
		put(t, store, srcB, app.ID, "k1", func(in *cachestore.PutInput) { in.ResponseBody = []byte("b") })

		entryA, err := store.Get(ctx, app.ID, "k1", srcA, false)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), entryA.ResponseBody)

		entryB, err := store.Get(ctx, app.ID, "k1", srcB, false)
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), entryB.ResponseBody)
	})

	t.Run("shared sources in one pool overwrite each other", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		pool := createPool(t, db, app.ID, "shared")

		shared := func(s *database.Source) {
			s.StorageMode = database.StorageShared
			s.StoragePoolID = &pool.ID
		}
		srcA := createSource(t, db, app.ID, "users-a", shared)
		srcB := createSource(t, db, app.ID, "users-b", shared)

		put(t, store, srcA, app.ID, "k1", func(in *cachestore.PutInput) { in.ResponseBody = []byte("a") })
		put(t, store, srcB, app.ID, "k1", func(in *cachestore.PutInput) { in.ResponseBody = []byte("b") })

		count, err := db.NewSelect().
			Model((*database.CacheEntry)(nil)).
			Where("app_id = ?", app.ID).
			Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		entry, err := store.Get(ctx, app.ID, "k1", srcA, false)
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), entry.ResponseBody)
		assert.Equal(t, srcB.ID, entry.SourceID)
	})

	t.Run("dedicated entry is invisible to a shared sibling", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		pool := createPool(t, db, app.ID, "shared")

		dedicated := createSource(t, db, app.ID, "users-a", nil)
		shared := createSource(t, db, app.ID, "users-b", func(s *database.Source) {
			s.StorageMode = database.StorageShared
			s.StoragePoolID = &pool.ID
		})

		put(t, store, dedicated, app.ID, "k1", nil)

		_, err := store.Get(ctx, app.ID, "k1", shared, false)
		assert.ErrorIs(t, err, cachestore.ErrNotFound)
	})

	t.Run("shared source without a pool fails", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", func(s *database.Source) {
			s.StorageMode = database.StorageShared
		})

		_, err := store.Put(ctx, src, cachestore.PutInput{
			AppID:          app.ID,
			CacheKey:       "k1",
			Method:         "GET",
			URL:            "https://api.example.com/v1/users",
			ResponseStatus: 200,
		})
		assert.ErrorIs(t, err, cachestore.ErrPoolRequired)
	})
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("by key", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", nil)
		put(t, store, src, app.ID, "k2", nil)

		n, err := store.InvalidateByKey(ctx, app.ID, "k1", "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.Get(ctx, app.ID, "k1", src, false)
		assert.ErrorIs(t, err, cachestore.ErrNotFound)

		_, err = store.Get(ctx, app.ID, "k2", src, false)
		assert.NoError(t, err)
	})

	t.Run("double invalidate is a no-op", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", nil)

		n, err := store.InvalidateByKey(ctx, app.ID, "k1", "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.InvalidateByKey(ctx, app.ID, "k1", "admin")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("by url prefix", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) {
			in.URL = "https://api.example.com/v1/users/1"
		})
		put(t, store, src, app.ID, "k2", func(in *cachestore.PutInput) {
			in.URL = "https://api.example.com/v1/users/2"
		})
		put(t, store, src, app.ID, "k3", func(in *cachestore.PutInput) {
			in.URL = "https://api.example.com/v1/orders/1"
		})

		n, err := store.InvalidateByURLPrefix(ctx, app.ID, "https://api.example.com/v1/users", "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = store.Get(ctx, app.ID, "k3", src, false)
		assert.NoError(t, err)
	})

	t.Run("by key prefix", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "aa-1", nil)
		put(t, store, src, app.ID, "aa-2", nil)
		put(t, store, src, app.ID, "bb-1", nil)

		n, err := store.InvalidateByKeyPrefix(ctx, app.ID, "aa-", "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("by tags", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", func(in *cachestore.PutInput) { in.Tags = []string{"users", "v1"} })
		put(t, store, src, app.ID, "k2", func(in *cachestore.PutInput) { in.Tags = []string{"users"} })
		put(t, store, src, app.ID, "k3", func(in *cachestore.PutInput) { in.Tags = []string{"orders"} })

		n, err := store.InvalidateByTags(ctx, app.ID, []string{"users", "v1"}, cachestore.TagMatchAll, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.InvalidateByTags(ctx, app.ID, []string{"users", "orders"}, cachestore.TagMatchAny, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("scoped to the app", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		appA := createApp(t, db)
		appB := createApp(t, db)
		srcA := createSource(t, db, appA.ID, "users", nil)
		srcB := createSource(t, db, appB.ID, "users", nil)

		put(t, store, srcA, appA.ID, "k1", nil)
		put(t, store, srcB, appB.ID, "k1", nil)

		n, err := store.InvalidateByKey(ctx, appA.ID, "k1", "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.Get(ctx, appB.ID, "k1", srcB, false)
		assert.NoError(t, err)
	})
}

func TestPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("purge expired then none remain expired", func(t *testing.T) {
		t.Parallel()

		store, db, clk := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "short", func(in *cachestore.PutInput) { in.TTLSeconds = 10 })
		put(t, store, src, app.ID, "long", func(in *cachestore.PutInput) { in.TTLSeconds = 3600 })
		put(t, store, src, app.ID, "forever", nil)

		clk.Advance(11 * time.Second)

		n, err := store.PurgeExpired(ctx, app.ID, nil, "cron")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		entries, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, ExpiredOnly: true})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, entries)

		_, err = store.Get(ctx, app.ID, "long", src, false)
		assert.NoError(t, err)
	})

	t.Run("purge all scoped to a pool", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		pool := createPool(t, db, app.ID, "shared")

		dedicated := createSource(t, db, app.ID, "users-a", nil)
		shared := createSource(t, db, app.ID, "users-b", func(s *database.Source) {
			s.StorageMode = database.StorageShared
			s.StoragePoolID = &pool.ID
		})

		put(t, store, dedicated, app.ID, "k1", nil)
		put(t, store, shared, app.ID, "k2", nil)

		n, err := store.PurgeAll(ctx, app.ID, &pool.ID, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.Get(ctx, app.ID, "k1", dedicated, false)
		assert.NoError(t, err)
	})

	t.Run("purge all for the app", func(t *testing.T) {
		t.Parallel()

		store, db, _ := newStore(t)
		app := createApp(t, db)
		src := createSource(t, db, app.ID, "users", nil)

		put(t, store, src, app.ID, "k1", nil)
		put(t, store, src, app.ID, "k2", nil)

		n, err := store.PurgeAll(ctx, app.ID, nil, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID})
		require.NoError(t, err)
		assert.Zero(t, total)
	})
}

func TestBulkUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, db, clk := newStore(t)
	app := createApp(t, db)
	src := createSource(t, db, app.ID, "users", nil)

	e1 := put(t, store, src, app.ID, "k1", nil)
	e2 := put(t, store, src, app.ID, "k2", func(in *cachestore.PutInput) { in.TTLSeconds = 3600 })

	ttl := 60
	n, err := store.BulkUpdate(ctx, app.ID, []string{e1.ID, e2.ID}, []string{"batch"}, &ttl, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := store.GetByID(ctx, app.ID, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch"}, got.Tags)
	assert.Equal(t, 60, got.TTLSeconds)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, clk.Now().Add(time.Minute), *got.ExpiresAt, time.Second)

	// ttl 0 clears the expiry.
	zero := 0
	n, err = store.BulkUpdate(ctx, app.ID, []string{e2.ID}, nil, &zero, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = store.GetByID(ctx, app.ID, e2.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)

	// nothing requested is a no-op.
	n, err = store.BulkUpdate(ctx, app.ID, []string{e1.ID}, nil, nil, "admin")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, db, clk := newStore(t)
	app := createApp(t, db)
	pool := createPool(t, db, app.ID, "shared")

	dedicated := createSource(t, db, app.ID, "users", nil)
	shared := createSource(t, db, app.ID, "orders", func(s *database.Source) {
		s.StorageMode = database.StorageShared
		s.StoragePoolID = &pool.ID
	})

	put(t, store, dedicated, app.ID, "k1", func(in *cachestore.PutInput) {
		in.URL = "https://api.example.com/v1/users/1"
		in.TTLSeconds = 10
	})
	put(t, store, dedicated, app.ID, "k2", func(in *cachestore.PutInput) {
		in.URL = "https://api.example.com/v1/users/2"
	})
	put(t, store, shared, app.ID, "k3", func(in *cachestore.PutInput) {
		in.URL = "https://api.example.com/v1/orders/1"
	})

	_, err := store.Get(ctx, app.ID, "k2", dedicated, false)
	require.NoError(t, err)

	t.Run("all", func(t *testing.T) {
		t.Parallel()

		entries, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, entries, 3)
	})

	t.Run("by source", func(t *testing.T) {
		t.Parallel()

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, SourceID: shared.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("by pool", func(t *testing.T) {
		t.Parallel()

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, Pool: pool.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("dedicated only", func(t *testing.T) {
		t.Parallel()

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, Pool: cachestore.PoolDedicatedOnly})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("search", func(t *testing.T) {
		t.Parallel()

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, Search: "orders"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("hit range", func(t *testing.T) {
		t.Parallel()

		one := int64(1)

		_, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, MinHits: &one})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("expired only", func(t *testing.T) {
		clk.Advance(11 * time.Second)

		entries, total, err := store.List(ctx, cachestore.Filter{AppID: app.ID, ExpiredOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, "k1", entries[0].CacheKey)
	})

	t.Run("sorted by hit count", func(t *testing.T) {
		t.Parallel()

		entries, _, err := store.List(ctx, cachestore.Filter{
			AppID:    app.ID,
			SortBy:   "hit_count",
			SortDesc: true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "k2", entries[0].CacheKey)
	})
}

func TestSavings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, db, _ := newStore(t)
	app := createApp(t, db)
	src := createSource(t, db, app.ID, "users", func(s *database.Source) {
		s.CostPerRequest = 0.25
	})

	put(t, store, src, app.ID, "k1", nil)

	for range 4 {
		_, err := store.Get(ctx, app.ID, "k1", src, false)
		require.NoError(t, err)
	}

	rows, err := store.Savings(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, src.ID, rows[0].SourceID)
	assert.Equal(t, int64(4), rows[0].Hits)
	assert.InDelta(t, 1.0, rows[0].Saved, 0.0001)
}
