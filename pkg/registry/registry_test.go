package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/registry"
	"github.com/cachefront/cachefront/pkg/secrets"
	"github.com/cachefront/cachefront/testhelper"
)

func newRegistry(t *testing.T) (*registry.Registry, *bun.DB) {
	t.Helper()

	db := testhelper.NewSQLiteDB(t)

	cipher, err := secrets.NewAESGCM("test-secret")
	require.NoError(t, err)

	return registry.New(db, cipher), db
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

func TestCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("defaults are applied", func(t *testing.T) {
		t.Parallel()

		reg, db := newRegistry(t)
		app := createApp(t, db)

		src, err := reg.Create(ctx, app.ID, registry.CreateInput{
			Name:    "payments",
			BaseURL: "https://payments.example.com",
		})
		require.NoError(t, err)

		assert.Equal(t, database.AuthNone, src.AuthType)
		assert.Equal(t, 100, src.Priority)
		assert.Equal(t, 30000, src.TimeoutMs)
		assert.Equal(t, 5, src.BreakerThreshold)
		assert.Equal(t, database.StorageDedicated, src.StorageMode)
		assert.Equal(t, database.SelectionPriority, src.SelectionMode)
		assert.Equal(t, database.FallbackNone, src.FallbackMode)
		assert.True(t, src.Active)
		assert.NotEmpty(t, src.VaryHeaders)
	})

	t.Run("credentials are encrypted at rest and decrypt on materialize", func(t *testing.T) {
		t.Parallel()

		reg, db := newRegistry(t)
		app := createApp(t, db)

		src, err := reg.Create(ctx, app.ID, registry.CreateInput{
			Name:     "payments",
			BaseURL:  "https://payments.example.com",
			AuthType: database.AuthBearer,
			Credentials: &registry.Credentials{
				Token: "super-secret-token",
			},
			CustomHeaders: map[string]string{"X-Partner-Id": "42"},
		})
		require.NoError(t, err)

		require.NotEmpty(t, src.AuthCredentials)
		assert.NotContains(t, src.AuthCredentials, "super-secret-token")
		assert.NotContains(t, src.CustomHeaders, "X-Partner-Id")

		m, err := reg.Materialize(src)
		require.NoError(t, err)
		assert.Equal(t, "super-secret-token", m.Credentials.Token)
		assert.Equal(t, "42", m.CustomHeaders["X-Partner-Id"])
	})

	t.Run("shared mode requires a pool", func(t *testing.T) {
		t.Parallel()

		reg, db := newRegistry(t)
		app := createApp(t, db)

		_, err := reg.Create(ctx, app.ID, registry.CreateInput{
			Name:        "payments",
			BaseURL:     "https://payments.example.com",
			StorageMode: database.StorageShared,
		})
		assert.ErrorIs(t, err, registry.ErrPoolRequired)
	})

	t.Run("demo cap is enforced and audited", func(t *testing.T) {
		t.Parallel()

		reg, db := newRegistry(t)
		app := createApp(t, db)

		for _, name := range []string{"one", "two"} {
			_, err := reg.Create(ctx, app.ID, registry.CreateInput{
				Name:    name,
				BaseURL: "https://" + name + ".example.com",
			})
			require.NoError(t, err)
		}

		_, err := reg.Create(ctx, app.ID, registry.CreateInput{
			Name:    "three",
			BaseURL: "https://three.example.com",
		})
		require.ErrorIs(t, err, registry.ErrDemoLimitExceeded)

		var audits []database.AuditRecord
		require.NoError(t, db.NewSelect().
			Model(&audits).
			Where("app_id = ?", app.ID).
			Where("action = ?", "demo_limit_exceeded").
			Scan(ctx))
		require.Len(t, audits, 1)
		assert.Equal(t, "2", audits[0].Details["existing"])
	})

	t.Run("bulk create counts fully against the cap", func(t *testing.T) {
		t.Parallel()

		reg, db := newRegistry(t)
		app := createApp(t, db)

		_, err := reg.Create(ctx, app.ID, registry.CreateInput{
			Name:    "one",
			BaseURL: "https://one.example.com",
		})
		require.NoError(t, err)

		_, err = reg.CreateMany(ctx, app.ID, []registry.CreateInput{
			{Name: "two", BaseURL: "https://two.example.com"},
			{Name: "three", BaseURL: "https://three.example.com"},
		})
		assert.ErrorIs(t, err, registry.ErrDemoLimitExceeded)
	})
}

func TestResolveByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reg, db := newRegistry(t)
	app := createApp(t, db)

	siblings, err := reg.CreateMany(ctx, app.ID, []registry.CreateInput{
		{Name: "geo", CanonicalName: "geo", BaseURL: "https://geo-a.example.com", Priority: 10},
		{Name: "geo - 2", CanonicalName: "geo", BaseURL: "https://geo-b.example.com", Priority: 20},
	})
	require.NoError(t, err)
	require.Len(t, siblings, 2)

	t.Run("resolves all siblings in priority order", func(t *testing.T) {
		resolved, err := reg.ResolveByName(ctx, app.ID, "geo")
		require.NoError(t, err)
		require.Len(t, resolved, 2)
		assert.Equal(t, "geo", resolved[0].Name)
		assert.Equal(t, "geo - 2", resolved[1].Name)
	})

	t.Run("sibling name matches without the canonical column", func(t *testing.T) {
		_, err := db.NewUpdate().
			Model((*database.Source)(nil)).
			Set("canonical_name = ''").
			Where("app_id = ?", app.ID).
			Exec(ctx)
		require.NoError(t, err)

		resolved, err := reg.ResolveByName(ctx, app.ID, "geo")
		require.NoError(t, err)
		assert.Len(t, resolved, 2)
	})

	t.Run("unknown name resolves to nothing", func(t *testing.T) {
		resolved, err := reg.ResolveByName(ctx, app.ID, "nope")
		require.NoError(t, err)
		assert.Empty(t, resolved)
	})

	t.Run("inactive sources are excluded", func(t *testing.T) {
		_, err := db.NewUpdate().
			Model((*database.Source)(nil)).
			Set("active = ?", false).
			Where("id = ?", siblings[1].ID).
			Exec(ctx)
		require.NoError(t, err)

		resolved, err := reg.ResolveByName(ctx, app.ID, "geo")
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, "geo", resolved[0].Name)
	})
}

func TestOrderCandidates(t *testing.T) {
	t.Parallel()

	candidates := []database.Source{
		{Name: "a", BaseURL: "https://a.example.com"},
		{Name: "b", BaseURL: "https://b.example.com"},
	}

	t.Run("host match moves to the front", func(t *testing.T) {
		t.Parallel()

		ordered := registry.OrderCandidates(candidates, "https://b.example.com/items")
		assert.Equal(t, "b", ordered[0].Name)
		assert.Equal(t, "a", ordered[1].Name)
	})

	t.Run("relative URL keeps the priority order", func(t *testing.T) {
		t.Parallel()

		ordered := registry.OrderCandidates(candidates, "/items")
		assert.Equal(t, "a", ordered[0].Name)
	})
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()

	reg, db := newRegistry(t)
	app := createApp(t, db)

	assert.Equal(t, 0, reg.RoundRobinIndex(app.ID, "geo", 3))

	// The index does not move until an advance.
	assert.Equal(t, 0, reg.RoundRobinIndex(app.ID, "geo", 3))

	reg.RoundRobinAdvance(app.ID, "geo")
	assert.Equal(t, 1, reg.RoundRobinIndex(app.ID, "geo", 3))

	reg.RoundRobinAdvance(app.ID, "geo")
	reg.RoundRobinAdvance(app.ID, "geo")
	assert.Equal(t, 0, reg.RoundRobinIndex(app.ID, "geo", 3))

	// Counters are independent per canonical name.
	assert.Equal(t, 0, reg.RoundRobinIndex(app.ID, "other", 3))
}

func TestUpdateStorageMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reg, db := newRegistry(t)
	app := createApp(t, db)

	src, err := reg.Create(ctx, app.ID, registry.CreateInput{
		Name:    "items",
		BaseURL: "https://items.example.com",
	})
	require.NoError(t, err)

	entry := &database.CacheEntry{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		SourceID:       src.ID,
		CacheKey:       "k1",
		Method:         "GET",
		URL:            "https://items.example.com/1",
		ResponseStatus: 200,
		CreatedAt:      time.Now(),
	}
	_, err = db.NewInsert().Model(entry).Exec(ctx)
	require.NoError(t, err)

	t.Run("moving to shared auto-creates a pool and migrates entries", func(t *testing.T) {
		updated, err := reg.UpdateStorageMode(ctx, app.ID, src.ID, database.StorageShared, nil)
		require.NoError(t, err)

		assert.Equal(t, database.StorageShared, updated.StorageMode)
		require.NotNil(t, updated.StoragePoolID)

		var migrated database.CacheEntry
		require.NoError(t, db.NewSelect().
			Model(&migrated).
			Where("id = ?", entry.ID).
			Scan(ctx))
		require.NotNil(t, migrated.StoragePoolID)
		assert.Equal(t, *updated.StoragePoolID, *migrated.StoragePoolID)
	})

	t.Run("moving back to dedicated clears the entry pool", func(t *testing.T) {
		updated, err := reg.UpdateStorageMode(ctx, app.ID, src.ID, database.StorageDedicated, nil)
		require.NoError(t, err)

		assert.Equal(t, database.StorageDedicated, updated.StorageMode)

		var migrated database.CacheEntry
		require.NoError(t, db.NewSelect().
			Model(&migrated).
			Where("id = ?", entry.ID).
			Scan(ctx))
		assert.Nil(t, migrated.StoragePoolID)
	})
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reg, db := newRegistry(t)
	app := createApp(t, db)

	src, err := reg.Create(ctx, app.ID, registry.CreateInput{
		Name:    "items",
		BaseURL: "https://items.example.com",
	})
	require.NoError(t, err)

	priority := 7
	kill := true

	updated, err := reg.Update(ctx, app.ID, src.ID, registry.UpdateInput{
		Priority:   &priority,
		KillSwitch: &kill,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, updated.Priority)
	assert.True(t, updated.KillSwitch)
	// Untouched fields keep their stored values.
	assert.Equal(t, "items", updated.Name)
	assert.Equal(t, "https://items.example.com", updated.BaseURL)
	assert.NotNil(t, updated.UpdatedAt)

	_, err = reg.Update(ctx, app.ID, uuid.NewString(), registry.UpdateInput{Priority: &priority})
	assert.ErrorIs(t, err, registry.ErrSourceNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reg, db := newRegistry(t)
	app := createApp(t, db)

	src, err := reg.Create(ctx, app.ID, registry.CreateInput{
		Name:    "items",
		BaseURL: "https://items.example.com",
	})
	require.NoError(t, err)

	entry := &database.CacheEntry{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		SourceID:       src.ID,
		CacheKey:       "k1",
		Method:         "GET",
		URL:            "https://items.example.com/1",
		ResponseStatus: 200,
		CreatedAt:      time.Now(),
	}
	_, err = db.NewInsert().Model(entry).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, app.ID, src.ID))

	_, err = reg.GetByID(ctx, app.ID, src.ID)
	assert.ErrorIs(t, err, registry.ErrSourceNotFound)

	count, err := db.NewSelect().
		Model((*database.CacheEntry)(nil)).
		Where("source_id = ?", src.ID).
		Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
