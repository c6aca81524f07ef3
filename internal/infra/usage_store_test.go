package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterlit/sitecap/internal/domain"
)

func newTestStore(t *testing.T) *UsageStore {
	t.Helper()
	kp := NewFileKeyProvider(t.TempDir())
	key, err := kp.EnsureKey()
	require.NoError(t, err)

	store, err := NewUsageStore(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUsageStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), "social.example")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUsageStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	updated := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, domain.UsageRecord{
		Site: "social.example", TimeSpent: 120, TimeLimit: 600, LastUpdated: updated,
	}))

	rec, err := store.Get(ctx, "social.example")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 120, rec.TimeSpent)
	assert.Equal(t, 600, rec.TimeLimit)
	assert.True(t, rec.LastUpdated.Equal(updated))
}

func TestUsageStore_PutReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := domain.UsageRecord{Site: "social.example", TimeSpent: 1, TimeLimit: 600, LastUpdated: time.Now()}
	require.NoError(t, store.Put(ctx, rec))
	rec.TimeSpent = 2
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "social.example")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TimeSpent)
}

func TestUsageStore_All(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, domain.UsageRecord{Site: "a.example", TimeSpent: 5, TimeLimit: 60, LastUpdated: now.Add(-time.Hour)}))
	require.NoError(t, store.Put(ctx, domain.UsageRecord{Site: "b.example", TimeSpent: 9, TimeLimit: 60, LastUpdated: now}))

	recs, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.SiteID("b.example"), recs[0].Site, "most recent first")
}

func TestUsageStore_Meta(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.GetMeta(ctx, "device_id")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetMeta(ctx, "device_id", "dev-1"))
	v, err = store.GetMeta(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", v)
}

func TestFileKeyProvider_EnsureKeyStable(t *testing.T) {
	kp := NewFileKeyProvider(t.TempDir())
	assert.False(t, kp.KeyExists())

	k1, err := kp.EnsureKey()
	require.NoError(t, err)
	require.Len(t, k1, keySize)
	assert.True(t, kp.KeyExists())

	k2, err := kp.EnsureKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
