package replay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

func newTestStore(t *testing.T, keyPrefix string) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+mr.Addr(), keyPrefix)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	_, store := newTestStore(t, "replay")
	ctx := context.Background()

	marker := Marker{ReplayID: 42, CreatedDate: "2026-08-24T10:00:00.000Z"}
	require.NoError(t, store.Set(ctx, "my_org", "/topic/Invoices", marker))

	got, err := store.Get(ctx, "my_org", "/topic/Invoices")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, marker, *got)
}

func TestRedisStoreMissingMarker(t *testing.T) {
	_, store := newTestStore(t, "")
	got, err := store.Get(context.Background(), "my_org", "/topic/Invoices")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	mr, store := newTestStore(t, "replay")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "my_org", "/topic/Invoices", Marker{ReplayID: 1}))
	assert.True(t, mr.Exists("replay:my_org:/topic/Invoices"))

	noPrefix, err := NewRedisStore("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer noPrefix.Close()

	require.NoError(t, noPrefix.Set(ctx, "my_org", "/u/notifications", Marker{ReplayID: 2}))
	assert.True(t, mr.Exists("my_org:/u/notifications"))
}

func TestRedisStoreMalformedValue(t *testing.T) {
	mr, store := newTestStore(t, "")
	require.NoError(t, mr.Set("my_org:/topic/Invoices", "not json"))

	_, err := store.Get(context.Background(), "my_org", "/topic/Invoices")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReplayStore))
}

func TestRedisStoreBackendDown(t *testing.T) {
	mr, store := newTestStore(t, "")
	mr.Close()

	_, err := store.Get(context.Background(), "my_org", "/topic/Invoices")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReplayStore))

	err = store.Set(context.Background(), "my_org", "/topic/Invoices", Marker{ReplayID: 3})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReplayStore))
}

func TestNewRedisStoreInvalidAddress(t *testing.T) {
	_, err := NewRedisStore("not-a-url", "")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConfiguration))
}
