package backup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/model"
)

func newTestTertiary(t *testing.T) (*Tertiary, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTertiary(rdb, "iv:", 0), mr
}

func TestTertiary_SaveLoad(t *testing.T) {
	tier, mr := newTestTertiary(t)
	ctx := context.Background()
	b := testBackup("b1", time.Now())

	key, err := tier.Save(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "iv:backup:b1", key)
	assert.Equal(t, DefaultTertiaryTTL, mr.TTL(key))

	got, err := tier.Load(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TierTertiary, got.Tier)
	assert.Equal(t, b.Data, got.Data)
	assert.True(t, got.Verify())
}

func TestTertiary_ExpiresAfterTTL(t *testing.T) {
	tier, mr := newTestTertiary(t)
	ctx := context.Background()
	_, err := tier.Save(ctx, testBackup("b1", time.Now()))
	require.NoError(t, err)

	mr.FastForward(DefaultTertiaryTTL + time.Second)

	got, err := tier.Load(ctx, "b1")
	assert.NoError(t, err)
	assert.Nil(t, got)

	ids, err := tier.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids)

	n, err := tier.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err = tier.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTertiary_CorruptCopyIsKept(t *testing.T) {
	tier, mr := newTestTertiary(t)
	ctx := context.Background()
	_, err := tier.Save(ctx, testBackup("b1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, mr.Set("iv:backup:b1", "garbage"))

	_, err = tier.Load(ctx, "b1")
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.True(t, mr.Exists("iv:backup:b1:corrupted"))
	assert.Zero(t, mr.TTL("iv:backup:b1:corrupted"))
}

func TestTertiary_ListWindow(t *testing.T) {
	tier, _ := newTestTertiary(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_, err := tier.Save(ctx, testBackup(id, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	from := base.Add(time.Hour)
	to := base.Add(2 * time.Hour)
	ids, err := tier.List(ctx, Filter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestTertiary_Disabled(t *testing.T) {
	tier := NewTertiary(nil, "", 0)
	assert.False(t, tier.Enabled())
}
