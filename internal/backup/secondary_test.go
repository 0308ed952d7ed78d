package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-vault/internal/model"
)

func newTestSecondary(t *testing.T, compress bool) (*Secondary, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewSecondary(root, compress)
	require.NoError(t, err)
	return s, root
}

func TestSecondary_SaveLoad(t *testing.T) {
	for _, compress := range []bool{true, false} {
		s, root := newTestSecondary(t, compress)
		ctx := context.Background()
		b := testBackup("b1", time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC))

		loc, err := s.Save(ctx, b)
		require.NoError(t, err)
		if compress {
			assert.Equal(t, filepath.Join("2025", "03", "01", "b1.json.zst"), loc)
		} else {
			assert.Equal(t, filepath.Join("2025", "03", "01", "b1.json"), loc)
		}
		assert.FileExists(t, filepath.Join(root, loc))

		got, err := s.Load(ctx, "b1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.TierSecondary, got.Tier)
		assert.Equal(t, b.Checksum, got.Checksum)
	}
}

func TestSecondary_LoadMissing(t *testing.T) {
	s, _ := newTestSecondary(t, true)
	got, err := s.Load(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSecondary_BitFlipIsQuarantined(t *testing.T) {
	s, root := newTestSecondary(t, true)
	ctx := context.Background()
	b := testBackup("b1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	loc, err := s.Save(ctx, b)
	require.NoError(t, err)

	path := filepath.Join(root, loc)
	flipByte(t, path)

	flipped, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = s.Load(ctx, "b1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.FileExists(t, path)
	kept, err := os.ReadFile(path + ".corrupted")
	require.NoError(t, err)
	assert.Equal(t, flipped, kept)

	// The original stays in place and keeps reporting corruption.
	_, err = s.Load(ctx, "b1")
	assert.ErrorIs(t, err, ErrCorrupted)

	ids, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids)

	// A fresh save replaces the corrupted original.
	_, err = s.Save(ctx, b)
	require.NoError(t, err)
	got, err := s.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, b.Checksum, got.Checksum)
}

func TestSecondary_ChecksumMismatchUncompressed(t *testing.T) {
	s, _ := newTestSecondary(t, false)
	ctx := context.Background()
	b := testBackup("b1", time.Now())
	_, err := s.Save(ctx, b)
	require.NoError(t, err)

	// Rewrite the copy with data that no longer matches its checksum.
	tampered := b.CopyFor(model.TierSecondary)
	tampered.Data = []byte(`{"title":"tampered"}`)
	blob, err := encode(tampered, false)
	require.NoError(t, err)
	path, err := s.find("b1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	got, err := s.Load(ctx, "b1")
	assert.ErrorIs(t, err, ErrCorrupted)
	require.NotNil(t, got)
	assert.Equal(t, model.BackupCorrupted, got.Status)
}

func TestSecondary_RefusesCorruptSave(t *testing.T) {
	s, _ := newTestSecondary(t, true)
	b := testBackup("b1", time.Now())
	b.Data = []byte("changed")
	_, err := s.Save(context.Background(), b)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSecondary_ListByDate(t *testing.T) {
	s, _ := newTestSecondary(t, true)
	ctx := context.Background()
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Save(ctx, testBackup(id, day.Add(time.Duration(i)*24*time.Hour)))
		require.NoError(t, err)
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	from := day.Add(24 * time.Hour)
	to := day.Add(48 * time.Hour)
	ids, err := s.List(ctx, Filter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	ids, err = s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestSecondary_CleanupExpired(t *testing.T) {
	s, root := newTestSecondary(t, true)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Save(ctx, testBackup("old", created))
	require.NoError(t, err)
	_, err = s.Save(ctx, testBackup("new", created.Add(72*time.Hour)))
	require.NoError(t, err)
	loc, err := s.Save(ctx, testBackup("bad", created))
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(root, loc), filepath.Join(root, loc)+".corrupted"))

	n, err := s.CleanupExpired(ctx, created.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)
	assert.FileExists(t, filepath.Join(root, loc)+".corrupted")
}

func flipByte(t *testing.T, path string) {
	t.Helper()
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0o644))
}
