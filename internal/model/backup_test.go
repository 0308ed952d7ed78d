package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackupRecord_ChecksumMatchesData(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBackupRecord("bizinfo", []byte(`{"id":"r1"}`), nil, now, 90*24*time.Hour)

	require.NotEmpty(t, b.BackupID)
	assert.Equal(t, BackupActive, b.Status)
	assert.Equal(t, TierPrimary, b.Tier)
	assert.Equal(t, Checksum([]byte(`{"id":"r1"}`)), b.Checksum)
	assert.True(t, b.Verify())
	assert.Equal(t, now.Add(90*24*time.Hour), b.ExpiresAt)
	assert.NotNil(t, b.Metadata)
}

func TestBackupRecord_VerifyDetectsFlip(t *testing.T) {
	b := NewBackupRecord("bizinfo", []byte("payload"), nil, time.Now(), time.Hour)
	b.Data = []byte("paYload")
	assert.False(t, b.Verify())
}

func TestBackupRecord_VerifyEmptyChecksum(t *testing.T) {
	b := &BackupRecord{Data: []byte("x")}
	assert.False(t, b.Verify())
}

func TestBackupRecord_Expired(t *testing.T) {
	now := time.Now().UTC()
	b := NewBackupRecord("s", []byte("x"), nil, now, time.Hour)
	assert.False(t, b.Expired(now))
	assert.True(t, b.Expired(now.Add(time.Hour)))
}

func TestBackupRecord_CopyForKeepsChecksum(t *testing.T) {
	b := NewBackupRecord("s", []byte("x"), map[string]any{MetaSessionID: "sess-1"}, time.Now(), time.Hour)
	c := b.CopyFor(TierTertiary)
	assert.Equal(t, TierTertiary, c.Tier)
	assert.Equal(t, TierPrimary, b.Tier)
	assert.Equal(t, b.Checksum, c.Checksum)
	assert.Equal(t, "sess-1", c.MetaString(MetaSessionID))
	assert.Empty(t, c.MetaString("missing"))
}
