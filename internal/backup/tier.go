// Package backup fans backup records out to the storage tiers and restores
// them, verifying the checksum of every copy it reads.
package backup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/model"
)

// Sentinel errors, compared with errors.Is.
var (
	// ErrCorrupted is returned by a tier whose copy fails checksum
	// verification or cannot be decoded. The copy is marked, never deleted.
	ErrCorrupted = eris.New("backup: copy is corrupted")
	// ErrPrimaryWrite is returned when the primary tier rejects a backup.
	ErrPrimaryWrite = eris.New("backup: primary tier write failed")
	// ErrNotFound is returned when no tier holds an intact copy.
	ErrNotFound = eris.New("backup: no intact copy found")
)

// Filter narrows a tier listing. Tiers ignore criteria they cannot index.
type Filter struct {
	SourceID  string
	SessionID string
	From      *time.Time // created at or after
	To        *time.Time // created before
	Limit     int
}

// Tier is one storage medium of the backup fan-out.
//
// Load returns nil, nil when the tier has no copy. A copy that fails
// verification is marked corrupted in the tier's own way and reported with an
// error wrapping ErrCorrupted.
type Tier interface {
	Name() model.Tier
	Save(ctx context.Context, b *model.BackupRecord) (locator string, err error)
	Load(ctx context.Context, backupID string) (*model.BackupRecord, error)
	List(ctx context.Context, f Filter) ([]string, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// Enabler is implemented by tiers that may be left unconfigured. Disabled
// tiers are skipped without error.
type Enabler interface {
	Enabled() bool
}

func enabled(t Tier) bool {
	if t == nil {
		return false
	}
	if e, ok := t.(Enabler); ok {
		return e.Enabled()
	}
	return true
}

func corrupted(tier model.Tier, backupID, reason string) error {
	return eris.Wrapf(ErrCorrupted, "%s copy of %s: %s", tier, backupID, reason)
}

// checkBeforeSave refuses to persist a record whose data no longer matches
// its checksum.
func checkBeforeSave(tier model.Tier, b *model.BackupRecord) error {
	if !b.Verify() {
		return corrupted(tier, b.BackupID, "checksum mismatch before save")
	}
	return nil
}

func inWindow(t time.Time, f Filter) bool {
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.Before(*f.To) {
		return false
	}
	return true
}
