package backup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

// PrimaryStore is the slice of store.Store the primary tier needs.
type PrimaryStore interface {
	SaveBackup(ctx context.Context, b *model.BackupRecord) error
	GetBackup(ctx context.Context, backupID string) (*model.BackupRecord, error)
	ListBackups(ctx context.Context, filter store.BackupFilter) ([]model.BackupRecord, error)
	SetBackupStatus(ctx context.Context, backupID string, status model.BackupStatus) error
	DeleteExpiredBackups(ctx context.Context, now time.Time) (int, error)
	QuarantineBackup(ctx context.Context, b *model.BackupRecord, reason string) error
}

// Primary keeps backups in the relational system of record. Its rows double
// as the backup index.
type Primary struct {
	st PrimaryStore
}

// NewPrimary returns the primary tier over st.
func NewPrimary(st PrimaryStore) *Primary {
	return &Primary{st: st}
}

func (p *Primary) Name() model.Tier { return model.TierPrimary }

func (p *Primary) Save(ctx context.Context, b *model.BackupRecord) (string, error) {
	if err := checkBeforeSave(model.TierPrimary, b); err != nil {
		return "", err
	}
	c := b.CopyFor(model.TierPrimary)
	if c.Status == "" || c.Status == model.BackupCorrupted {
		c.Status = model.BackupActive
	}
	if err := p.st.SaveBackup(ctx, c); err != nil {
		return "", eris.Wrapf(err, "primary: save %s", b.BackupID)
	}
	return b.BackupID, nil
}

// Load reads the primary copy. A mismatching copy is quarantined and the row
// flagged corrupted; the row itself stays until a good copy overwrites it.
func (p *Primary) Load(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	b, err := p.st.GetBackup(ctx, backupID)
	if err != nil {
		return nil, eris.Wrapf(err, "primary: load %s", backupID)
	}
	if b == nil {
		return nil, nil
	}
	if b.Verify() {
		return b, nil
	}

	if b.Status != model.BackupCorrupted {
		if err := p.st.QuarantineBackup(ctx, b, "checksum mismatch"); err != nil {
			zap.L().Warn("primary: quarantine failed", zap.String("backup_id", backupID), zap.Error(err))
		}
		if err := p.st.SetBackupStatus(ctx, backupID, model.BackupCorrupted); err != nil {
			zap.L().Warn("primary: flag corrupted failed", zap.String("backup_id", backupID), zap.Error(err))
		}
	}
	b.Status = model.BackupCorrupted
	return b, corrupted(model.TierPrimary, backupID, "checksum mismatch")
}

func (p *Primary) List(ctx context.Context, f Filter) ([]string, error) {
	rows, err := p.st.ListBackups(ctx, store.BackupFilter{
		SourceID:    f.SourceID,
		SessionID:   f.SessionID,
		CreatedFrom: f.From,
		CreatedTo:   f.To,
		Limit:       f.Limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "primary: list")
	}
	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].BackupID
	}
	return ids, nil
}

// CleanupExpired drops expired rows. Corrupted rows are kept for inspection.
func (p *Primary) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := p.st.DeleteExpiredBackups(ctx, now)
	return n, eris.Wrap(err, "primary: cleanup expired")
}
