package backup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/model"
)

// ErrObjectNotFound is returned by an ObjectStore when a key does not exist.
var ErrObjectNotFound = eris.New("backup: object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectStore is a flat key/blob store used for offsite cold storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Quaternary is the optional offsite archive. Without an object store it is
// disabled and every write is skipped.
type Quaternary struct {
	objects   ObjectStore
	prefix    string
	retention time.Duration
}

// NewQuaternary returns the offsite tier. objects may be nil.
func NewQuaternary(objects ObjectStore, prefix string, retention time.Duration) *Quaternary {
	return &Quaternary{objects: objects, prefix: prefix, retention: retention}
}

func (q *Quaternary) Name() model.Tier { return model.TierQuaternary }

func (q *Quaternary) Enabled() bool { return q != nil && q.objects != nil }

func (q *Quaternary) key(backupID string) string { return q.prefix + backupID + compressedExt }

func (q *Quaternary) Save(ctx context.Context, b *model.BackupRecord) (string, error) {
	if !q.Enabled() {
		return "", nil
	}
	if err := checkBeforeSave(model.TierQuaternary, b); err != nil {
		return "", err
	}
	blob, err := encode(b.CopyFor(model.TierQuaternary), true)
	if err != nil {
		return "", err
	}
	key := q.key(b.BackupID)
	if err := q.objects.Put(ctx, key, blob); err != nil {
		return "", eris.Wrapf(err, "quaternary: put %s", key)
	}
	return key, nil
}

func (q *Quaternary) Load(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	if !q.Enabled() {
		return nil, nil
	}
	key := q.key(backupID)
	blob, err := q.objects.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "quaternary: get %s", key)
	}

	b, err := decode(blob, model.TierQuaternary)
	if err == nil && b.Verify() {
		return b, nil
	}
	reason := "checksum mismatch"
	if err != nil {
		reason = err.Error()
	}
	if qerr := q.objects.Put(ctx, key+corruptExt, blob); qerr != nil {
		zap.L().Warn("quaternary: mark corrupted failed", zap.String("key", key), zap.Error(qerr))
	}
	if b != nil {
		b.Status = model.BackupCorrupted
	}
	return b, corrupted(model.TierQuaternary, backupID, reason)
}

// List filters on object modification time; cold storage carries no other
// index.
func (q *Quaternary) List(ctx context.Context, f Filter) ([]string, error) {
	if !q.Enabled() {
		return nil, nil
	}
	objs, err := q.objects.List(ctx, q.prefix)
	if err != nil {
		return nil, eris.Wrap(err, "quaternary: list")
	}
	var ids []string
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, compressedExt) || !inWindow(o.Modified, f) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(o.Key, q.prefix), compressedExt))
		if f.Limit > 0 && len(ids) >= f.Limit {
			break
		}
	}
	return ids, nil
}

// CleanupExpired deletes objects older than the retention window. Corrupted
// copies are kept.
func (q *Quaternary) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if !q.Enabled() || q.retention <= 0 {
		return 0, nil
	}
	objs, err := q.objects.List(ctx, q.prefix)
	if err != nil {
		return 0, eris.Wrap(err, "quaternary: cleanup list")
	}
	removed := 0
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, compressedExt) || now.Before(o.Modified.Add(q.retention)) {
			continue
		}
		if err := q.objects.Delete(ctx, o.Key); err != nil {
			zap.L().Warn("quaternary: delete expired failed", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
