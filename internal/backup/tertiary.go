package backup

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/model"
)

// DefaultTertiaryTTL is how long a copy stays in the fast cache.
const DefaultTertiaryTTL = 7 * 24 * time.Hour

// Tertiary is the TTL-bound Redis cache that serves the common restore path.
// Each copy lives under <prefix>backup:<id>; a sorted set scored by creation
// time indexes them for listing.
type Tertiary struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewTertiary wraps a Redis client. A zero ttl uses DefaultTertiaryTTL.
func NewTertiary(rdb redis.Cmdable, prefix string, ttl time.Duration) *Tertiary {
	if ttl <= 0 {
		ttl = DefaultTertiaryTTL
	}
	return &Tertiary{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (t *Tertiary) Name() model.Tier { return model.TierTertiary }

func (t *Tertiary) Enabled() bool { return t.rdb != nil }

func (t *Tertiary) key(backupID string) string { return t.prefix + "backup:" + backupID }

func (t *Tertiary) indexKey() string { return t.prefix + "backups" }

func (t *Tertiary) Save(ctx context.Context, b *model.BackupRecord) (string, error) {
	if err := checkBeforeSave(model.TierTertiary, b); err != nil {
		return "", err
	}
	blob, err := encode(b.CopyFor(model.TierTertiary), true)
	if err != nil {
		return "", err
	}
	key := t.key(b.BackupID)
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, blob, t.ttl)
		pipe.ZAdd(ctx, t.indexKey(), redis.Z{
			Score:  float64(b.CreatedAt.Unix()),
			Member: b.BackupID,
		})
		return nil
	})
	if err != nil {
		return "", eris.Wrapf(err, "tertiary: save %s", b.BackupID)
	}
	return key, nil
}

// Load reads the cached copy. A bad copy is duplicated to <key>:corrupted
// without expiry so it survives for inspection.
func (t *Tertiary) Load(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	key := t.key(backupID)
	blob, err := t.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "tertiary: load %s", backupID)
	}

	b, err := decode(blob, model.TierTertiary)
	if err == nil && b.Verify() {
		return b, nil
	}
	reason := "checksum mismatch"
	if err != nil {
		reason = err.Error()
	}
	if qerr := t.rdb.Set(ctx, key+":corrupted", blob, 0).Err(); qerr != nil {
		zap.L().Warn("tertiary: mark corrupted failed", zap.String("backup_id", backupID), zap.Error(qerr))
	}
	if b != nil {
		b.Status = model.BackupCorrupted
	}
	return b, corrupted(model.TierTertiary, backupID, reason)
}

// List reads the index by creation time. Entries whose key has expired may
// still be listed until CleanupExpired runs.
func (t *Tertiary) List(ctx context.Context, f Filter) ([]string, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.From != nil {
		rng.Min = strconv.FormatInt(f.From.Unix(), 10)
	}
	if f.To != nil {
		rng.Max = "(" + strconv.FormatInt(f.To.Unix(), 10)
	}
	if f.Limit > 0 {
		rng.Count = int64(f.Limit)
	}
	ids, err := t.rdb.ZRangeByScore(ctx, t.indexKey(), rng).Result()
	if err != nil {
		return nil, eris.Wrap(err, "tertiary: list")
	}
	return ids, nil
}

// CleanupExpired drops index members whose copy Redis has already expired.
// The copies themselves are expired by Redis.
func (t *Tertiary) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := t.rdb.ZRange(ctx, t.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, eris.Wrap(err, "tertiary: cleanup list index")
	}
	var stale []any
	for _, id := range ids {
		n, err := t.rdb.Exists(ctx, t.key(id)).Result()
		if err != nil {
			return 0, eris.Wrapf(err, "tertiary: cleanup check %s", id)
		}
		if n == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	removed, err := t.rdb.ZRem(ctx, t.indexKey(), stale...).Result()
	if err != nil {
		return 0, eris.Wrap(err, "tertiary: cleanup prune index")
	}
	return int(removed), nil
}
