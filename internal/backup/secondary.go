package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/model"
)

const (
	plainExt      = ".json"
	compressedExt = ".json.zst"
	corruptExt    = ".corrupted"
)

// Secondary is a durable archive on the local (or mounted) filesystem laid
// out by backup date: <root>/YYYY/MM/DD/<backup_id>.json[.zst].
type Secondary struct {
	root     string
	compress bool
}

// NewSecondary creates the archive root if needed.
func NewSecondary(root string, compress bool) (*Secondary, error) {
	if root == "" {
		return nil, eris.New("secondary: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "secondary: create root %s", root)
	}
	return &Secondary{root: root, compress: compress}, nil
}

func (s *Secondary) Name() model.Tier { return model.TierSecondary }

func (s *Secondary) Save(ctx context.Context, b *model.BackupRecord) (string, error) {
	if err := checkBeforeSave(model.TierSecondary, b); err != nil {
		return "", err
	}
	blob, err := encode(b.CopyFor(model.TierSecondary), s.compress)
	if err != nil {
		return "", err
	}

	ext := plainExt
	if s.compress {
		ext = compressedExt
	}
	rel := filepath.Join(b.CreatedAt.UTC().Format("2006/01/02"), b.BackupID+ext)
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "secondary: create day directory for %s", b.BackupID)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return "", eris.Wrapf(err, "secondary: write %s", rel)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", eris.Wrapf(err, "secondary: commit %s", rel)
	}
	return rel, nil
}

// Load finds the copy in any day directory. A copy that cannot be decoded or
// fails its checksum stays in place and is reported on every load; the bytes
// first seen corrupted are kept beside it as *.corrupted.
func (s *Secondary) Load(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	path, err := s.find(backupID)
	if err != nil || path == "" {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "secondary: read %s", backupID)
	}

	b, err := decode(blob, model.TierSecondary)
	if err == nil && b.Verify() {
		return b, nil
	}
	reason := "checksum mismatch"
	if err != nil {
		reason = err.Error()
	}
	s.quarantine(path, blob)
	if b != nil {
		b.Status = model.BackupCorrupted
	}
	return b, corrupted(model.TierSecondary, backupID, reason)
}

// quarantine keeps a copy of the corrupted file. An existing quarantine copy
// is not overwritten.
func (s *Secondary) quarantine(path string, blob []byte) {
	dst := path + corruptExt
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return
	}
	if err == nil {
		_, err = f.Write(blob)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		zap.L().Warn("secondary: quarantine copy failed", zap.String("path", path), zap.Error(err))
	}
}

func (s *Secondary) find(backupID string) (string, error) {
	for _, ext := range []string{compressedExt, plainExt} {
		matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*", backupID+ext))
		if err != nil {
			return "", eris.Wrapf(err, "secondary: find %s", backupID)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[len(matches)-1], nil
		}
	}
	return "", nil
}

// List returns backup ids by day directory. Only the date window applies;
// source and session filters need the primary index.
func (s *Secondary) List(ctx context.Context, f Filter) ([]string, error) {
	var ids []string
	err := s.walk(func(path string, day time.Time) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !dayOverlaps(day, f) {
			return nil
		}
		ids = append(ids, backupIDFromPath(path))
		if f.Limit > 0 && len(ids) >= f.Limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "secondary: list")
	}
	return ids, nil
}

// CleanupExpired removes expired copies. Corrupted and unreadable files are
// left in place.
func (s *Secondary) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.walk(func(path string, _ time.Time) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		b, err := decode(blob, model.TierSecondary)
		if err != nil || !b.Expired(now) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			zap.L().Warn("secondary: remove expired failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		removed++
		return nil
	})
	return removed, eris.Wrap(err, "secondary: cleanup expired")
}

// walk visits live backup files in date order.
func (s *Secondary) walk(fn func(path string, day time.Time) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isBackupFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		day, err := time.Parse("2006/01/02", filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		return fn(path, day)
	})
}

func isBackupFile(name string) bool {
	return strings.HasSuffix(name, compressedExt) || strings.HasSuffix(name, plainExt)
}

func backupIDFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, compressedExt)
	return strings.TrimSuffix(name, plainExt)
}

// dayOverlaps reports whether any instant of the UTC day falls in the window.
func dayOverlaps(day time.Time, f Filter) bool {
	end := day.Add(24 * time.Hour)
	if f.From != nil && !end.After(*f.From) {
		return false
	}
	if f.To != nil && !day.Before(*f.To) {
		return false
	}
	return true
}
