package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSettle is how long a dropped file must stay unchanged before it
// is ingested.
const DefaultSettle = 2 * time.Second

// WatchConfig configures a drop directory watcher. Relative processed and
// rejected directories live under Dir.
type WatchConfig struct {
	Dir          string
	ProcessedDir string // default "processed"
	RejectedDir  string // default "rejected"
	Settle       time.Duration

	// OnResult receives the result of every ingested file.
	OnResult func(path string, res *Result, err error)
}

// Watcher ingests files dropped into a directory.
type Watcher struct {
	in  *Intake
	cfg WatchConfig
	log *zap.Logger
}

// NewWatcher creates the watcher and its processed and rejected
// directories.
func NewWatcher(in *Intake, cfg WatchConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, eris.New("ingest: watch dir is required")
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = "processed"
	}
	if cfg.RejectedDir == "" {
		cfg.RejectedDir = "rejected"
	}
	if !filepath.IsAbs(cfg.ProcessedDir) {
		cfg.ProcessedDir = filepath.Join(cfg.Dir, cfg.ProcessedDir)
	}
	if !filepath.IsAbs(cfg.RejectedDir) {
		cfg.RejectedDir = filepath.Join(cfg.Dir, cfg.RejectedDir)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	for _, dir := range []string{cfg.Dir, cfg.ProcessedDir, cfg.RejectedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "ingest: create %s", dir)
		}
	}
	return &Watcher{
		in:  in,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "ingest.watcher")),
	}, nil
}

// Run ingests the files already in the directory, then every file created
// or written afterwards once it has settled. It blocks until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "ingest: create watcher")
	}
	defer fw.Close() //nolint:errcheck

	if err := fw.Add(w.cfg.Dir); err != nil {
		return eris.Wrapf(err, "ingest: watch %s", w.cfg.Dir)
	}
	w.log.Info("watching drop directory",
		zap.String("dir", w.cfg.Dir),
		zap.Duration("settle", w.cfg.Settle),
	)

	if err := w.Sweep(ctx); err != nil {
		return err
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.cfg.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if w.candidate(ev.Name) {
					pending[ev.Name] = time.Now()
				}
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(pending, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("ingest: watcher error", zap.Error(err))
		case now := <-ticker.C:
			var ready []string
			for path, at := range pending {
				if now.Sub(at) >= w.cfg.Settle {
					ready = append(ready, path)
				}
			}
			sort.Strings(ready)
			for _, path := range ready {
				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

// Sweep ingests every supported file currently in the directory.
func (w *Watcher) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return eris.Wrapf(err, "ingest: list %s", w.cfg.Dir)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		if e.IsDir() || !w.candidate(path) {
			continue
		}
		w.handle(ctx, path)
	}
	return nil
}

func (w *Watcher) candidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if _, err := DetectFormat(path); err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// handle ingests path and moves it to processed, or to rejected when the
// file could not be read at all.
func (w *Watcher) handle(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	res, err := w.in.IngestFile(ctx, path)
	if ctx.Err() != nil {
		// Leave the file for the next run.
		return
	}

	dest := w.cfg.ProcessedDir
	if err != nil && (res == nil || res.Inserted == 0) {
		dest = w.cfg.RejectedDir
		w.log.Error("ingest: file rejected", zap.String("file", path), zap.Error(err))
	}
	if moved, mvErr := moveInto(path, dest); mvErr != nil {
		w.log.Error("ingest: move file", zap.String("file", path), zap.Error(mvErr))
	} else {
		w.log.Debug("ingest: file moved", zap.String("to", moved))
	}

	if w.cfg.OnResult != nil {
		w.cfg.OnResult(path, res, err)
	}
}

// moveInto renames path into dir, adding a timestamp suffix when the name
// is taken.
func moveInto(path, dir string) (string, error) {
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "." + time.Now().UTC().Format("20060102T150405.000000000") + ext
	}
	if err := os.Rename(path, target); err != nil {
		return "", eris.Wrapf(err, "ingest: move %s", filepath.Base(path))
	}
	return target, nil
}
