package main

import (
	"context"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/config"
	"github.com/sells-group/intake-vault/internal/detector"
	"github.com/sells-group/intake-vault/internal/migration"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/processor"
	"github.com/sells-group/intake-vault/internal/recovery"
	"github.com/sells-group/intake-vault/internal/resilience"
	"github.com/sells-group/intake-vault/internal/store"
	"github.com/sells-group/intake-vault/internal/validator"
)

// appEnv holds the store and every engine built on it. Callers should defer
// env.Close().
type appEnv struct {
	Store    store.Store
	Backups  *backup.Orchestrator
	Migrator *migration.Engine
	Detector *detector.Detector
	Recovery *recovery.Engine

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	pool := cfg.Store.Pool
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &pool)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv builds the store, the backup tiers and the engines. mode selects
// which settings are validated.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	tiers, closers, err := buildTiers(ctx, cfg.Backup)
	env.closers = append(env.closers, closers...)
	if err != nil {
		env.Close()
		return nil, err
	}

	policy := resilience.FromSettings(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.InitialBackoffMS)*time.Millisecond,
		time.Duration(cfg.Retry.MaxBackoffMS)*time.Millisecond,
		cfg.Circuit.FailureThreshold,
		time.Duration(cfg.Circuit.ResetTimeoutSecs)*time.Second,
		time.Duration(cfg.Backup.TierTimeoutSec)*time.Second,
	)
	env.Backups = backup.New(backup.NewPrimary(st), tiers, backup.Config{
		Retention: days(cfg.Backup.RetentionDays),
		Policy:    policy,
		Index:     st,
	})

	kindFor := sourceKinds(cfg.Sources)
	env.Migrator = migration.New(st, processor.New(validator.New(cfg.Migration.QualityThreshold)), migration.Config{
		BatchSize:      cfg.Migration.BatchSize,
		MaxConcurrency: cfg.Migration.MaxConcurrency,
		RawRetention:   days(cfg.Migration.RawRetentionDays),
		KindFor:        kindFor,
	})
	env.Detector = detector.New(st, detectorConfig(cfg.Detector, cfg.Migration.QualityThreshold))
	env.Recovery = recovery.New(st, env.Backups, env.Migrator, env.Detector, recovery.Config{
		Concurrency:      cfg.Recovery.Concurrency,
		DelayedBatchSize: cfg.Recovery.DelayedBatchSize,
		IngestLag:        config.Hours(cfg.Recovery.IngestLagHours),
	})
	return env, nil
}

func detectorConfig(c config.DetectorConfig, threshold float64) detector.Config {
	return detector.Config{
		MaxSessionDuration: config.Hours(c.MaxSessionHours),
		MinSessionItems:    c.MinSessionItems,
		MaxErrorRatio:      c.MaxErrorRatio,
		ExpectedSources:    c.ExpectedSources,
		GapDays:            c.GapDays,
		MinDailyCount:      c.MinDailyCount,
		DelayThreshold:     config.Hours(c.DelayThresholdHours),
		QualityThreshold:   threshold,
	}
}

// buildTiers returns the configured non-primary tiers and the closers of
// their clients. Tiers left unconfigured are omitted.
func buildTiers(ctx context.Context, c config.BackupConfig) ([]backup.Tier, []func() error, error) {
	var (
		tiers   []backup.Tier
		closers []func() error
	)

	if c.Secondary.Root != "" {
		secondary, err := backup.NewSecondary(c.Secondary.Root, c.Secondary.Compress)
		if err != nil {
			return nil, closers, err
		}
		tiers = append(tiers, backup.NewLimited(secondary, c.Secondary.RateLimit, c.Secondary.RateBurst))
	}

	if c.Tertiary.RedisURL != "" {
		opts, err := redis.ParseURL(c.Tertiary.RedisURL)
		if err != nil {
			return nil, closers, eris.Wrap(err, "parse tertiary redis url")
		}
		rdb := redis.NewClient(opts)
		closers = append(closers, rdb.Close)
		tertiary := backup.NewTertiary(rdb, c.Tertiary.Prefix, config.Hours(c.Tertiary.TTLHours))
		tiers = append(tiers, backup.NewLimited(tertiary, c.Tertiary.RateLimit, c.Tertiary.RateBurst))
	}

	var objects backup.ObjectStore
	switch c.Quaternary.Backend {
	case "":
	case "gcs":
		var opts []option.ClientOption
		if c.Quaternary.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(c.Quaternary.CredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, closers, eris.Wrap(err, "create gcs client")
		}
		closers = append(closers, client.Close)
		objects = backup.NewGCSObjects(client, c.Quaternary.Bucket, c.Quaternary.StorageClass)
	case "ftp":
		objects = backup.NewFTPObjects(backup.FTPOptions{
			Addr:     c.Quaternary.FTP.Addr,
			User:     c.Quaternary.FTP.User,
			Password: c.Quaternary.FTP.Password,
			Dir:      c.Quaternary.FTP.Dir,
			Timeout:  time.Duration(c.Quaternary.FTP.TimeoutSecs) * time.Second,
		})
	default:
		return nil, closers, eris.Errorf("unknown quaternary backend %q", c.Quaternary.Backend)
	}
	if objects != nil {
		quaternary := backup.NewQuaternary(objects, c.Quaternary.Prefix, days(c.RetentionDays))
		tiers = append(tiers, backup.NewLimited(quaternary, c.Quaternary.RateLimit, c.Quaternary.RateBurst))
	}
	return tiers, closers, nil
}

// sourceKinds maps configured source ids to their kind, falling back to
// prefix inference.
func sourceKinds(sources map[string]string) func(string) model.SourceKind {
	return func(sourceID string) model.SourceKind {
		if kind, ok := sources[sourceID]; ok {
			return model.ParseSourceKind(kind)
		}
		return model.ParseSourceKind(sourceID)
	}
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
