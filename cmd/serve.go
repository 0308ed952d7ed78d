package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-vault/internal/api"
	"github.com/sells-group/intake-vault/internal/ingest"
	"github.com/sells-group/intake-vault/internal/monitoring"
	"github.com/sells-group/intake-vault/internal/tiersync"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API and run the background jobs",
	Long: `Serves the HTTP API and, as configured, runs the tier consistency job,
the automatic detection and recovery cycle, and the intake drop directory
watcher until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		g, gctx := errgroup.WithContext(ctx)

		if cfg.Sync.Enabled {
			sc := syncConfig(cfg.Sync)
			sc.OnReport = func(rep *tiersync.Report) {
				alerter.SendAlerts(gctx, alerter.FromSync(rep))
			}
			mgr := tiersync.New(env.Backups, sc)
			g.Go(func() error {
				mgr.Run(gctx)
				return nil
			})
		}

		if cfg.Recovery.Automatic {
			checker := monitoring.NewChecker(env.Recovery, alerter, minutes(cfg.Recovery.IntervalMins))
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		if cfg.Ingest.WatchDir != "" {
			in, err := ingest.New(env.Store, env.Backups, ingest.Config{
				DefaultSource: cfg.Ingest.DefaultSource,
				BackupWorkers: cfg.Ingest.BackupWorkers,
			})
			if err != nil {
				return err
			}
			w, err := ingest.NewWatcher(in, ingest.WatchConfig{
				Dir:          cfg.Ingest.WatchDir,
				ProcessedDir: cfg.Ingest.ProcessedDir,
				RejectedDir:  cfg.Ingest.RejectedDir,
			})
			if err != nil {
				return err
			}
			g.Go(func() error { return w.Run(gctx) })
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.New(env.Store, env.Backups, api.Options{CORSOrigins: cfg.Server.CORSOrigins}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
