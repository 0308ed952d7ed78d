package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest raw envelopes from JSONL, CSV or XLSX files",
	Long: `Stores each valid envelope as a raw record and backs it up to every
enabled tier. With --watch, files dropped into the watch directory are
ingested as they arrive and moved to processed/ or rejected/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		if !watch && len(args) == 0 {
			return eris.New("ingest: give at least one file or --watch")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = cfg.Ingest.DefaultSource
		}
		leaveOpen, _ := cmd.Flags().GetBool("leave-open")
		in, err := ingest.New(env.Store, env.Backups, ingest.Config{
			DefaultSource: source,
			BackupWorkers: cfg.Ingest.BackupWorkers,
			LeaveOpen:     leaveOpen,
		})
		if err != nil {
			return err
		}

		results := make([]*ingest.Result, 0, len(args))
		var failed int
		for _, path := range args {
			res, err := in.IngestFile(ctx, path)
			if err != nil {
				failed++
				zap.L().Error("ingest file failed", zap.String("file", path), zap.Error(err))
				if res == nil {
					continue
				}
			}
			results = append(results, res)
		}
		if len(args) > 0 {
			if err := render(cmd.OutOrStdout(), results, func(w io.Writer) {
				for _, res := range results {
					printIngestResult(w, res)
				}
			}); err != nil {
				return err
			}
		}

		if watch {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.Ingest.WatchDir
			}
			w, err := ingest.NewWatcher(in, ingest.WatchConfig{
				Dir:          dir,
				ProcessedDir: cfg.Ingest.ProcessedDir,
				RejectedDir:  cfg.Ingest.RejectedDir,
			})
			if err != nil {
				return err
			}
			zap.L().Info("watching for intake files", zap.String("dir", dir))
			if err := w.Run(ctx); err != nil {
				return err
			}
		}

		if failed > 0 {
			return eris.Errorf("ingest: %d of %d files failed", failed, len(args))
		}
		return nil
	},
}

func printIngestResult(w io.Writer, res *ingest.Result) {
	fmt.Fprintf(w, "%s (%s)\n", res.File, res.Format)
	fmt.Fprintf(w, "  read:       %s\n", humanize.Comma(int64(res.Read)))
	fmt.Fprintf(w, "  inserted:   %s\n", humanize.Comma(int64(res.Inserted)))
	fmt.Fprintf(w, "  duplicates: %s\n", humanize.Comma(int64(res.Duplicates)))
	fmt.Fprintf(w, "  rejected:   %s\n", humanize.Comma(int64(res.Rejected)))
	fmt.Fprintf(w, "  backed up:  %s (%d degraded, %d failed)\n",
		humanize.Comma(int64(res.BackedUp)), res.Degraded, res.BackupFailed)
	for _, msg := range res.Errors {
		fmt.Fprintf(w, "  ! %s\n", msg)
	}
}

func init() {
	ingestCmd.Flags().Bool("watch", false, "watch a drop directory after ingesting the given files")
	ingestCmd.Flags().String("dir", "", "drop directory (default ingest.watch_dir)")
	ingestCmd.Flags().String("source", "", "source_id for rows that carry none (default ingest.default_source)")
	ingestCmd.Flags().Bool("leave-open", false, "keep sessions running for later files")
	rootCmd.AddCommand(ingestCmd)
}
