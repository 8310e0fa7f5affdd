package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ait-lab/filestaging/internal/backend"
	"github.com/ait-lab/filestaging/internal/bridge"
	"github.com/ait-lab/filestaging/internal/config"
	"github.com/ait-lab/filestaging/internal/model"
	"github.com/ait-lab/filestaging/internal/reconcile"
	"github.com/ait-lab/filestaging/internal/refresh"
	"github.com/ait-lab/filestaging/internal/staging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "stagectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Local file staging for knowledge-base training",
		Long: `stagectl stages documents locally, uploads them to the training backend in
batches, and tracks each file through pending, uploading, processing and
trained until the backend confirms ingestion.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newStageCmd(),
		newListCmd(),
		newUploadCmd(),
		newRetryCmd(),
		newRemoveCmd(),
		newSweepCmd(),
		newStatsCmd(),
		newClearCmd(),
		newWatchCmd(),
	)
	return cmd
}

// engine bundles everything a subcommand needs. Close releases the record
// store handle.
type engine struct {
	cfg    *config.Config
	coord  *staging.Coordinator
	client *backend.Client
	hub    *refresh.Hub
	close  func()
}

func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	repo, closeRepo, err := staging.OpenRepository(ctx, cfg.RecordStorePath(), cfg.MetadataPath())
	if err != nil {
		return nil, err
	}
	client := backend.New(cfg.BackendURL, tokenProvider(cfg))
	hub := refresh.NewHub()
	return &engine{
		cfg:    cfg,
		coord:  staging.NewCoordinator(repo, client, hub),
		client: client,
		hub:    hub,
		close:  closeRepo,
	}, nil
}

func tokenProvider(cfg *config.Config) backend.TokenProvider {
	if cfg.AuthToken == "" {
		return nil
	}
	return func(context.Context) (string, error) { return cfg.AuthToken, nil }
}

func newStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <path...>",
		Short: "Stage files or directories for upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			candidates, err := collectCandidates(args, eng.cfg.MaxFileSize)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return fmt.Errorf("nothing to stage")
			}
			res, err := eng.coord.StageFiles(ctx, candidates, eng.cfg.Identity())
			if err != nil {
				return err
			}
			fmt.Printf("staged %d file(s), rejected %d\n", res.Count, res.Rejected)
			for _, name := range res.Duplicates {
				fmt.Printf("duplicate, already staged: %s\n", name)
			}
			return nil
		},
	}
}

// collectCandidates expands the given paths, walking directories, and builds
// upload candidates for every regular file within the size limit.
func collectCandidates(paths []string, maxSize int64) ([]staging.Candidate, error) {
	var out []staging.Candidate
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			cand, err := candidateFromPath(root, filepath.Base(root), maxSize)
			if err != nil {
				return nil, err
			}
			if cand != nil {
				out = append(out, *cand)
			}
			continue
		}
		base := filepath.Dir(root)
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				rel = d.Name()
			}
			cand, err := candidateFromPath(path, filepath.ToSlash(rel), maxSize)
			if err != nil {
				return err
			}
			if cand != nil {
				out = append(out, *cand)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func candidateFromPath(path, relPath string, maxSize int64) (*staging.Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		fmt.Printf("skipping %s: %s exceeds the %s limit\n",
			path, model.FormatSize(info.Size()), model.FormatSize(maxSize))
		return nil, nil
	}
	mimeType := model.MimeForExtension(filepath.Ext(path))
	if mimeType == "" {
		fmt.Printf("skipping %s: unsupported file type\n", path)
		return nil, nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &staging.Candidate{
		Name:         info.Name(),
		MimeType:     mimeType,
		SizeBytes:    info.Size(),
		LastModified: info.ModTime(),
		RelativePath: relPath,
		Payload:      payload,
	}, nil
}

func newListCmd() *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staged files merged with the server's view",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			var server []model.ServerFile
			if !localOnly {
				server, err = eng.client.ListFiles(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "warning: server list unavailable: %v\n", err)
				}
			}
			merged := reconcile.Merge(eng.coord.Files(), server)
			if len(merged) == 0 {
				fmt.Println("no files")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tSTATUS\tSOURCE\tUPLOADER")
			for _, f := range merged {
				size := ""
				if f.SizeBytes > 0 {
					size = model.FormatSize(f.SizeBytes)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					f.ID, f.Name, size, f.Status, f.Source, f.UploaderName)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local", false, "Skip the server fetch and show local records only")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "upload [id...]",
		Short: "Upload staged files to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			ids := args
			if all || len(ids) == 0 {
				for _, f := range eng.coord.PendingFiles() {
					ids = append(ids, f.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no pending files to upload")
			}
			batchID, err := eng.coord.Upload(ctx, ids)
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %d file(s), batch %s\n", len(ids), batchID)
			fmt.Println("files are processing; run 'stagectl watch' to follow completion")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Upload every pending file")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id...>",
		Short: "Reset failed files to pending for another upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if err := eng.coord.RetryFiles(ctx, args); err != nil {
				return err
			}
			fmt.Printf("reset %d file(s) to pending\n", len(args))
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id...>",
		Short: "Remove staged files from local storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if err := eng.coord.RemoveFiles(ctx, args); err != nil {
				return err
			}
			fmt.Printf("removed %d file(s)\n", len(args))
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Drop metadata entries whose payload is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			n, err := eng.coord.SweepOrphans(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("swept %d orphaned record(s)\n", n)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show local storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			st := eng.coord.StorageStats()
			fmt.Printf("total:    %d file(s), %s\n", st.TotalFiles, st.TotalSize)
			fmt.Printf("pending:  %d file(s), %s\n", st.PendingFiles, st.PendingSize)
			fmt.Printf("uploaded: %d file(s)\n", st.UploadedFiles)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all staged files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if err := eng.coord.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("cleared all staged files")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow processing notifications from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			sig, cancel := eng.hub.Subscribe()
			defer cancel()

			br := bridge.New(eng.cfg.PushChannelURL(), eng.coord, eng.hub,
				bridge.WithBackoff(eng.cfg.ReconnectMin, eng.cfg.ReconnectMax))
			defer br.Close()

			done := make(chan error, 1)
			go func() { done <- br.Run(ctx) }()

			fmt.Println("watching for processing events (ctrl-c to stop)")
			for {
				select {
				case s, ok := <-sig:
					if !ok {
						return nil
					}
					fmt.Printf("event: %s\n", s.Reason)
				case err := <-done:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	}
}
