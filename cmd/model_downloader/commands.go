package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/batch"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
	"github.com/spf13/cobra"
)

var errTransferFailed = errors.New("transfer failed")

func newDownloadCmd(state *cliState) *cobra.Command {
	var req transfer.Request

	cmd := &cobra.Command{
		Use:   "download <source>",
		Short: "Download a single model file",
		Long: `Download a single file from a HuggingFace resolve/blob URL or a CivitAI
model URL into a subdirectory of the models root.

An already present file is verified against --sha256 when given and kept when it
matches. Use --force to download a present file that has no digest again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = args[0]

			return withApp(cmd, state, func(ctx context.Context, a *app) error {
				out := a.downloader.Transfer(ctx, req)
				fmt.Println(out.Message())

				if !out.OK() {
					return errTransferFailed
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&req.Subdir, "subdir", "s", "", "target subdirectory under the models root")
	cmd.Flags().StringVarP(&req.Filename, "filename", "f", "", "local filename (default: derived from the source)")
	cmd.Flags().StringVar(&req.Digest, "sha256", "", "expected SHA-256 of the file")
	cmd.Flags().IntVar(&req.Retries, "retries", 0, "attempt budget (default: $MAX_RETRIES)")
	cmd.Flags().BoolVar(&req.Force, "force", false, "download again a present file without digest")

	return cmd
}

func newTreeCmd(state *cliState) *cobra.Command {
	var req transfer.TreeRequest

	cmd := &cobra.Command{
		Use:   "tree <model-id|url>",
		Short: "Mirror a HuggingFace repository directory",
		Long: `Mirror every file of a HuggingFace repository directory, keeping its layout.
Files already present are kept. The result is recorded as a directory entry in the
manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Reference = args[0]

			return withApp(cmd, state, func(ctx context.Context, a *app) error {
				out := a.downloader.TransferTree(ctx, req)

				for _, f := range out.Files {
					if !f.OK() {
						fmt.Printf("  %s: %s\n", f.RelPath, f.Message())
					}
				}

				fmt.Println(out.Message())

				if out.Err != nil || out.Failed > 0 {
					return errTransferFailed
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Path, "path", "", "directory inside the repository")
	cmd.Flags().StringVarP(&req.Subdir, "subdir", "s", "", "base target subdirectory")
	cmd.Flags().StringVarP(&req.Revision, "revision", "r", "", "branch, tag or commit (default: main)")
	cmd.Flags().StringSliceVar(&req.Exclude, "exclude", nil, "file names to skip")
	cmd.Flags().IntVar(&req.Retries, "retries", 0, "attempt budget per file (default: $MAX_RETRIES)")
	cmd.Flags().BoolVar(&req.UpdateManifestOnStructuralChange, "update-manifest", false,
		"rewrite the manifest entry when the remote structure changed")

	return cmd
}

func newBatchCmd(state *cliState) *cobra.Command {
	opts := batch.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "batch [manifest]",
		Short: "Download every model listed in a manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.ManifestPath = args[0]
			}

			return withApp(cmd, state, func(ctx context.Context, a *app) error {
				summary, err := a.runner.Run(ctx, opts)
				if err != nil {
					return err
				}

				fmt.Println(summary.Message())
				fmt.Println(summary.Report())

				if summary.Failed > 0 {
					return fmt.Errorf("%w: %d of %d files", errTransferFailed, summary.Failed, summary.Total)
				}

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "attempt budget per file (default: $MAX_RETRIES)")
	cmd.Flags().BoolVar(&opts.SkipExisting, "skip-existing", true, "keep present files without digest")
	cmd.Flags().BoolVar(&opts.UpdateManifestOnStructuralChange, "update-manifest", false,
		"rewrite directory entries whose remote structure changed")

	return cmd
}

func newHistoryCmd(state *cliState) *cobra.Command {
	var filter storage.HistoryFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, state, func(ctx context.Context, a *app) error {
				records, err := a.history.ListHistory(ctx, filter)
				if err != nil {
					return fmt.Errorf("failed to list history: %w", err)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tOPERATION\tSTATUS\tSIZE\tPATH\tFAILURE")

				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						humanize.Time(r.CreatedAt), r.Operation, r.Status,
						humanize.Bytes(uint64(r.Bytes)), displayPath(r), r.Failure)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "only show records with this status")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of records")

	return cmd
}

func newCleanupCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale partial files left by interrupted downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, state, func(ctx context.Context, a *app) error {
				removed, err := cleanup.RemoveStalePartials(ctx, a.fs, a.cfg.StalePartAge)
				if err != nil {
					return fmt.Errorf("failed to remove partial files: %w", err)
				}

				for _, p := range removed {
					fmt.Println("removed", p)
				}

				return nil
			})
		},
	}
}

func displayPath(r storage.TransferRecord) string {
	if r.Path != "" {
		return r.Path
	}

	return r.Source
}
