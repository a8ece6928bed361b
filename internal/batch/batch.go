// Package batch replays every entry of a manifest against the downloader.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/notifier"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// ErrEmptyManifest is returned when a manifest holds no usable entries.
var ErrEmptyManifest = errors.New("no models found in manifest")

// Options controls one batch run.
type Options struct {
	ManifestPath string
	Retries      int

	// SkipExisting keeps present files as the single file transfer does.
	// When false, present files without a digest are downloaded again.
	SkipExisting bool

	UpdateManifestOnStructuralChange bool
}

// DefaultOptions returns the options of a plain replay.
func DefaultOptions() Options {
	return Options{SkipExisting: true}
}

// EntryResult is the outcome of one manifest section.
type EntryResult struct {
	Section string
	Type    string
	File    *transfer.Outcome
	Tree    *transfer.TreeOutcome
}

func (e EntryResult) Failed() bool {
	if e.File != nil {
		return e.File.Status == transfer.StatusFailed
	}

	return e.Tree.Err != nil || e.Tree.Failed > 0
}

func (e EntryResult) Message() string {
	if e.File != nil {
		return e.File.Message()
	}

	return e.Tree.Message()
}

// Summary aggregates a batch run. Counts are per file: a directory entry
// contributes one count per listed file.
type Summary struct {
	ManifestPath    string
	Total           int
	Succeeded       int
	SkippedExisting int
	Failed          int
	Entries         []EntryResult
	Warnings        []*transfer.ManifestParseWarning
	Duration        time.Duration
}

// Message renders the one line status of the run.
func (s *Summary) Message() string {
	mark := "✓"
	if s.Failed > 0 {
		mark = "⚠"
	}

	return fmt.Sprintf("%s Completed: %d success, %d skipped, %d failed", mark, s.Succeeded, s.SkippedExisting, s.Failed)
}

// Report renders the multi-line totals, listing failed sections.
func (s *Summary) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Total: %d\nSuccess: %d\nSkipped: %d\nFailed: %d", s.Total, s.Succeeded, s.SkippedExisting, s.Failed)

	if failed := s.FailedSections(); len(failed) > 0 {
		b.WriteString("\n\nFailed models:")

		for _, section := range failed {
			b.WriteString("\n  - " + section)
		}
	}

	return b.String()
}

// FailedSections lists the sections with at least one failed file.
func (s *Summary) FailedSections() []string {
	var out []string

	for _, e := range s.Entries {
		if e.Failed() {
			out = append(out, e.Section)
		}
	}

	return out
}

func (s *Summary) addFile(section string, out transfer.Outcome) {
	s.Total++

	switch out.Status {
	case transfer.StatusSuccess:
		s.Succeeded++
	case transfer.StatusSkippedExisting:
		s.SkippedExisting++

		// A present file whose digest matched is also a verified success.
		if out.Verification == transfer.Verified {
			s.Succeeded++
		}
	default:
		s.Failed++
	}

	s.Entries = append(s.Entries, EntryResult{Section: section, Type: manifest.TypeFile, File: &out})
}

func (s *Summary) addTree(section string, out transfer.TreeOutcome) {
	if out.Err != nil {
		s.Total++
		s.Failed++
	} else {
		s.Total += out.Total
		s.Succeeded += out.Succeeded
		s.SkippedExisting += out.Skipped
		s.Failed += out.Failed
	}

	s.Entries = append(s.Entries, EntryResult{Section: section, Type: manifest.TypeDirectory, Tree: &out})
}

type Runner struct {
	downloader   *downloader.Downloader
	fs           billy.Filesystem
	staleAge     time.Duration
	notifier     notifier.Notifier
	telemetry    *telemetry.Telemetry
	manifestPath string
}

type Option func(*Runner)

// WithPartialSweep removes partial files older than maxAge under fs before a run.
func WithPartialSweep(fs billy.Filesystem, maxAge time.Duration) Option {
	return func(r *Runner) {
		r.fs = fs
		r.staleAge = maxAge
	}
}

// WithNotifier posts the summary of every run.
func WithNotifier(n notifier.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Runner) {
		r.telemetry = tel
	}
}

// WithDefaultManifest sets the manifest used when Options.ManifestPath is blank.
func WithDefaultManifest(path string) Option {
	return func(r *Runner) {
		r.manifestPath = path
	}
}

func NewRunner(d *downloader.Downloader, opts ...Option) *Runner {
	r := &Runner{downloader: d, manifestPath: manifest.DefaultFilename}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run processes every manifest entry sequentially and returns the summary.
// An error is returned only when the manifest cannot be used at all or the
// context ends before every entry ran.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	manifestPath := manifest.ResolvePath(opts.ManifestPath, r.manifestPath)

	ctx = logctx.WithAttrs(ctx, slog.String("operation", "batch"), slog.String("manifest", manifestPath))
	logger := logctx.LoggerFromContext(ctx)

	m, err := manifest.Load(manifestPath)
	if err != nil {
		if manifest.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found: %s: %w", manifestPath, err)
		}

		return nil, err
	}

	for _, w := range m.Warnings {
		logger.WarnContext(ctx, "skipping manifest section", "section", w.Section, "reason", w.Reason)
	}

	if m.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyManifest, manifestPath)
	}

	r.sweep(ctx)

	logger.InfoContext(ctx, "loading models from manifest", "entries", m.Len())

	summary := &Summary{ManifestPath: manifestPath, Warnings: m.Warnings}
	store := manifest.NewStore(manifestPath)
	files := r.downloader.WithManifestStore(nil)
	trees := r.downloader.WithManifestStore(store)

	runErr := r.telemetry.InstrumentTransfer(ctx, "batch", func(ctx context.Context) error {
		for _, entry := range m.Entries() {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("batch interrupted: %w", err)
			}

			ectx := logctx.WithAttrs(ctx, slog.String("section", entry.Name))
			logctx.LoggerFromContext(ectx).InfoContext(ectx, "processing manifest entry", "type", entry.Entry.Type())

			switch e := entry.Entry.(type) {
			case manifest.FileEntry:
				summary.addFile(entry.Name, files.Transfer(ectx, fileRequest(e, opts)))
			case manifest.DirectoryEntry:
				summary.addTree(entry.Name, trees.TransferTree(ectx, treeRequest(entry.Name, e, opts)))
			}
		}

		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Total)
		}

		return nil
	})

	summary.Duration = time.Since(start)

	logger.InfoContext(ctx, "batch finished",
		"total", summary.Total, "succeeded", summary.Succeeded,
		"skipped", summary.SkippedExisting, "failed", summary.Failed,
		"duration", summary.Duration.Round(time.Millisecond))

	r.notify(ctx, summary)

	if runErr != nil && ctx.Err() != nil {
		return summary, runErr
	}

	return summary, nil
}

func (r *Runner) sweep(ctx context.Context) {
	if r.fs == nil {
		return
	}

	if _, err := cleanup.RemoveStalePartials(ctx, r.fs, r.staleAge); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to sweep partial files", "err", err)
		r.telemetry.RecordSystemError("cleanup", "sweep")
	}
}

func (r *Runner) notify(ctx context.Context, s *Summary) {
	if r.notifier == nil {
		return
	}

	if err := r.notifier.Notify(ctx, s.Message()+"\n"+s.Report()); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send batch notification", "err", err)
	}
}

func fileRequest(e manifest.FileEntry, opts Options) transfer.Request {
	filename := e.Filename
	if filename == "" && e.Filepath != "" {
		filename = path.Base(strings.ReplaceAll(e.Filepath, `\`, "/"))
	}

	return transfer.Request{
		Source:   e.URL,
		Subdir:   e.Subdirectory,
		Filename: filename,
		Digest:   e.Hash,
		Retries:  opts.Retries,
		Force:    !opts.SkipExisting,
	}
}

func treeRequest(section string, e manifest.DirectoryEntry, opts Options) transfer.TreeRequest {
	return transfer.TreeRequest{
		Section:                          section,
		Reference:                        e.ModelID,
		Path:                             e.Path,
		Subdir:                           e.SaveFolder,
		Revision:                         e.Revision,
		Exclude:                          e.ExcludeFiles,
		Retries:                          opts.Retries,
		UpdateManifestOnStructuralChange: opts.UpdateManifestOnStructuralChange,
	}
}
