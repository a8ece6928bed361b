package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/pathsafe"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// TransferTree mirrors a remote repository directory under the models root,
// preserving relative paths. Present files are kept as they are.
func (d *Downloader) TransferTree(ctx context.Context, req transfer.TreeRequest) transfer.TreeOutcome {
	ctx = logctx.WithAttrs(ctx, slog.String("operation", "tree"), slog.String("reference", req.Reference))

	var result transfer.TreeOutcome
	_ = d.telemetry.InstrumentTransfer(ctx, "tree", func(ctx context.Context) error {
		result = d.transferTree(ctx, req)
		if result.Err != nil {
			return result.Err
		}

		if result.Failed > 0 {
			return fmt.Errorf("%d of %d files failed", result.Failed, result.Total)
		}

		return nil
	})

	d.recordHistory(ctx, "tree", treeRecord(req, result))

	return result
}

// treePlan is a validated tree request.
type treePlan struct {
	ref       source.Reference
	revision  string
	remoteDir string
	base      []string
	exclude   []string
	lister    provider.TreeLister
	resolver  provider.FileResolver
	retries   int
}

func (d *Downloader) planTree(req transfer.TreeRequest) (*treePlan, error) {
	ref, err := d.classifier.Classify(req.Reference)
	if err != nil {
		return nil, err
	}

	if ref.Provider != transfer.ProviderHuggingFace || ref.Shape == source.ShapeSingleFile {
		return nil, &transfer.UnrecognizedSourceError{
			Reference: req.Reference,
			Reason:    "directory transfers need a HuggingFace repository or tree reference",
		}
	}

	revision := strings.TrimSpace(req.Revision)
	if revision == "" {
		revision = ref.Revision
	}

	if revision == "" {
		revision = source.DefaultRevision
	}

	dirPath := ref.Path
	if strings.TrimSpace(req.Path) != "" {
		dirPath = req.Path
	}

	dirSegments, err := pathsafe.Sanitize(dirPath)
	if err != nil {
		return nil, err
	}

	base, err := pathsafe.Sanitize(req.Subdir)
	if err != nil {
		return nil, err
	}

	if len(base) == 0 {
		if base, err = d.subdirSegments(""); err != nil {
			return nil, err
		}

		name, err := pathsafe.SanitizeFilename(repoName(ref.RepoID))
		if err != nil {
			return nil, err
		}

		base = append(base, name)
	}

	lister, ok := d.providers.Lister(ref.Provider)
	if !ok {
		return nil, &transfer.UnrecognizedSourceError{Reference: req.Reference, Reason: "no tree listing client configured"}
	}

	resolver, ok := d.providers.Resolver(ref.Provider)
	if !ok {
		return nil, &transfer.UnrecognizedSourceError{Reference: req.Reference, Reason: "no download client configured"}
	}

	retries := req.Retries
	if retries <= 0 {
		retries = d.retries
	}

	return &treePlan{
		ref:       ref,
		revision:  revision,
		remoteDir: pathsafe.Join(dirSegments),
		base:      base,
		exclude:   cleanExclude(req.Exclude),
		lister:    lister,
		resolver:  resolver,
		retries:   retries,
	}, nil
}

func (d *Downloader) transferTree(ctx context.Context, req transfer.TreeRequest) transfer.TreeOutcome {
	logger := logctx.LoggerFromContext(ctx)

	plan, err := d.planTree(req)
	if err != nil {
		logger.ErrorContext(ctx, "rejected tree request", "err", err)

		return transfer.TreeOutcome{Err: err}
	}

	result := transfer.TreeOutcome{
		RepoID:     plan.ref.RepoID,
		Revision:   plan.revision,
		SaveFolder: pathsafe.Join(plan.base),
	}

	entries, err := d.listTree(ctx, plan)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list remote tree", "repo_id", plan.ref.RepoID, "err", err)
		result.Err = err

		return result
	}

	files := selectFiles(entries, plan.exclude)
	result.Total = len(files)

	logger.InfoContext(ctx, "downloading directory",
		"repo_id", plan.ref.RepoID, "revision", plan.revision, "path", plan.remoteDir,
		"files", len(files), "excluded", len(entries)-len(files), "save_folder", result.SaveFolder)

	result.Files = make([]transfer.Outcome, len(files))

	var g errgroup.Group
	g.SetLimit(d.maxParallel)

	for i, entry := range files {
		g.Go(func() error {
			result.Files[i] = d.treeFile(ctx, plan, entry)

			return nil
		})
	}

	_ = g.Wait()

	for _, out := range result.Files {
		switch out.Status {
		case transfer.StatusSuccess:
			result.Succeeded++
		case transfer.StatusSkippedExisting:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	d.recordDirectory(ctx, req, plan, &result)

	logger.InfoContext(ctx, "directory download finished",
		"repo_id", plan.ref.RepoID, "downloaded", result.Succeeded, "skipped", result.Skipped, "failed", result.Failed)

	return result
}

func (d *Downloader) listTree(ctx context.Context, plan *treePlan) ([]transfer.RemoteTreeEntry, error) {
	return backoff.Retry(ctx, func() ([]transfer.RemoteTreeEntry, error) {
		token, err := d.credential(ctx, plan.ref.Provider)
		if err != nil {
			return nil, err
		}

		entries, err := plan.lister.ListTree(ctx, plan.ref.RepoID, plan.revision, plan.remoteDir, token)
		if errors.Is(err, provider.ErrListingTruncated) {
			return nil, backoff.Permanent(err)
		}

		return entries, err
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(plan.retries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "tree listing failed, retrying", "retry_in", next, "err", err)
			d.telemetry.RecordRetry(string(plan.ref.Provider), string(transfer.Classify(err)))
		}),
	)
}

// treeFile downloads one listed file. Remote paths are validated like user input.
func (d *Downloader) treeFile(ctx context.Context, plan *treePlan, entry transfer.RemoteTreeEntry) transfer.Outcome {
	segments, err := pathsafe.Sanitize(entry.Path)
	if err == nil && len(segments) == 0 {
		err = &transfer.PathTraversalError{Path: entry.Path, Reason: "empty remote path"}
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "skipping unsafe remote path", "path", entry.Path, "err", err)

		return failed(entry.Path, err, 0)
	}

	ref := plan.lister.FileReference(plan.ref.RepoID, plan.revision, joinRemote(plan.remoteDir, entry.Path))

	dir := make([]string, 0, len(plan.base)+len(segments)-1)
	dir = append(dir, plan.base...)
	dir = append(dir, segments[:len(segments)-1]...)

	return d.run(ctx, &job{
		src:           ref.URL,
		ref:           ref,
		resolver:      plan.resolver,
		dir:           pathsafe.Join(dir),
		filename:      segments[len(segments)-1],
		retries:       plan.retries,
		trustExisting: true,
	})
}

// recordDirectory creates the directory entry of a complete tree, or rewrites
// it in place when its structure changed and updates were requested. Replays
// of a manifest section only ever rewrite that section.
func (d *Downloader) recordDirectory(ctx context.Context, req transfer.TreeRequest, plan *treePlan, result *transfer.TreeOutcome) {
	if d.manifest == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	entry := manifest.DirectoryEntry{
		ModelID:      plan.ref.RepoID,
		Path:         plan.remoteDir,
		SaveFolder:   result.SaveFolder,
		Revision:     plan.revision,
		ExcludeFiles: plan.exclude,
		FileCount:    result.Total,
		Timestamp:    time.Now(),
	}

	section := strings.TrimSpace(req.Section)

	name, recorded, found, err := d.manifest.LookupDirectory(ctx, section, entry)
	if err != nil {
		logger.WarnContext(ctx, "failed to read manifest", "manifest", d.manifest.Path(), "err", err)
		d.telemetry.RecordSystemError("manifest", "read")

		return
	}

	if found {
		result.Unchanged = recorded.StructureEqual(entry)
	}

	if result.Failed > 0 {
		return
	}

	switch {
	case !found && section == "":
		changed, err := d.manifest.Upsert(ctx, entry)
		if err != nil {
			logger.WarnContext(ctx, "failed to update manifest", "manifest", d.manifest.Path(), "err", err)
			d.telemetry.RecordSystemError("manifest", "write")

			return
		}

		result.ManifestUpdated = changed
	case found && req.UpdateManifestOnStructuralChange && !result.Unchanged:
		if err := d.manifest.ReplaceNamed(ctx, name, entry); err != nil {
			logger.WarnContext(ctx, "failed to update manifest", "manifest", d.manifest.Path(), "err", err)
			d.telemetry.RecordSystemError("manifest", "write")

			return
		}

		logger.InfoContext(ctx, "directory structure changed, manifest updated", "model_id", entry.ModelID, "section", name)
		result.ManifestUpdated = true
	}
}

func selectFiles(entries []transfer.RemoteTreeEntry, exclude []string) []transfer.RemoteTreeEntry {
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}

	files := make([]transfer.RemoteTreeEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}

		if _, ok := skip[e.Name()]; ok {
			continue
		}

		files = append(files, e)
	}

	return files
}

func cleanExclude(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}

	return out
}

func repoName(repoID string) string {
	if i := strings.LastIndex(repoID, "/"); i >= 0 {
		return repoID[i+1:]
	}

	return repoID
}

func joinRemote(dir, p string) string {
	if dir == "" {
		return p
	}

	return dir + "/" + p
}

// treeRecord folds a tree outcome into one history row.
func treeRecord(req transfer.TreeRequest, t transfer.TreeOutcome) transfer.Outcome {
	if t.Err != nil {
		return failed(req.Reference, t.Err, 0)
	}

	out := transfer.Outcome{
		Source:       req.Reference,
		RelPath:      t.SaveFolder,
		Verification: transfer.Unverified,
		Status:       transfer.StatusSuccess,
	}

	for _, f := range t.Files {
		out.Bytes += f.Bytes

		if f.Status == transfer.StatusFailed && out.Err == nil {
			out.Status = transfer.StatusFailed
			out.Failure = f.Failure
			out.Err = fmt.Errorf("%d of %d files failed, first: %w", t.Failed, t.Total, f.Err)
		}
	}

	if out.Status == transfer.StatusSuccess && t.Succeeded == 0 && t.Total > 0 {
		out.Status = transfer.StatusSkippedExisting
	}

	return out
}
