package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/italolelis/model_downloader/internal/digest"
	"github.com/italolelis/model_downloader/internal/downloader/progress"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/pathsafe"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const progressInterval = int64(100 * 1024 * 1024) // 100MB

// job is one validated file transfer.
type job struct {
	src      string
	ref      source.Reference
	resolver provider.FileResolver
	dir      string // slash separated, relative to the models root
	filename string // empty until the provider names the file
	digest   string
	retries  int
	force    bool

	// trustExisting skips any present file without hashing it.
	trustExisting bool
}

func (j *job) relPath() string {
	return path.Join(j.dir, j.filename)
}

// Transfer downloads one remote file into the models root. It never returns
// an error; failures are reported in the outcome.
func (d *Downloader) Transfer(ctx context.Context, req transfer.Request) transfer.Outcome {
	ctx = logctx.WithAttrs(ctx, slog.String("operation", "download"), slog.String("source", req.Source))
	logger := logctx.LoggerFromContext(ctx)

	j, err := d.prepare(req)
	if err != nil {
		logger.ErrorContext(ctx, "rejected download request", "err", err)

		out := failed(req.Source, err, 0)
		d.telemetry.RecordDownloadOutcome("unknown", string(out.Status), string(out.Verification), 0, 0, 0)
		d.recordHistory(ctx, "download", out)

		return out
	}

	out := d.run(ctx, j)
	if out.OK() {
		d.recordFile(ctx, req, j, out)
	}

	d.recordHistory(ctx, "download", out)

	return out
}

// run executes one job inside a download span and records its metrics.
func (d *Downloader) run(ctx context.Context, j *job) transfer.Outcome {
	start := time.Now()

	var out transfer.Outcome
	_ = d.telemetry.InstrumentDownload(ctx, string(j.ref.Provider), func(ctx context.Context) error {
		out = d.fetch(ctx, j)

		return out.Err
	})

	d.telemetry.RecordDownloadOutcome(string(j.ref.Provider), string(out.Status), string(out.Verification), out.Attempts, out.Bytes, time.Since(start))

	return out
}

func (d *Downloader) prepare(req transfer.Request) (*job, error) {
	ref, err := d.classifier.Classify(req.Source)
	if err != nil {
		return nil, err
	}

	if ref.Shape != source.ShapeSingleFile {
		return nil, &transfer.UnrecognizedSourceError{
			Reference: req.Source,
			Reason:    "reference names a directory or repository, use a tree transfer",
		}
	}

	segments, err := d.subdirSegments(req.Subdir)
	if err != nil {
		return nil, err
	}

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = ref.Filename
	}

	if filename != "" {
		if filename, err = pathsafe.SanitizeFilename(filename); err != nil {
			return nil, err
		}
	}

	resolver, ok := d.providers.Resolver(ref.Provider)
	if !ok {
		return nil, &transfer.UnrecognizedSourceError{
			Reference: req.Source,
			Reason:    fmt.Sprintf("no client configured for %s", ref.Provider),
		}
	}

	retries := req.Retries
	if retries <= 0 {
		retries = d.retries
	}

	return &job{
		src:      req.Source,
		ref:      ref,
		resolver: resolver,
		dir:      pathsafe.Join(segments),
		filename: filename,
		digest:   digest.Normalize(req.Digest),
		retries:  retries,
		force:    req.Force,
	}, nil
}

// fetch runs the existence check and the retry loop of one job.
func (d *Downloader) fetch(ctx context.Context, j *job) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx)

	if j.filename != "" {
		if out, done := d.checkExisting(ctx, j); done {
			return out
		}
	}

	if err := d.ensureTargetDir(j.dir, logger); err != nil {
		return failed(j.src, err, 0)
	}

	var (
		attempts int
		lastErr  error
	)

	out, err := backoff.Retry(ctx, func() (transfer.Outcome, error) {
		attempts++

		out, err := d.attempt(ctx, j)
		if err == nil {
			return out, nil
		}

		lastErr = err

		var ioErr *transfer.IOError
		var pathErr *transfer.PathTraversalError
		if errors.As(err, &ioErr) || errors.As(err, &pathErr) {
			return out, backoff.Permanent(err)
		}

		return out, err
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(j.retries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "download attempt failed, retrying",
				"attempt", attempts, "max_attempts", j.retries, "retry_in", next, "err", err)
			d.telemetry.RecordRetry(string(j.ref.Provider), string(transfer.Classify(err)))
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = &transfer.NetworkError{Operation: "download", APIMessage: err.Error(), Err: err}
		}

		logger.ErrorContext(ctx, "download failed", "attempts", attempts, "err", lastErr)

		res := failed(j.src, lastErr, attempts)
		if j.filename != "" {
			res.RelPath = j.relPath()
			res.Path = d.absPath(res.RelPath)
		}

		return res
	}

	out.Attempts = attempts

	return out
}

func (d *Downloader) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoffInitial
	b.MaxInterval = d.backoffMax

	return b
}

// checkExisting inspects a present target. done is false when the caller
// should download the file.
func (d *Downloader) checkExisting(ctx context.Context, j *job) (transfer.Outcome, bool) {
	logger := logctx.LoggerFromContext(ctx)
	rel := j.relPath()

	info, err := d.fs.Stat(rel)
	if err != nil {
		if isNotExist(err) {
			return transfer.Outcome{}, false
		}

		return d.failedAt(j, &transfer.IOError{Op: "stat", Path: rel, Err: err}), true
	}

	if info.IsDir() {
		return d.failedAt(j, &transfer.IOError{Op: "stat", Path: rel, Err: errors.New("target is a directory")}), true
	}

	skipped := transfer.Outcome{
		Source:       j.src,
		Path:         d.absPath(rel),
		RelPath:      rel,
		Bytes:        info.Size(),
		Verification: transfer.Unverified,
		Status:       transfer.StatusSkippedExisting,
	}

	if j.trustExisting {
		logger.DebugContext(ctx, "file already downloaded", "file_path", rel)

		return skipped, true
	}

	if j.digest == "" {
		if j.force {
			logger.InfoContext(ctx, "re-downloading existing file", "file_path", rel)

			return transfer.Outcome{}, false
		}

		logger.InfoContext(ctx, "file already exists", "file_path", rel)

		return skipped, true
	}

	verification, err := digest.Verify(d.fs, rel, j.digest)
	if err != nil {
		return d.failedAt(j, err), true
	}

	if verification == transfer.Verified {
		logger.InfoContext(ctx, "file already exists and verified", "file_path", rel)
		skipped.Verification = transfer.Verified

		return skipped, true
	}

	logger.WarnContext(ctx, "existing file hash mismatch, downloading again", "file_path", rel)

	if err := d.fs.Remove(rel); err != nil {
		return d.failedAt(j, &transfer.IOError{Op: "remove", Path: rel, Err: err}), true
	}

	return transfer.Outcome{}, false
}

// attempt performs one resolve, write, verify and commit cycle.
func (d *Downloader) attempt(ctx context.Context, j *job) (transfer.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	token, err := d.credential(ctx, j.ref.Provider)
	if err != nil {
		return transfer.Outcome{}, err
	}

	remote, err := j.resolver.ResolveFile(ctx, j.ref, token)
	if err != nil {
		return transfer.Outcome{}, err
	}
	defer remote.Body.Close()

	if j.filename == "" {
		name, err := pathsafe.SanitizeFilename(remote.Filename)
		if err != nil {
			return transfer.Outcome{}, err
		}

		j.filename = name

		if out, done := d.checkExisting(ctx, j); done {
			return out, out.Err
		}
	}

	rel := j.relPath()
	tmp := path.Join(j.dir, tempName(j.filename))

	f, err := d.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return transfer.Outcome{}, &transfer.IOError{Op: "create_temp", Path: tmp, Err: err}
	}

	written, sum, err := d.writeFile(ctx, f, remote, rel)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = &transfer.IOError{Op: "close", Path: tmp, Err: closeErr}
	}

	if err == nil && j.digest != "" && !digest.Equal(sum, j.digest) {
		err = &transfer.IntegrityError{Path: rel, Expected: j.digest, Actual: sum}
	}

	if err == nil {
		err = d.commit(tmp, rel)
	}

	if err != nil {
		if rmErr := d.fs.Remove(tmp); rmErr != nil && !isNotExist(rmErr) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove temporary file", "file_path", tmp, "err", rmErr)
		}

		return transfer.Outcome{}, err
	}

	verification := transfer.Unverified
	if j.digest != "" {
		verification = transfer.Verified
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "downloaded and saved file",
		"file_path", rel, "size", humanize.Bytes(uint64(written)), "verification", verification)

	return transfer.Outcome{
		Source:       j.src,
		Path:         d.absPath(rel),
		RelPath:      rel,
		Bytes:        written,
		Verification: verification,
		Status:       transfer.StatusSuccess,
	}, nil
}

// writeFile streams remote into out while hashing it. Write failures are local
// I/O errors; read failures and short bodies are network errors.
func (d *Downloader) writeFile(ctx context.Context, out billy.File, remote *transfer.RemoteFile, rel string) (int64, string, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "downloading file", "file_path", rel, "file_size", sizeLabel(remote.Size))

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"file_path", rel,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "file_path", rel, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(remote.Body, remote.Size, progressInterval, progressCb)

	h := digest.New()
	dst := &errWriter{w: out}

	if _, err := io.Copy(io.MultiWriter(dst, h), pr); err != nil {
		if dst.err != nil {
			return pr.BytesRead(), "", &transfer.IOError{Op: "write", Path: rel, Err: dst.err}
		}

		return pr.BytesRead(), "", &transfer.NetworkError{Operation: "read_body", APIMessage: err.Error(), Err: err}
	}

	if remote.Size > 0 && pr.BytesRead() != remote.Size {
		return pr.BytesRead(), "", &transfer.NetworkError{
			Operation:  "read_body",
			APIMessage: fmt.Sprintf("truncated body: got %d of %d bytes", pr.BytesRead(), remote.Size),
		}
	}

	return pr.BytesRead(), digest.Hex(h), nil
}

// commit moves a finished temporary file onto its final name.
func (d *Downloader) commit(tmp, rel string) error {
	if _, err := d.fs.Stat(rel); err == nil {
		if err := d.fs.Remove(rel); err != nil {
			return &transfer.IOError{Op: "replace", Path: rel, Err: err}
		}
	}

	if err := d.fs.Rename(tmp, rel); err != nil {
		return &transfer.IOError{Op: "rename", Path: rel, Err: err}
	}

	return nil
}

// recordFile upserts the file entry of a present file. Failures only log.
func (d *Downloader) recordFile(ctx context.Context, req transfer.Request, j *job, out transfer.Outcome) {
	if d.manifest == nil {
		return
	}

	entry := manifest.FileEntry{
		URL:          strings.TrimSpace(req.Source),
		Subdirectory: j.dir,
		Filename:     j.filename,
		Filepath:     out.RelPath,
		Hash:         j.digest,
		Timestamp:    time.Now(),
	}

	if _, err := d.manifest.Upsert(ctx, entry); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to update manifest", "manifest", d.manifest.Path(), "err", err)
		d.telemetry.RecordSystemError("manifest", "write")
	}
}

func (d *Downloader) failedAt(j *job, err error) transfer.Outcome {
	out := failed(j.src, err, 0)
	out.RelPath = j.relPath()
	out.Path = d.absPath(out.RelPath)

	return out
}

func sizeLabel(size int64) string {
	if size < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(size))
}

// errWriter remembers the first write error of w.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}

	return n, err
}
