package downloader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/pathsafe"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	DefaultMaxParallel    = 4
	DefaultAttemptTimeout = 6 * time.Hour
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
	DefaultSubdir         = "checkpoints"
)

// Downloader places remote model files under one models root. Every path it
// touches is relative to fs, which is bound to that root.
type Downloader struct {
	fs          billy.Filesystem
	classifier  *source.Classifier
	providers   *provider.Registry
	credentials transfer.CredentialSource
	manifest    *manifest.Store
	history     storage.HistoryWriteRepository
	telemetry   *telemetry.Telemetry

	retries        int
	maxParallel    int
	attemptTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	defaultSubdir  string
}

type Option func(*Downloader)

// WithManifest records successful transfers in store.
func WithManifest(store *manifest.Store) Option {
	return func(d *Downloader) {
		d.manifest = store
	}
}

// WithHistory appends every outcome to repo.
func WithHistory(repo storage.HistoryWriteRepository) Option {
	return func(d *Downloader) {
		d.history = repo
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.telemetry = tel
	}
}

// WithRetryPolicy sets the default attempt budget and the exponential backoff bounds.
func WithRetryPolicy(retries int, initial, max time.Duration) Option {
	return func(d *Downloader) {
		if retries > 0 {
			d.retries = retries
		}

		if initial > 0 {
			d.backoffInitial = initial
		}

		if max > 0 {
			d.backoffMax = max
		}
	}
}

// WithAttemptTimeout bounds a single attempt, so a hung connection fails that attempt only.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

func WithMaxParallel(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithDefaultSubdir sets the subdirectory used when a request leaves it blank.
func WithDefaultSubdir(subdir string) Option {
	return func(d *Downloader) {
		if subdir != "" {
			d.defaultSubdir = subdir
		}
	}
}

func New(
	fs billy.Filesystem,
	classifier *source.Classifier,
	providers *provider.Registry,
	credentials transfer.CredentialSource,
	opts ...Option,
) *Downloader {
	d := &Downloader{
		fs:             fs,
		classifier:     classifier,
		providers:      providers,
		credentials:    credentials,
		retries:        transfer.DefaultRetries,
		maxParallel:    DefaultMaxParallel,
		attemptTimeout: DefaultAttemptTimeout,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		defaultSubdir:  DefaultSubdir,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// WithManifestStore returns a copy of d that records into store instead. A nil
// store disables manifest writes.
func (d *Downloader) WithManifestStore(store *manifest.Store) *Downloader {
	c := *d
	c.manifest = store

	return &c
}

// Root returns the absolute models root.
func (d *Downloader) Root() string {
	return d.fs.Root()
}

func (d *Downloader) credential(ctx context.Context, p transfer.Provider) (string, error) {
	if d.credentials == nil {
		return "", nil
	}

	token, err := d.credentials.Credential(ctx, p)
	if err != nil {
		return "", &transfer.AuthenticationError{Operation: "credential_lookup", Provider: string(p), Err: err}
	}

	return token, nil
}

func (d *Downloader) subdirSegments(raw string) ([]string, error) {
	segments, err := pathsafe.Sanitize(raw)
	if err != nil {
		return nil, err
	}

	if len(segments) > 0 {
		return segments, nil
	}

	return pathsafe.Sanitize(d.defaultSubdir)
}

func (d *Downloader) absPath(rel string) string {
	return filepath.Join(d.fs.Root(), filepath.FromSlash(rel))
}

func (d *Downloader) ensureTargetDir(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}

	if err := d.fs.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return &transfer.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	return nil
}

// recordHistory appends an outcome to the transfer history. Failures only log.
func (d *Downloader) recordHistory(ctx context.Context, operation string, out transfer.Outcome) {
	if d.history == nil {
		return
	}

	record := storage.TransferRecord{
		Operation:    operation,
		Source:       out.Source,
		Path:         out.RelPath,
		Status:       string(out.Status),
		Verification: string(out.Verification),
		Attempts:     out.Attempts,
		Bytes:        out.Bytes,
		Failure:      string(out.Failure),
	}

	if out.Err != nil {
		record.Error = out.Err.Error()
	}

	if err := d.history.RecordTransfer(ctx, record); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record transfer history", "err", err)
		d.telemetry.RecordSystemError("history", "write")
	}
}

func failed(src string, err error, attempts int) transfer.Outcome {
	return transfer.Outcome{
		Source:       src,
		Verification: transfer.Unverified,
		Attempts:     attempts,
		Status:       transfer.StatusFailed,
		Failure:      transfer.Classify(err),
		Err:          err,
	}
}

// tempName returns a unique hidden name for the in-flight copy of filename.
func tempName(filename string) string {
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return "." + filename + "." + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd) + cleanup.PartSuffix
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
