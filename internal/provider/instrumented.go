package provider

import (
	"context"

	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// InstrumentedResolver wraps FileResolver with telemetry.
type InstrumentedResolver struct {
	resolver  FileResolver
	telemetry *telemetry.Telemetry
	provider  transfer.Provider
}

// NewInstrumentedResolver creates a new instrumented file resolver.
func NewInstrumentedResolver(resolver FileResolver, tel *telemetry.Telemetry, p transfer.Provider) *InstrumentedResolver {
	return &InstrumentedResolver{
		resolver:  resolver,
		telemetry: tel,
		provider:  p,
	}
}

// ResolveFile opens a remote file with telemetry.
func (r *InstrumentedResolver) ResolveFile(ctx context.Context, ref source.Reference, token string) (*transfer.RemoteFile, error) {
	var result *transfer.RemoteFile

	var err error

	instrumentedErr := r.telemetry.InstrumentClientOperation(ctx, string(r.provider), "resolve_file", func(ctx context.Context) error {
		result, err = r.resolver.ResolveFile(ctx, ref, token)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// InstrumentedLister wraps TreeLister with telemetry.
type InstrumentedLister struct {
	lister    TreeLister
	telemetry *telemetry.Telemetry
	provider  transfer.Provider
}

// NewInstrumentedLister creates a new instrumented tree lister.
func NewInstrumentedLister(lister TreeLister, tel *telemetry.Telemetry, p transfer.Provider) *InstrumentedLister {
	return &InstrumentedLister{
		lister:    lister,
		telemetry: tel,
		provider:  p,
	}
}

// ListTree lists a remote directory with telemetry.
func (l *InstrumentedLister) ListTree(ctx context.Context, repoID, revision, path, token string) ([]transfer.RemoteTreeEntry, error) {
	var result []transfer.RemoteTreeEntry

	var err error

	instrumentedErr := l.telemetry.InstrumentClientOperation(ctx, string(l.provider), "list_tree", func(ctx context.Context) error {
		result, err = l.lister.ListTree(ctx, repoID, revision, path, token)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (l *InstrumentedLister) FileReference(repoID, revision, filePath string) source.Reference {
	return l.lister.FileReference(repoID, revision, filePath)
}
