// Package provider holds the capabilities every model host implements and the
// HTTP plumbing shared by the HuggingFace and CivitAI clients.
package provider

import (
	"context"
	"errors"

	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// ErrListingTruncated is returned when a tree listing stops before its last
// page. A partial listing must not be mirrored as if it were complete.
var ErrListingTruncated = errors.New("tree listing truncated")

// FileResolver opens the byte stream of a single remote file.
type FileResolver interface {
	ResolveFile(ctx context.Context, ref source.Reference, token string) (*transfer.RemoteFile, error)
}

// TreeLister lists a remote directory recursively. Entry paths are relative to path.
type TreeLister interface {
	ListTree(ctx context.Context, repoID, revision, path, token string) ([]transfer.RemoteTreeEntry, error)

	// FileReference builds the single file reference of a listed entry.
	FileReference(repoID, revision, filePath string) source.Reference
}

// Registry maps providers to their capabilities.
type Registry struct {
	resolvers map[transfer.Provider]FileResolver
	listers   map[transfer.Provider]TreeLister
}

func NewRegistry() *Registry {
	return &Registry{
		resolvers: make(map[transfer.Provider]FileResolver),
		listers:   make(map[transfer.Provider]TreeLister),
	}
}

// RegisterResolver sets the file resolver of a provider.
func (r *Registry) RegisterResolver(p transfer.Provider, resolver FileResolver) *Registry {
	r.resolvers[p] = resolver

	return r
}

// RegisterLister sets the tree lister of a provider.
func (r *Registry) RegisterLister(p transfer.Provider, lister TreeLister) *Registry {
	r.listers[p] = lister

	return r
}

func (r *Registry) Resolver(p transfer.Provider) (FileResolver, bool) {
	resolver, ok := r.resolvers[p]

	return resolver, ok
}

func (r *Registry) Lister(p transfer.Provider) (TreeLister, bool) {
	lister, ok := r.listers[p]

	return lister, ok
}
