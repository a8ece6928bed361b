package transfer

import (
	"context"
	"fmt"
	"io"
	"path"
)

// Provider names a remote model host.
type Provider string

const (
	ProviderHuggingFace Provider = "huggingface"
	ProviderCivitAI     Provider = "civitai"
)

// Status is the terminal state of a single file transfer.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusSkippedExisting Status = "skipped_existing"
	StatusFailed          Status = "failed"
)

// Verification is the result of the integrity check of a file.
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
	Mismatched Verification = "mismatched"
)

// DefaultRetries is the attempt budget used when a request leaves it unset.
const DefaultRetries = 3

// CredentialSource supplies the optional API key of a provider. An empty
// credential with a nil error means the request goes out unauthenticated.
type CredentialSource interface {
	Credential(ctx context.Context, provider Provider) (string, error)
}

// Request describes one single-file download.
type Request struct {
	Source   string // URL or identifier of the remote resource
	Subdir   string // Target subdirectory relative to the models root, user input
	Filename string // Optional; derived from the source when empty
	Digest   string // Optional expected SHA-256, hex encoded
	Retries  int    // Attempt budget; DefaultRetries when <= 0

	// Force re-downloads a present file that carries no digest instead of
	// returning it as skipped.
	Force bool
}

// RemoteFile is an open byte stream of a resolved remote resource.
type RemoteFile struct {
	Body     io.ReadCloser
	Size     int64  // -1 when the provider did not report a length
	Filename string // Server suggested filename, may be empty
}

// RemoteTreeEntry is one item of a recursive remote directory listing.
type RemoteTreeEntry struct {
	Path  string // Slash separated, relative to the listed directory
	IsDir bool
	Size  int64
}

// Dir returns the slash separated directory part of the entry path.
func (e RemoteTreeEntry) Dir() string {
	dir := path.Dir(e.Path)
	if dir == "." {
		return ""
	}

	return dir
}

// Name returns the final path segment of the entry.
func (e RemoteTreeEntry) Name() string {
	return path.Base(e.Path)
}

// Outcome is the immutable result of one file transfer.
type Outcome struct {
	Source       string
	Path         string // Final local path, absolute
	RelPath      string // Final path relative to the models root, slash separated
	Bytes        int64
	Verification Verification
	Attempts     int
	Status       Status
	Failure      FailureKind
	Err          error
}

// OK reports whether the file is present and usable after the transfer.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusSkippedExisting
}

// Message renders the user facing status line of the outcome.
func (o Outcome) Message() string {
	name := path.Base(o.RelPath)

	switch o.Status {
	case StatusSuccess:
		return fmt.Sprintf("✓ Successfully downloaded: %s", name)
	case StatusSkippedExisting:
		if o.Verification == Verified {
			return fmt.Sprintf("✓ File already exists and verified: %s", name)
		}

		return fmt.Sprintf("✓ File already exists: %s", name)
	}

	if o.Attempts > 0 {
		return fmt.Sprintf("Error: %s after %d attempts - %v", o.Failure, o.Attempts, o.Err)
	}

	return fmt.Sprintf("Error: %s - %v", o.Failure, o.Err)
}

// TreeRequest describes a recursive directory download.
type TreeRequest struct {
	Reference string   // Tree URL, repository URL or owner/repo identifier
	Path      string   // Directory inside the repository; overrides the path of a tree URL
	Subdir    string   // Base target subdirectory
	Revision  string   // Defaults to the revision in the reference, then "main"
	Exclude   []string // Exact file names to skip
	Retries   int

	// Section pins the manifest section of the directory entry. Set when the
	// request is replayed from a manifest; the section is then never created.
	Section string

	// UpdateManifestOnStructuralChange rewrites an existing directory entry
	// when the observed remote structure differs from the recorded one.
	UpdateManifestOnStructuralChange bool
}

// TreeOutcome aggregates the per-file outcomes of a tree transfer.
type TreeOutcome struct {
	RepoID          string
	Revision        string
	SaveFolder      string // Base directory relative to the models root
	Files           []Outcome
	Total           int
	Succeeded       int
	Skipped         int
	Failed          int
	Unchanged       bool
	ManifestUpdated bool
	Err             error // Request level failure (bad path, unrecognized source, listing failure)
}

// Message renders the user facing status line of the tree outcome.
func (t TreeOutcome) Message() string {
	if t.Err != nil {
		return fmt.Sprintf("Error: %s - %v", Classify(t.Err), t.Err)
	}

	mark := "✓"
	if t.Failed > 0 {
		mark = "⚠"
	}

	return fmt.Sprintf("%s %s: %d downloaded, %d skipped, %d failed (%d files)",
		mark, t.RepoID, t.Succeeded, t.Skipped, t.Failed, t.Total)
}
