package transfer

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a request did not complete.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailurePathTraversal      FailureKind = "PathTraversal"
	FailureUnrecognizedSource FailureKind = "UnrecognizedSource"
	FailureAuth               FailureKind = "AuthFailure"
	FailureNetwork            FailureKind = "NetworkFailure"
	FailureIntegrity          FailureKind = "IntegrityFailure"
	FailureIO                 FailureKind = "IOFailure"
)

// PathTraversalError is returned when a user supplied path would escape the models root.
type PathTraversalError struct {
	Path   string // The rejected input
	Reason string // Human-readable explanation of the rejection
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("invalid path '%s': %s", e.Path, e.Reason)
}

// UnrecognizedSourceError is returned when a reference matches no provider pattern.
type UnrecognizedSourceError struct {
	Reference string
	Reason    string
}

func (e *UnrecognizedSourceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported source %q: only HuggingFace and CivitAI are supported", e.Reference)
	}

	return fmt.Sprintf("unsupported source %q: %s", e.Reference, e.Reason)
}

// NetworkError represents transport failures and non-success provider responses
// including 5xx responses, 404s, connection resets and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "resolve_file", "list_tree")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a provider rejecting (or requiring) credentials,
// i.e. 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation  string // The operation that required authentication
	Provider   string
	StatusCode int
	Err        error // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("authentication failed during %s (%s)", e.Operation, e.Provider)
	}

	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a digest mismatch between a downloaded file and its expected hash.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IOError wraps local filesystem failures.
type IOError struct {
	Op   string // The filesystem operation (e.g., "create_temp", "rename")
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("filesystem error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ManifestParseWarning reports a manifest section that was skipped during load.
type ManifestParseWarning struct {
	Section string
	Reason  string
}

func (e *ManifestParseWarning) Error() string {
	return fmt.Sprintf("manifest section [%s] skipped: %s", e.Section, e.Reason)
}

// Classify maps an error onto the failure taxonomy. Unknown errors are treated
// as network failures since they originate from the transfer itself.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var pathErr *PathTraversalError
	if errors.As(err, &pathErr) {
		return FailurePathTraversal
	}

	var sourceErr *UnrecognizedSourceError
	if errors.As(err, &sourceErr) {
		return FailureUnrecognizedSource
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return FailureAuth
	}

	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return FailureIntegrity
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return FailureIO
	}

	return FailureNetwork
}
