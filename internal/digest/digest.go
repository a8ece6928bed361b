// Package digest computes and verifies SHA-256 digests of model files.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const chunkSize = 64 * 1024

// Verify streams the file at path through SHA-256 and compares it against the
// expected hex digest, ignoring case. An empty expectation skips the check.
func Verify(fs billy.Filesystem, path, expectedHex string) (transfer.Verification, error) {
	if Normalize(expectedHex) == "" {
		return transfer.Unverified, nil
	}

	f, err := fs.Open(path)
	if err != nil {
		return transfer.Unverified, &transfer.IOError{Op: "open_for_hash", Path: path, Err: err}
	}
	defer f.Close()

	actual, _, err := Sum(f)
	if err != nil {
		return transfer.Unverified, &transfer.IOError{Op: "hash", Path: path, Err: err}
	}

	if Equal(actual, expectedHex) {
		return transfer.Verified, nil
	}

	return transfer.Mismatched, nil
}

// Sum returns the hex SHA-256 of everything read from r and the byte count.
func Sum(r io.Reader) (string, int64, error) {
	h := sha256.New()

	n, err := io.CopyBuffer(h, r, make([]byte, chunkSize))
	if err != nil {
		return "", n, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// New returns a fresh SHA-256 hash to tee a download stream into.
func New() hash.Hash {
	return sha256.New()
}

// Hex encodes the current sum of h.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex digests case-insensitively.
func Equal(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}

// Normalize lower-cases and trims a hex digest.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
