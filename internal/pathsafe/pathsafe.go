// Package pathsafe validates user supplied relative paths before they are
// resolved under the models root.
package pathsafe

import (
	"strings"

	"github.com/italolelis/model_downloader/internal/transfer"
)

// Sanitize splits a user supplied subdirectory on both slash conventions and
// returns its segments. Empty and "." segments are dropped. Absolute paths,
// drive letters and parent references are rejected.
func Sanitize(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, `\`) {
		return nil, &transfer.PathTraversalError{Path: raw, Reason: "absolute paths are not allowed, use relative paths only"}
	}

	parts := strings.FieldsFunc(trimmed, func(r rune) bool { return r == '/' || r == '\\' })
	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		if err := checkSegment(raw, part); err != nil {
			return nil, err
		}

		if part == "." {
			continue
		}

		segments = append(segments, part)
	}

	return segments, nil
}

// SanitizeFilename validates a filename: it must be a single safe segment.
func SanitizeFilename(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." {
		return "", &transfer.PathTraversalError{Path: name, Reason: "filename is empty"}
	}

	if strings.ContainsAny(trimmed, `/\`) {
		return "", &transfer.PathTraversalError{Path: name, Reason: "filename must not contain path separators"}
	}

	if err := checkSegment(name, trimmed); err != nil {
		return "", err
	}

	return trimmed, nil
}

// Join returns the slash separated relative path of the given segment groups.
func Join(groups ...[]string) string {
	var all []string
	for _, g := range groups {
		all = append(all, g...)
	}

	return strings.Join(all, "/")
}

func checkSegment(raw, segment string) error {
	switch {
	case segment == "..":
		return &transfer.PathTraversalError{Path: raw, Reason: "parent directory references (..) are not allowed"}
	case strings.Contains(segment, ":"):
		return &transfer.PathTraversalError{Path: raw, Reason: "drive letters and volume markers are not allowed"}
	case strings.ContainsRune(segment, 0):
		return &transfer.PathTraversalError{Path: raw, Reason: "NUL bytes are not allowed"}
	}

	return nil
}
