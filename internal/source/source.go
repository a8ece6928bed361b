// Package source classifies model references into a provider and a resource shape.
package source

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/italolelis/model_downloader/internal/transfer"
)

// Shape is the kind of remote resource a reference points at.
type Shape string

const (
	ShapeSingleFile     Shape = "single_file"
	ShapeDirectory      Shape = "directory_listing"
	ShapeRepositoryRoot Shape = "repository_root"
)

const (
	DefaultRevision = "main"

	huggingFaceEndpoint = "https://huggingface.co"
	civitAIEndpoint     = "https://civitai.com"
)

var (
	repoIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)
	versionIDPattern = regexp.MustCompile(`^[0-9]+$`)
)

// Reference is a classified model reference.
type Reference struct {
	Raw      string
	Provider transfer.Provider
	Shape    Shape

	// URL is the canonical download URL, set for single files only.
	URL string

	RepoID   string // owner/repo, HuggingFace only
	Revision string
	Path     string // Path inside the repository, slash separated

	// Filename is the name suggested by the reference itself. CivitAI references
	// carry no name; it arrives with the response headers.
	Filename string

	ModelVersionID string // CivitAI only
}

// Classifier recognises HuggingFace and CivitAI references by host and path shape.
type Classifier struct {
	huggingFaceHosts map[string]struct{}
	civitAIHosts     map[string]struct{}
}

// NewClassifier builds a classifier that knows the public hosts of both providers
// plus the hosts of the given endpoints. Empty endpoints fall back to the public ones.
func NewClassifier(huggingFaceEndpointURL, civitAIEndpointURL string) *Classifier {
	c := &Classifier{
		huggingFaceHosts: map[string]struct{}{
			"huggingface.co":     {},
			"www.huggingface.co": {},
			"hf.co":              {},
		},
		civitAIHosts: map[string]struct{}{
			"civitai.com":     {},
			"www.civitai.com": {},
			"civitai.green":   {},
		},
	}

	addHost(c.huggingFaceHosts, huggingFaceEndpointURL)
	addHost(c.civitAIHosts, civitAIEndpointURL)

	return c
}

func addHost(hosts map[string]struct{}, endpoint string) {
	if endpoint == "" {
		return
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return
	}

	hosts[strings.ToLower(u.Host)] = struct{}{}
}

// Classify maps a raw reference onto a provider and shape. It never touches the network.
func (c *Classifier) Classify(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "reference is empty"}
	}

	if !strings.Contains(ref, "://") {
		if repoIDPattern.MatchString(ref) {
			return Reference{
				Raw:      raw,
				Provider: transfer.ProviderHuggingFace,
				Shape:    ShapeRepositoryRoot,
				RepoID:   ref,
				Revision: DefaultRevision,
			}, nil
		}

		// Scheme-less URLs such as "huggingface.co/owner/repo".
		ref = "https://" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "malformed URL"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw}
	}

	host := strings.ToLower(u.Host)

	if _, ok := c.huggingFaceHosts[host]; ok {
		return classifyHuggingFace(raw, u)
	}

	if _, ok := c.civitAIHosts[host]; ok {
		return classifyCivitAI(raw, u)
	}

	return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw}
}

func classifyHuggingFace(raw string, u *url.URL) (Reference, error) {
	parts := splitPath(u.Path)
	if len(parts) < 2 {
		return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "missing owner/repo"}
	}

	ref := Reference{
		Raw:      raw,
		Provider: transfer.ProviderHuggingFace,
		RepoID:   parts[0] + "/" + parts[1],
		Revision: DefaultRevision,
	}

	if len(parts) == 2 {
		ref.Shape = ShapeRepositoryRoot

		return ref, nil
	}

	switch parts[2] {
	case "resolve", "blob":
		if len(parts) < 5 {
			return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "file URL needs a revision and a path"}
		}

		ref.Shape = ShapeSingleFile
		ref.Revision = parts[3]
		ref.Path = strings.Join(parts[4:], "/")
		ref.Filename = path.Base(ref.Path)
		ref.URL = (&url.URL{
			Scheme: u.Scheme,
			Host:   u.Host,
			Path:   "/" + strings.Join([]string{ref.RepoID, "resolve", ref.Revision, ref.Path}, "/"),
		}).String()

		return ref, nil
	case "tree":
		if len(parts) < 4 {
			return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "tree URL needs a revision"}
		}

		ref.Shape = ShapeDirectory
		ref.Revision = parts[3]
		ref.Path = strings.Join(parts[4:], "/")

		return ref, nil
	}

	return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "unsupported HuggingFace URL form"}
}

func classifyCivitAI(raw string, u *url.URL) (Reference, error) {
	parts := splitPath(u.Path)

	ref := Reference{
		Raw:      raw,
		Provider: transfer.ProviderCivitAI,
		Shape:    ShapeSingleFile,
	}

	switch {
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "download" && parts[2] == "models":
		if !versionIDPattern.MatchString(parts[3]) {
			return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "model version id must be numeric"}
		}

		ref.ModelVersionID = parts[3]
		ref.URL = (&url.URL{
			Scheme:   u.Scheme,
			Host:     u.Host,
			Path:     u.Path,
			RawQuery: u.RawQuery,
		}).String()

		return ref, nil
	case len(parts) >= 2 && parts[0] == "models":
		versionID := u.Query().Get("modelVersionId")
		if !versionIDPattern.MatchString(versionID) {
			return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "model page URL needs a numeric modelVersionId"}
		}

		ref.ModelVersionID = versionID
		ref.URL = (&url.URL{
			Scheme: u.Scheme,
			Host:   u.Host,
			Path:   "/api/download/models/" + versionID,
		}).String()

		return ref, nil
	}

	return Reference{}, &transfer.UnrecognizedSourceError{Reference: raw, Reason: "unsupported CivitAI URL form"}
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
