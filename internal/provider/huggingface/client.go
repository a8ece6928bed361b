// Package huggingface resolves files and lists repository trees on the HuggingFace hub.
package huggingface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	DefaultEndpoint = "https://huggingface.co"

	// DefaultMaxListPages bounds listing pagination for very large repositories.
	DefaultMaxListPages = 100
)

type treeItem struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type Client struct {
	endpoint     string
	httpClient   *http.Client
	maxListPages int
}

type Option func(*Client)

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithMaxListPages caps how many listing pages are followed.
func WithMaxListPages(n int) Option {
	return func(client *Client) {
		if n > 0 {
			client.maxListPages = n
		}
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	c := &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		maxListPages: DefaultMaxListPages,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = provider.NewHTTPClient(provider.DefaultResponseHeaderTimeout)
	}

	return c
}

// ResolveFile implements provider.FileResolver for HuggingFace.
func (c *Client) ResolveFile(ctx context.Context, ref source.Reference, token string) (*transfer.RemoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("repo_id", ref.RepoID, "revision", ref.Revision)

	target := ref.URL
	if target == "" {
		target = c.FileReference(ref.RepoID, ref.Revision, ref.Path).URL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	provider.SetAuth(req, token)

	resp, err := provider.Do(c.httpClient, req, transfer.ProviderHuggingFace, "resolve_file")
	if err != nil {
		logger.DebugContext(ctx, "failed to resolve file", "path", ref.Path, "err", err)

		return nil, err
	}

	return &transfer.RemoteFile{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Filename: ref.Filename,
	}, nil
}

// ListTree implements provider.TreeLister. The hub returns repository-rooted
// paths; they are rewritten relative to dir.
func (c *Client) ListTree(ctx context.Context, repoID, revision, dir, token string) ([]transfer.RemoteTreeEntry, error) {
	logger := logctx.LoggerFromContext(ctx).With("repo_id", repoID, "revision", revision, "path", dir)

	if revision == "" {
		revision = source.DefaultRevision
	}

	dir = strings.Trim(dir, "/")
	next := c.treeURL(repoID, revision, dir)

	var entries []transfer.RemoteTreeEntry

	for page := 0; next != ""; page++ {
		if page >= c.maxListPages {
			logger.WarnContext(ctx, "listing exceeds page limit", "max_pages", c.maxListPages, "entry_count", len(entries))

			return nil, &transfer.NetworkError{
				Operation:  "list_tree",
				APIMessage: fmt.Sprintf("more than %d listing pages", c.maxListPages),
				Err:        provider.ErrListingTruncated,
			}
		}

		items, link, err := c.listPage(ctx, next, token)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list tree", "page", page, "err", err)

			return nil, err
		}

		for _, item := range items {
			rel, ok := relativeTo(dir, item.Path)
			if !ok {
				continue
			}

			entries = append(entries, transfer.RemoteTreeEntry{
				Path:  rel,
				IsDir: item.Type == "directory",
				Size:  item.Size,
			})
		}

		next = link
	}

	logger.DebugContext(ctx, "listed remote tree", "entry_count", len(entries))

	return entries, nil
}

// FileReference builds the resolve URL of a file inside a repository.
func (c *Client) FileReference(repoID, revision, filePath string) source.Reference {
	if revision == "" {
		revision = source.DefaultRevision
	}

	return source.Reference{
		Raw:      c.endpoint + "/" + repoID + "/resolve/" + revision + "/" + filePath,
		Provider: transfer.ProviderHuggingFace,
		Shape:    source.ShapeSingleFile,
		URL:      c.endpoint + "/" + repoID + "/resolve/" + url.PathEscape(revision) + "/" + escapePath(filePath),
		RepoID:   repoID,
		Revision: revision,
		Path:     filePath,
		Filename: path.Base(filePath),
	}
}

func (c *Client) treeURL(repoID, revision, dir string) string {
	u := c.endpoint + "/api/models/" + repoID + "/tree/" + url.PathEscape(revision)
	if dir != "" {
		u += "/" + escapePath(dir)
	}

	return u + "?recursive=true"
}

func (c *Client) listPage(ctx context.Context, pageURL, token string) ([]treeItem, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	provider.SetAuth(req, token)

	resp, err := provider.Do(c.httpClient, req, transfer.ProviderHuggingFace, "list_tree")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var items []treeItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, "", &transfer.NetworkError{
			Operation:  "list_tree",
			StatusCode: resp.StatusCode,
			APIMessage: "invalid listing response",
			Err:        err,
		}
	}

	return items, nextLink(resp.Header.Values("Link"), resp.Request.URL), nil
}

// relativeTo strips dir from a repository-rooted path. Entries outside dir and
// dir itself are dropped.
func relativeTo(dir, p string) (string, bool) {
	p = strings.Trim(p, "/")
	if dir == "" {
		return p, p != ""
	}

	rel, found := strings.CutPrefix(p, dir+"/")
	if !found || rel == "" {
		return "", false
	}

	return rel, true
}

// nextLink returns the rel="next" target of RFC 8288 Link headers, resolved
// against base.
func nextLink(headers []string, base *url.URL) string {
	for _, header := range headers {
		for _, link := range strings.Split(header, ",") {
			segments := strings.Split(link, ";")
			if len(segments) < 2 {
				continue
			}

			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}

			for _, param := range segments[1:] {
				key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(key, "rel") {
					continue
				}

				if strings.Trim(value, `"`) != "next" {
					continue
				}

				next, err := url.Parse(strings.Trim(target, "<>"))
				if err != nil {
					return ""
				}

				if base != nil {
					next = base.ResolveReference(next)
				}

				return next.String()
			}
		}
	}

	return ""
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}
