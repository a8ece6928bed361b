// Package civitai resolves model version downloads on CivitAI.
package civitai

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// FallbackFilename is used when the response carries no usable Content-Disposition.
const FallbackFilename = "downloaded_model.safetensors"

type Client struct {
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = provider.NewHTTPClient(provider.DefaultResponseHeaderTimeout)
	}

	return c
}

// ResolveFile implements provider.FileResolver for CivitAI. The filename is
// taken from the Content-Disposition header of the download response.
func (c *Client) ResolveFile(ctx context.Context, ref source.Reference, token string) (*transfer.RemoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("model_version_id", ref.ModelVersionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	provider.SetAuth(req, token)

	resp, err := provider.Do(c.httpClient, req, transfer.ProviderCivitAI, "resolve_file")
	if err != nil {
		logger.DebugContext(ctx, "failed to resolve file", "err", err)

		return nil, err
	}

	filename := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		logger.DebugContext(ctx, "no filename in response, using fallback", "filename", FallbackFilename)

		filename = FallbackFilename
	}

	return &transfer.RemoteFile{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Filename: filename,
	}, nil
}

// FilenameFromDisposition extracts a bare filename from a Content-Disposition
// header. Directory components are dropped; it returns "" when none is present.
func FilenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	name := strings.ReplaceAll(params["filename"], `\`, "/")
	name = strings.TrimSpace(path.Base(name))

	switch name {
	case "", ".", "/", "..":
		return ""
	}

	return name
}
