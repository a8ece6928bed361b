package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/provider/civitai"
	"github.com/italolelis/model_downloader/internal/provider/huggingface"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubItem struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// fakeHub serves files, tree listings and scripted failures for both providers.
type fakeHub struct {
	mu          sync.Mutex
	files       map[string]string
	failures    map[string]int
	statuses    map[string]int
	disposition map[string]string
	trees       map[string][]hubItem
	hits        map[string]int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		files:       make(map[string]string),
		failures:    make(map[string]int),
		statuses:    make(map[string]int),
		disposition: make(map[string]string),
		trees:       make(map[string][]hubItem),
		hits:        make(map[string]int),
	}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := r.URL.Path
	h.hits[p]++

	if h.failures[p] > 0 {
		h.failures[p]--
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)

		return
	}

	if status, ok := h.statuses[p]; ok {
		http.Error(w, http.StatusText(status), status)

		return
	}

	if items, ok := h.trees[p]; ok {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)

		return
	}

	body, ok := h.files[p]
	if !ok {
		http.NotFound(w, r)

		return
	}

	if d, ok := h.disposition[p]; ok {
		w.Header().Set("Content-Disposition", d)
	}

	_, _ = w.Write([]byte(body))
}

func (h *fakeHub) hitCount(p string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.hits[p]
}

func (h *fakeHub) totalHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.hits {
		n += c
	}

	return n
}

type testEnv struct {
	hub     *fakeHub
	fs      billy.Filesystem
	d       *Downloader
	hfURL   string
	civURL  string
	manPath string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	hub := newFakeHub()

	hfSrv := httptest.NewServer(hub)
	t.Cleanup(hfSrv.Close)

	civSrv := httptest.NewServer(hub)
	t.Cleanup(civSrv.Close)

	hf := huggingface.NewClient(hfSrv.URL, huggingface.WithHTTPClient(hfSrv.Client()))
	civ := civitai.NewClient(civitai.WithHTTPClient(civSrv.Client()))

	registry := provider.NewRegistry().
		RegisterResolver(transfer.ProviderHuggingFace, hf).
		RegisterLister(transfer.ProviderHuggingFace, hf).
		RegisterResolver(transfer.ProviderCivitAI, civ)

	fs := memfs.New()
	manPath := filepath.Join(t.TempDir(), "models.ini")

	base := []Option{
		WithRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
		WithManifest(manifest.NewStore(manPath)),
	}

	d := New(fs, source.NewClassifier(hfSrv.URL, civSrv.URL), registry, nil, append(base, opts...)...)

	return &testEnv{hub: hub, fs: fs, d: d, hfURL: hfSrv.URL, civURL: civSrv.URL, manPath: manPath}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

func readFile(t *testing.T, fs billy.Filesystem, p string) string {
	t.Helper()

	data, err := util.ReadFile(fs, p)
	require.NoError(t, err)

	return string(data)
}

func listNames(t *testing.T, fs billy.Filesystem, dir string) []string {
	t.Helper()

	infos, err := fs.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}

	return names
}

func TestTransfer_RejectsUnsafeSubdir(t *testing.T) {
	tests := []struct {
		name   string
		subdir string
	}{
		{name: "parent traversal", subdir: "../../etc"},
		{name: "windows parent traversal", subdir: `loras\..\..\secrets`},
		{name: "absolute", subdir: "/etc"},
		{name: "drive letter", subdir: `C:\Windows`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.hub.files["/u/r/resolve/main/a.bin"] = "payload"

			out := env.d.Transfer(context.Background(), transfer.Request{
				Source: env.hfURL + "/u/r/resolve/main/a.bin",
				Subdir: tt.subdir,
			})

			assert.Equal(t, transfer.StatusFailed, out.Status)
			assert.Equal(t, transfer.FailurePathTraversal, out.Failure)
			assert.Equal(t, 0, out.Attempts)
			assert.Equal(t, 0, env.hub.totalHits())
			for _, p := range []string{"a.bin", "etc", "loras", "secrets", "checkpoints"} {
				_, err := env.fs.Stat(p)
				assert.True(t, isNotExist(err), p)
			}
		})
	}
}

func TestTransfer_VerifiedDownload(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "model weights"

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source: env.hfURL + "/u/r/resolve/main/a.bin",
		Subdir: `loras\SDXL`,
		Digest: strings.ToUpper(sha("model weights")),
	})

	require.NoError(t, out.Err)
	assert.Equal(t, transfer.StatusSuccess, out.Status)
	assert.Equal(t, transfer.Verified, out.Verification)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "loras/SDXL/a.bin", out.RelPath)
	assert.Equal(t, int64(len("model weights")), out.Bytes)
	assert.Equal(t, "model weights", readFile(t, env.fs, "loras/SDXL/a.bin"))
	assert.Equal(t, []string{"a.bin"}, listNames(t, env.fs, "loras/SDXL"))
	assert.Equal(t, "✓ Successfully downloaded: a.bin", out.Message())

	m, err := manifest.Load(env.manPath)
	require.NoError(t, err)

	entry, ok := m.Get("loras_SDXL_a_bin")
	require.True(t, ok)
	assert.Equal(t, sha("model weights"), entry.(manifest.FileEntry).Hash)
}

func TestTransfer_DefaultSubdir(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/b.bin"] = "b"

	out := env.d.Transfer(context.Background(), transfer.Request{Source: env.hfURL + "/u/r/resolve/main/b.bin"})

	require.NoError(t, out.Err)
	assert.Equal(t, "checkpoints/b.bin", out.RelPath)
}

func TestTransfer_IntegrityFailureExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "corrupted"

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source: env.hfURL + "/u/r/resolve/main/a.bin",
		Subdir: "loras",
		Digest: sha("expected"),
	})

	assert.Equal(t, transfer.StatusFailed, out.Status)
	assert.Equal(t, transfer.FailureIntegrity, out.Failure)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, env.hub.hitCount("/u/r/resolve/main/a.bin"))
	assert.Empty(t, listNames(t, env.fs, "loras"))

	_, err := env.fs.Stat("loras/a.bin")
	assert.True(t, isNotExist(err))
}

func TestTransfer_TransientFailureRetried(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "weights"
	env.hub.failures["/u/r/resolve/main/a.bin"] = 1

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source:  env.hfURL + "/u/r/resolve/main/a.bin",
		Subdir:  "loras/SDXL",
		Digest:  sha("weights"),
		Retries: 3,
	})

	require.NoError(t, out.Err)
	assert.Equal(t, transfer.StatusSuccess, out.Status)
	assert.Equal(t, transfer.Verified, out.Verification)
	assert.Equal(t, 2, out.Attempts)
}

func TestTransfer_AuthFailureReported(t *testing.T) {
	env := newTestEnv(t)
	env.hub.statuses["/u/gated/resolve/main/a.bin"] = http.StatusUnauthorized

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source:  env.hfURL + "/u/gated/resolve/main/a.bin",
		Retries: 2,
	})

	assert.Equal(t, transfer.FailureAuth, out.Failure)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.Message(), "AuthFailure after 2 attempts")
}

func TestTransfer_IdempotentWhenPresent(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "weights"

	req := transfer.Request{
		Source: env.hfURL + "/u/r/resolve/main/a.bin",
		Subdir: "loras",
		Digest: sha("weights"),
	}

	first := env.d.Transfer(context.Background(), req)
	require.Equal(t, transfer.StatusSuccess, first.Status)

	second := env.d.Transfer(context.Background(), req)
	assert.Equal(t, transfer.StatusSkippedExisting, second.Status)
	assert.Equal(t, transfer.Verified, second.Verification)
	assert.Equal(t, 0, second.Attempts)
	assert.Equal(t, 1, env.hub.hitCount("/u/r/resolve/main/a.bin"))
	assert.Equal(t, "✓ File already exists and verified: a.bin", second.Message())
}

func TestTransfer_MismatchedExistingFileReplaced(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "fresh"
	require.NoError(t, util.WriteFile(env.fs, "loras/a.bin", []byte("stale"), 0o644))

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source: env.hfURL + "/u/r/resolve/main/a.bin",
		Subdir: "loras",
		Digest: sha("fresh"),
	})

	require.NoError(t, out.Err)
	assert.Equal(t, transfer.StatusSuccess, out.Status)
	assert.Equal(t, "fresh", readFile(t, env.fs, "loras/a.bin"))
}

func TestTransfer_ExistingWithoutDigest(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/u/r/resolve/main/a.bin"] = "fresh"
	require.NoError(t, util.WriteFile(env.fs, "loras/a.bin", []byte("old"), 0o644))

	src := env.hfURL + "/u/r/resolve/main/a.bin"

	out := env.d.Transfer(context.Background(), transfer.Request{Source: src, Subdir: "loras"})
	assert.Equal(t, transfer.StatusSkippedExisting, out.Status)
	assert.Equal(t, transfer.Unverified, out.Verification)
	assert.Equal(t, "old", readFile(t, env.fs, "loras/a.bin"))

	forced := env.d.Transfer(context.Background(), transfer.Request{Source: src, Subdir: "loras", Force: true})
	assert.Equal(t, transfer.StatusSuccess, forced.Status)
	assert.Equal(t, "fresh", readFile(t, env.fs, "loras/a.bin"))
}

func TestTransfer_CivitAIFilenameFromResponse(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/api/download/models/4242"] = "lora bytes"
	env.hub.disposition["/api/download/models/4242"] = `attachment; filename="detail-tweaker.safetensors"`

	src := env.civURL + "/api/download/models/4242"

	out := env.d.Transfer(context.Background(), transfer.Request{Source: src, Subdir: "loras"})
	require.NoError(t, out.Err)
	assert.Equal(t, "loras/detail-tweaker.safetensors", out.RelPath)

	// The name is only known from the response, so presence is detected after resolving.
	again := env.d.Transfer(context.Background(), transfer.Request{Source: src, Subdir: "loras"})
	assert.Equal(t, transfer.StatusSkippedExisting, again.Status)
	assert.Equal(t, 2, env.hub.hitCount("/api/download/models/4242"))
}

func TestTransfer_CivitAIExistingTargetUnreadable(t *testing.T) {
	env := newTestEnv(t)
	env.hub.files["/api/download/models/4242"] = "lora bytes"
	env.hub.disposition["/api/download/models/4242"] = `attachment; filename="detail-tweaker.safetensors"`
	require.NoError(t, env.fs.MkdirAll("loras/detail-tweaker.safetensors", 0o755))

	out := env.d.Transfer(context.Background(), transfer.Request{
		Source: env.civURL + "/api/download/models/4242",
		Subdir: "loras",
	})

	require.Error(t, out.Err)
	assert.Equal(t, transfer.StatusFailed, out.Status)
	assert.Equal(t, transfer.FailureIO, out.Failure)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "loras/detail-tweaker.safetensors", out.RelPath)
	assert.Equal(t, 1, env.hub.hitCount("/api/download/models/4242"))
}

func TestTransfer_HungAttemptTimesOut(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "7")

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()

			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}

			return
		}

		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	hf := huggingface.NewClient(srv.URL, huggingface.WithHTTPClient(srv.Client()))
	registry := provider.NewRegistry().RegisterResolver(transfer.ProviderHuggingFace, hf)

	fs := memfs.New()
	d := New(fs, source.NewClassifier(srv.URL, ""), registry, nil,
		WithRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
		WithAttemptTimeout(200*time.Millisecond),
	)

	start := time.Now()
	out := d.Transfer(context.Background(), transfer.Request{
		Source: srv.URL + "/u/r/resolve/main/a.bin",
		Subdir: "loras",
		Digest: sha("weights"),
	})

	require.NoError(t, out.Err)
	assert.Equal(t, transfer.StatusSuccess, out.Status)
	assert.Equal(t, transfer.Verified, out.Verification)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "weights", readFile(t, fs, "loras/a.bin"))
}

func TestTransfer_UnrecognizedSource(t *testing.T) {
	env := newTestEnv(t)

	tests := []string{
		"https://example.com/model.bin",
		"",
		env.hfURL + "/u/r/tree/main/unet",
	}

	for _, src := range tests {
		out := env.d.Transfer(context.Background(), transfer.Request{Source: src})
		assert.Equal(t, transfer.FailureUnrecognizedSource, out.Failure, src)
		assert.Equal(t, 0, out.Attempts)
	}
}

func TestTransferTree_MirrorsRemoteStructure(t *testing.T) {
	env := newTestEnv(t, WithMaxParallel(2))
	env.hub.trees["/api/models/u/r/tree/main"] = []hubItem{
		{Type: "file", Path: "model_index.json"},
		{Type: "directory", Path: "unet"},
		{Type: "file", Path: "unet/config.json"},
		{Type: "file", Path: "unet/diffusion_pytorch_model.bin"},
		{Type: "file", Path: "README.md"},
		{Type: "file", Path: ".gitattributes"},
	}
	env.hub.files["/u/r/resolve/main/model_index.json"] = "{}"
	env.hub.files["/u/r/resolve/main/unet/config.json"] = "{}"
	env.hub.files["/u/r/resolve/main/unet/diffusion_pytorch_model.bin"] = "weights"

	req := transfer.TreeRequest{
		Reference: env.hfURL + "/u/r/tree/main",
		Subdir:    "diffusers/r",
		Exclude:   []string{"README.md", ".gitattributes"},
	}

	out := env.d.TransferTree(context.Background(), req)
	require.NoError(t, out.Err)

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 3, out.Succeeded)
	assert.Equal(t, 0, out.Failed)
	assert.False(t, out.Unchanged)
	assert.True(t, out.ManifestUpdated)
	assert.Equal(t, "weights", readFile(t, env.fs, "diffusers/r/unet/diffusion_pytorch_model.bin"))
	assert.Equal(t, "{}", readFile(t, env.fs, "diffusers/r/model_index.json"))

	_, err := env.fs.Stat("diffusers/r/README.md")
	assert.True(t, isNotExist(err))

	// A second run skips everything and reports the recorded structure as unchanged.
	again := env.d.TransferTree(context.Background(), req)
	require.NoError(t, again.Err)
	assert.Equal(t, 3, again.Skipped)
	assert.True(t, again.Unchanged)
	assert.False(t, again.ManifestUpdated)
	assert.Equal(t, 1, env.hub.hitCount("/u/r/resolve/main/unet/config.json"))
}

func TestTransferTree_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.hub.trees["/api/models/u/r/tree/main"] = []hubItem{
		{Type: "file", Path: "a.json"},
		{Type: "file", Path: "b.json"},
		{Type: "file", Path: "c.json"},
	}
	env.hub.files["/u/r/resolve/main/a.json"] = "a"
	env.hub.files["/u/r/resolve/main/c.json"] = "c"
	env.hub.statuses["/u/r/resolve/main/b.json"] = http.StatusInternalServerError

	out := env.d.TransferTree(context.Background(), transfer.TreeRequest{Reference: env.hfURL + "/u/r/tree/main", Retries: 2})
	require.NoError(t, out.Err)

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "checkpoints/r", out.SaveFolder)
	assert.False(t, out.ManifestUpdated)
	assert.Equal(t, 2, env.hub.hitCount("/u/r/resolve/main/b.json"))
	assert.Contains(t, out.Message(), "⚠")

	_, found, err := manifest.NewStore(env.manPath).Lookup(context.Background(), manifest.DirectoryEntry{ModelID: "u/r"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransferTree_StructuralChange(t *testing.T) {
	tests := []struct {
		name        string
		update      bool
		wantUpdated bool
		wantCount   int
	}{
		{name: "update requested", update: true, wantUpdated: true, wantCount: 2},
		{name: "update not requested", update: false, wantUpdated: false, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			treePath := "/api/models/u/r/tree/main"
			env.hub.trees[treePath] = []hubItem{{Type: "file", Path: "a.json"}}
			env.hub.files["/u/r/resolve/main/a.json"] = "a"
			env.hub.files["/u/r/resolve/main/b.json"] = "b"

			req := transfer.TreeRequest{Reference: env.hfURL + "/u/r", UpdateManifestOnStructuralChange: tt.update}

			first := env.d.TransferTree(context.Background(), req)
			require.NoError(t, first.Err)
			require.True(t, first.ManifestUpdated)

			env.hub.mu.Lock()
			env.hub.trees[treePath] = []hubItem{{Type: "file", Path: "a.json"}, {Type: "file", Path: "b.json"}}
			env.hub.mu.Unlock()

			second := env.d.TransferTree(context.Background(), req)
			require.NoError(t, second.Err)
			assert.False(t, second.Unchanged)
			assert.Equal(t, tt.wantUpdated, second.ManifestUpdated)

			got, found, err := manifest.NewStore(env.manPath).Lookup(context.Background(), manifest.DirectoryEntry{ModelID: "u/r"})
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.wantCount, got.(manifest.DirectoryEntry).FileCount)
		})
	}
}

func TestTransferTree_SubdirectoryPath(t *testing.T) {
	env := newTestEnv(t)
	env.hub.trees["/api/models/u/r/tree/fp16/unet"] = []hubItem{
		{Type: "file", Path: "unet/config.json"},
	}
	env.hub.files["/u/r/resolve/fp16/unet/config.json"] = "{}"

	out := env.d.TransferTree(context.Background(), transfer.TreeRequest{
		Reference: env.hfURL + "/u/r/tree/fp16/unet",
		Subdir:    "diffusers/r-unet",
	})
	require.NoError(t, out.Err)

	assert.Equal(t, "fp16", out.Revision)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, "{}", readFile(t, env.fs, "diffusers/r-unet/config.json"))
}

func TestTransferTree_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	env.hub.statuses["/api/models/u/missing/tree/main"] = http.StatusNotFound

	tests := []struct {
		name string
		req  transfer.TreeRequest
		want transfer.FailureKind
	}{
		{name: "civitai reference", req: transfer.TreeRequest{Reference: env.civURL + "/api/download/models/1"}, want: transfer.FailureUnrecognizedSource},
		{name: "single file", req: transfer.TreeRequest{Reference: env.hfURL + "/u/r/resolve/main/a.bin"}, want: transfer.FailureUnrecognizedSource},
		{name: "unsafe subdir", req: transfer.TreeRequest{Reference: env.hfURL + "/u/r", Subdir: "../x"}, want: transfer.FailurePathTraversal},
		{name: "listing failure", req: transfer.TreeRequest{Reference: env.hfURL + "/u/missing", Retries: 1}, want: transfer.FailureNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := env.d.TransferTree(context.Background(), tt.req)
			require.Error(t, out.Err)
			assert.Equal(t, tt.want, transfer.Classify(out.Err))
		})
	}
}

func TestTransferTree_UnsafeRemotePath(t *testing.T) {
	env := newTestEnv(t)
	env.hub.trees["/api/models/u/r/tree/main"] = []hubItem{
		{Type: "file", Path: "ok.json"},
		{Type: "file", Path: "../escape.json"},
	}
	env.hub.files["/u/r/resolve/main/ok.json"] = "ok"

	out := env.d.TransferTree(context.Background(), transfer.TreeRequest{Reference: env.hfURL + "/u/r"})
	require.NoError(t, out.Err)

	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)

	var kinds []transfer.FailureKind
	for _, f := range out.Files {
		kinds = append(kinds, f.Failure)
	}

	assert.Contains(t, kinds, transfer.FailurePathTraversal)
}

type truncatedLister struct {
	calls atomic.Int32
}

func (l *truncatedLister) ListTree(context.Context, string, string, string, string) ([]transfer.RemoteTreeEntry, error) {
	l.calls.Add(1)

	return nil, &transfer.NetworkError{Operation: "list_tree", APIMessage: "more than 1 listing pages", Err: provider.ErrListingTruncated}
}

func (l *truncatedLister) FileReference(repoID, revision, filePath string) source.Reference {
	return huggingface.NewClient("").FileReference(repoID, revision, filePath)
}

func TestTransferTree_TruncatedListingNotRecorded(t *testing.T) {
	lister := &truncatedLister{}
	registry := provider.NewRegistry().
		RegisterResolver(transfer.ProviderHuggingFace, huggingface.NewClient("")).
		RegisterLister(transfer.ProviderHuggingFace, lister)

	manPath := filepath.Join(t.TempDir(), "models.ini")
	d := New(memfs.New(), source.NewClassifier("", ""), registry, nil,
		WithRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
		WithManifest(manifest.NewStore(manPath)),
	)

	out := d.TransferTree(context.Background(), transfer.TreeRequest{Reference: "https://huggingface.co/u/r"})

	require.ErrorIs(t, out.Err, provider.ErrListingTruncated)
	assert.Equal(t, 0, out.Total)
	assert.False(t, out.ManifestUpdated)
	assert.Equal(t, int32(1), lister.calls.Load())

	_, err := os.Stat(manPath)
	assert.True(t, os.IsNotExist(err))
}
