package batch

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
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/provider/huggingface"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.messages = append(n.messages, content)

	return nil
}

type fixture struct {
	fs      billy.Filesystem
	runner  *Runner
	srvURL  string
	hits    map[string]int
	mu      *sync.Mutex
	notes   *recordingNotifier
	manPath string
}

func newFixture(t *testing.T, files map[string]string, tree []map[string]any) *fixture {
	t.Helper()

	var mu sync.Mutex
	hits := make(map[string]int)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()

		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			_ = json.NewEncoder(w).Encode(tree)

			return
		}

		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	hf := huggingface.NewClient(srv.URL, huggingface.WithHTTPClient(srv.Client()))
	registry := provider.NewRegistry().
		RegisterResolver(transfer.ProviderHuggingFace, hf).
		RegisterLister(transfer.ProviderHuggingFace, hf)

	fs := memfs.New()
	d := downloader.New(fs, source.NewClassifier(srv.URL, ""), registry, nil,
		downloader.WithRetryPolicy(2, time.Millisecond, 2*time.Millisecond))

	notes := &recordingNotifier{}

	return &fixture{
		fs:      fs,
		runner:  NewRunner(d, WithPartialSweep(fs, 0), WithNotifier(notes)),
		srvURL:  srv.URL,
		hits:    hits,
		mu:      &mu,
		notes:   notes,
		manPath: filepath.Join(t.TempDir(), "models.ini"),
	}
}

func (f *fixture) hitCount(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[p]
}

func TestRun_FileAndDirectoryEntries(t *testing.T) {
	files := map[string]string{
		"/u/r/resolve/main/a.bin":          "lora",
		"/u/big/resolve/main/one.json":     "1",
		"/u/big/resolve/main/two.json":     "2",
		"/u/big/resolve/main/unet/3.bin":   "3",
		"/u/big/resolve/main/unet/4.bin":   "4",
		"/u/big/resolve/main/vae/five.bin": "5",
	}
	tree := []map[string]any{
		{"type": "file", "path": "one.json"},
		{"type": "file", "path": "two.json"},
		{"type": "directory", "path": "unet"},
		{"type": "file", "path": "unet/3.bin"},
		{"type": "file", "path": "unet/4.bin"},
		{"type": "file", "path": "vae/five.bin"},
		{"type": "file", "path": "README.md"},
	}

	f := newFixture(t, files, tree)

	m := manifest.New()
	m.Set(manifest.FileEntry{
		URL:          f.srvURL + "/u/r/resolve/main/a.bin",
		Subdirectory: "loras",
		Filename:     "a.bin",
		Hash:         digestOf("lora"),
	})
	m.Set(manifest.DirectoryEntry{
		ModelID:      "u/big",
		SaveFolder:   "diffusers/big",
		Revision:     "main",
		ExcludeFiles: []string{"README.md"},
		FileCount:    5,
	})
	require.NoError(t, manifest.Save(f.manPath, m))

	// The file entry and two of the five directory files are already present.
	require.NoError(t, util.WriteFile(f.fs, "loras/a.bin", []byte("lora"), 0o644))
	require.NoError(t, util.WriteFile(f.fs, "diffusers/big/one.json", []byte("1"), 0o644))
	require.NoError(t, util.WriteFile(f.fs, "diffusers/big/unet/3.bin", []byte("3"), 0o644))
	require.NoError(t, util.WriteFile(f.fs, "diffusers/big/.stale.bin.1-aa.part", []byte("x"), 0o644))

	summary, err := f.runner.Run(context.Background(), Options{ManifestPath: f.manPath, SkipExisting: true})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 3, summary.SkippedExisting)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 6, summary.Total)
	assert.Len(t, summary.Entries, 2)
	assert.Equal(t, "✓ Completed: 4 success, 3 skipped, 0 failed", summary.Message())
	assert.Equal(t, "Total: 6\nSuccess: 4\nSkipped: 3\nFailed: 0", summary.Report())

	assert.Equal(t, 0, f.hitCount("/u/r/resolve/main/a.bin"))
	assert.Equal(t, 0, f.hitCount("/u/big/resolve/main/one.json"))

	data, err := util.ReadFile(f.fs, "diffusers/big/vae/five.bin")
	require.NoError(t, err)
	assert.Equal(t, "5", string(data))

	_, err = f.fs.Stat("diffusers/big/.stale.bin.1-aa.part")
	assert.True(t, os.IsNotExist(err))

	require.Len(t, f.notes.messages, 1)
	assert.True(t, strings.HasPrefix(f.notes.messages[0], "✓ Completed"))

	// The directory entry matched the recorded structure and the manifest keeps both entries.
	tr := summary.Entries[1].Tree
	require.NotNil(t, tr)
	assert.True(t, tr.Unchanged)

	reloaded, err := manifest.Load(f.manPath)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
}

func TestRun_HandNamedDirectorySectionKept(t *testing.T) {
	tests := []struct {
		name      string
		update    bool
		wantCount int
	}{
		{name: "structure recorded only", update: false, wantCount: 1},
		{name: "structure rewritten in place", update: true, wantCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{
				"/u/big/resolve/main/one.json": "1",
				"/u/big/resolve/main/two.json": "2",
			}
			tree := []map[string]any{
				{"type": "file", "path": "one.json"},
				{"type": "file", "path": "two.json"},
			}

			f := newFixture(t, files, tree)

			require.NoError(t, os.WriteFile(f.manPath, []byte(`[flux]
type = huggingface_directory
model_id = u/big
save_folder = diffusers/big
revision = main
file_count = 1
`), 0o644))

			summary, err := f.runner.Run(context.Background(), Options{
				ManifestPath:                     f.manPath,
				SkipExisting:                     true,
				UpdateManifestOnStructuralChange: tt.update,
			})
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Succeeded)
			assert.Equal(t, "flux", summary.Entries[0].Section)
			assert.False(t, summary.Entries[0].Tree.Unchanged)

			reloaded, err := manifest.Load(f.manPath)
			require.NoError(t, err)
			require.Equal(t, 1, reloaded.Len())

			got, ok := reloaded.Get("flux")
			require.True(t, ok)
			assert.Equal(t, tt.wantCount, got.(manifest.DirectoryEntry).FileCount)

			_, ok = reloaded.Get("u_big")
			assert.False(t, ok)
		})
	}
}

func TestRun_FailuresAreCountedNotFatal(t *testing.T) {
	f := newFixture(t, map[string]string{"/u/r/resolve/main/ok.bin": "ok"}, nil)

	m := manifest.New()
	m.Set(manifest.FileEntry{URL: f.srvURL + "/u/r/resolve/main/missing.bin", Subdirectory: "a"})
	m.Set(manifest.FileEntry{URL: "https://example.com/x.bin", Subdirectory: "b"})
	m.Set(manifest.FileEntry{URL: f.srvURL + "/u/r/resolve/main/ok.bin", Subdirectory: "../escape"})
	m.Set(manifest.FileEntry{URL: f.srvURL + "/u/r/resolve/main/ok.bin", Subdirectory: "c"})
	require.NoError(t, manifest.Save(f.manPath, m))

	summary, err := f.runner.Run(context.Background(), Options{ManifestPath: f.manPath, SkipExisting: true})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, "⚠ Completed: 1 success, 0 skipped, 3 failed", summary.Message())
	assert.Len(t, summary.FailedSections(), 3)
	assert.Contains(t, summary.Report(), "Failed models:")

	kinds := make([]transfer.FailureKind, 0, 3)
	for _, e := range summary.Entries {
		if e.Failed() {
			kinds = append(kinds, e.File.Failure)
		}
	}

	assert.ElementsMatch(t, []transfer.FailureKind{
		transfer.FailureNetwork, transfer.FailureUnrecognizedSource, transfer.FailurePathTraversal,
	}, kinds)
}

func TestRun_SkipExistingDisabledRedownloads(t *testing.T) {
	f := newFixture(t, map[string]string{"/u/r/resolve/main/a.bin": "new"}, nil)

	m := manifest.New()
	m.Set(manifest.FileEntry{URL: f.srvURL + "/u/r/resolve/main/a.bin", Subdirectory: "loras", Filename: "a.bin"})
	require.NoError(t, manifest.Save(f.manPath, m))
	require.NoError(t, util.WriteFile(f.fs, "loras/a.bin", []byte("old"), 0o644))

	summary, err := f.runner.Run(context.Background(), DefaultOptions().withPath(f.manPath))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedExisting)

	summary, err = f.runner.Run(context.Background(), Options{ManifestPath: f.manPath, SkipExisting: false})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	data, err := util.ReadFile(f.fs, "loras/a.bin")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRun_ManifestErrors(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.runner.Run(context.Background(), Options{ManifestPath: filepath.Join(t.TempDir(), "absent.ini")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")

	require.NoError(t, os.WriteFile(f.manPath, []byte("[broken]\nsubdirectory = x\n"), 0o644))

	_, err = f.runner.Run(context.Background(), Options{ManifestPath: f.manPath})
	assert.ErrorIs(t, err, ErrEmptyManifest)
}

func (o Options) withPath(p string) Options {
	o.ManifestPath = p

	return o
}
