// Package cleanup removes leftovers of interrupted downloads from the models root.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/italolelis/model_downloader/internal/logctx"
)

// PartSuffix marks temporary files written while a download is in flight.
const PartSuffix = ".part"

// IsPartial reports whether name is an in-flight download file.
func IsPartial(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, PartSuffix)
}

// RemoveStalePartials deletes partial files under fs whose last modification is
// older than maxAge and returns their paths. Younger files may belong to a
// running transfer and are kept.
func RemoveStalePartials(ctx context.Context, fs billy.Filesystem, maxAge time.Duration) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var removed []string

	err := util.Walk(fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // removed while walking
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if info.IsDir() || !IsPartial(info.Name()) {
			return nil
		}

		if now.Sub(info.ModTime()) < maxAge {
			return nil
		}

		rel := filepath.ToSlash(path)
		if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale partial file", "file", rel, "err", err)

			return err
		}

		logger.Info("deleted stale partial file", "file", rel, "age", now.Sub(info.ModTime()).Round(time.Second))
		removed = append(removed, rel)

		return nil
	})

	return removed, err
}
