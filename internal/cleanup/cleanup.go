package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

// PathGuard runs remove on a path only while no session writes to it, and keeps
// new sessions from claiming the path until remove returns. It reports false when
// the path is held.
type PathGuard interface {
	RemoveIfIdle(path string, remove func(path string) error) (bool, error)
}

// DeletePartialFiles removes files left behind by failed or canceled downloads once
// their record is older than keepDuration. Files written to since then, or held by a
// running session, are kept. It returns the number of removed files.
func DeletePartialFiles(ctx context.Context, repo storage.DownloadReadRepository, guard PathGuard, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-keepDuration)

	records, err := repo.GetStaleDownloads(ctx, []string{transfer.StatusFailed, transfer.StatusCanceled}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale downloads: %w", err)
	}

	removed := 0

	for _, rec := range records {
		filePath := rec.Destination

		var (
			size    int64
			deleted bool
		)

		remove := func(path string) error {
			n, ok, err := removeStale(path, cutoff)
			size, deleted = n, ok

			return err
		}

		idle := true

		if guard != nil {
			idle, err = guard.RemoveIfIdle(filePath, remove)
		} else {
			err = remove(filePath)
		}

		if err != nil {
			logger.Error("failed to delete partial file", "file", filePath, "err", err)

			return removed, err
		}

		if !idle {
			logger.Debug("partial file is in use, skipping", "file", filePath)

			continue
		}

		if !deleted {
			continue
		}

		removed++

		logger.Info("deleted partial file", "file", filePath, "size", humanize.Bytes(uint64(size)), "status", rec.Status)
	}

	return removed, nil
}

// removeStale deletes path when it is a regular file last modified before cutoff.
func removeStale(path string, cutoff time.Time) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil // already deleted or resumed elsewhere
		}

		return 0, false, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() || info.ModTime().After(cutoff) {
		return 0, false, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, false, err
	}

	return info.Size(), true, nil
}

// Run calls DeletePartialFiles every interval until ctx is done.
func Run(ctx context.Context, repo storage.DownloadReadRepository, guard PathGuard, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down partial file cleanup")

			return
		case <-ticker.C:
			if _, err := DeletePartialFiles(ctx, repo, guard, keepDuration); err != nil {
				logger.Error("failed to clean up partial files", "err", err)
			}
		}
	}
}
