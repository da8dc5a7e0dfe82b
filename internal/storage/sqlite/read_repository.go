package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/driver_downloader/internal/storage"
)

const downloadColumns = `id, session_id, name, url, destination, priority, status, message, started_at, updated_at`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

// GetDownloads returns the most recent records first. A limit <= 0 returns all of them.
func (r *DownloadReadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// GetStaleDownloads returns, per destination, the latest record when it is in one of
// statuses and was last updated before the given time.
func (r *DownloadReadRepository) GetStaleDownloads(ctx context.Context, statuses []string, before time.Time) ([]storage.DownloadRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}

	args = append(args, before.UTC().Format(time.RFC3339))

	query := `SELECT ` + downloadColumns + ` FROM downloads
		WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)
		AND updated_at < ?
		AND id = (SELECT MAX(d.id) FROM downloads d WHERE d.destination = downloads.destination)
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDownloads(rows)
}

func scanDownloads(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record               storage.DownloadRecord
			startedAt, updatedAt string
		)

		if err := rows.Scan(
			&record.ID, &record.SessionID, &record.Name, &record.URL, &record.Destination,
			&record.Priority, &record.Status, &record.Message, &startedAt, &updatedAt,
		); err != nil {
			return nil, err
		}

		var err error

		if record.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse started_at of download %d: %w", record.ID, err)
		}

		if record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of download %d: %w", record.ID, err)
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
