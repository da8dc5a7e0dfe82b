package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/driver_downloader/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db, now: time.Now}
}

// TrackDownload inserts a record with status 'downloading' unless another status is set
// and returns its row id.
func (r *DownloadWriteRepository) TrackDownload(ctx context.Context, record storage.DownloadRecord) (int64, error) {
	now := r.now().UTC().Format(time.RFC3339)

	status := record.Status
	if status == "" {
		status = "downloading"
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (session_id, name, url, destination, priority, status, message, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.Name, record.URL, record.Destination, record.Priority, status, record.Message, now, now,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// UpdateDownloadStatus sets the status and message of a download.
func (r *DownloadWriteRepository) UpdateDownloadStatus(ctx context.Context, id int64, status, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, r.now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DownloadRepository combines the read and write sides.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
	}
}
