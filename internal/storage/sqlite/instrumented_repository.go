package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves the download history with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx, limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetStaleDownloads retrieves stale downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetStaleDownloads(ctx context.Context, statuses []string, before time.Time) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_stale_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetStaleDownloads(ctx, statuses, before)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// TrackDownload records a new download with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, record storage.DownloadRecord) (int64, error) {
	var id int64

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		var err error

		id, err = r.repo.TrackDownload(ctx, record)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return id, nil
}

// UpdateDownloadStatus updates download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, id int64, status, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, id, status, message)
	})
}

// InstrumentedCatalogRepository wraps CatalogRepository with telemetry.
type InstrumentedCatalogRepository struct {
	repo      *CatalogRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedCatalogRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedCatalogRepository {
	return &InstrumentedCatalogRepository{
		repo:      NewCatalogRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedCatalogRepository) SeedDefaults(ctx context.Context, entries []storage.CatalogEntry) (bool, error) {
	var seeded bool

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "seed_catalog", func(ctx context.Context) error {
		var err error

		seeded, err = r.repo.SeedDefaults(ctx, entries)

		return err
	})

	return seeded, instrumentedErr
}

func (r *InstrumentedCatalogRepository) ListCatalog(ctx context.Context, filter storage.CatalogFilter) ([]storage.CatalogEntry, error) {
	var result []storage.CatalogEntry

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_catalog", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListCatalog(ctx, filter)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedCatalogRepository) GetCatalogEntry(ctx context.Context, name string) (*storage.CatalogEntry, error) {
	var result *storage.CatalogEntry

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_catalog_entry", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetCatalogEntry(ctx, name)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedCatalogRepository) AddCatalogEntry(ctx context.Context, entry storage.CatalogEntry) error {
	return r.telemetry.InstrumentDBOperation(ctx, "add_catalog_entry", func(ctx context.Context) error {
		return r.repo.AddCatalogEntry(ctx, entry)
	})
}

func (r *InstrumentedCatalogRepository) SaveCatalogEntries(ctx context.Context, entries []storage.CatalogEntry) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_catalog_entries", func(ctx context.Context) error {
		return r.repo.SaveCatalogEntries(ctx, entries)
	})
}

func (r *InstrumentedCatalogRepository) DeleteCatalogEntry(ctx context.Context, name string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_catalog_entry", func(ctx context.Context) error {
		return r.repo.DeleteCatalogEntry(ctx, name)
	})
}
