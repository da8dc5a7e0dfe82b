package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// CatalogEntry is a named download known to the service.
type CatalogEntry struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	Group    string `json:"group" yaml:"group"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// CatalogFilter narrows a catalog listing. Empty fields match everything.
type CatalogFilter struct {
	Group string
	// Query matches a case-insensitive substring of the name or the group.
	Query string
}

// DownloadRecord represents one session in the download history.
type DownloadRecord struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name,omitempty"`
	URL         string    `json:"url"`
	Destination string    `json:"destination"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CatalogRepository interface {
	ListCatalog(ctx context.Context, filter CatalogFilter) ([]CatalogEntry, error)
	GetCatalogEntry(ctx context.Context, name string) (*CatalogEntry, error)
	// AddCatalogEntry fails with ErrDuplicate when the name is taken.
	AddCatalogEntry(ctx context.Context, entry CatalogEntry) error
	// SaveCatalogEntries inserts or replaces entries by name.
	SaveCatalogEntries(ctx context.Context, entries []CatalogEntry) error
	DeleteCatalogEntry(ctx context.Context, name string) error
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
	// GetStaleDownloads returns the latest record of each destination when it is in
	// one of statuses and was last updated before the given time.
	GetStaleDownloads(ctx context.Context, statuses []string, before time.Time) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, record DownloadRecord) (int64, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status, message string) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
