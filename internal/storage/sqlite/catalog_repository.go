package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/mattn/go-sqlite3"
)

type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(dbConn *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: dbConn}
}

// SeedDefaults stores entries when the catalog is empty. It reports whether it did.
func (r *CatalogRepository) SeedDefaults(ctx context.Context, entries []storage.CatalogEntry) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog`).Scan(&count); err != nil {
		return false, err
	}

	if count > 0 {
		return false, nil
	}

	if err := r.SaveCatalogEntries(ctx, entries); err != nil {
		return false, err
	}

	return true, nil
}

// ListCatalog returns entries in insertion order. Query matching is done here rather
// than with SQL LIKE, which only folds ASCII case.
func (r *CatalogRepository) ListCatalog(ctx context.Context, filter storage.CatalogFilter) ([]storage.CatalogEntry, error) {
	query := `SELECT name, url, group_name, checksum FROM catalog`

	var args []any
	if filter.Group != "" {
		query += ` WHERE group_name = ?`

		args = append(args, filter.Group)
	}

	rows, err := r.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	needle := strings.ToLower(strings.TrimSpace(filter.Query))

	entries := []storage.CatalogEntry{}

	for rows.Next() {
		var e storage.CatalogEntry
		if err := rows.Scan(&e.Name, &e.URL, &e.Group, &e.Checksum); err != nil {
			return nil, err
		}

		if needle != "" &&
			!strings.Contains(strings.ToLower(e.Name), needle) &&
			!strings.Contains(strings.ToLower(e.Group), needle) {
			continue
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *CatalogRepository) GetCatalogEntry(ctx context.Context, name string) (*storage.CatalogEntry, error) {
	var e storage.CatalogEntry

	err := r.db.QueryRowContext(ctx,
		`SELECT name, url, group_name, checksum FROM catalog WHERE name = ?`, name,
	).Scan(&e.Name, &e.URL, &e.Group, &e.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &e, nil
}

func (r *CatalogRepository) AddCatalogEntry(ctx context.Context, entry storage.CatalogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO catalog (name, url, group_name, checksum) VALUES (?, ?, ?, ?)`,
		entry.Name, entry.URL, entry.Group, entry.Checksum,
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("catalog entry %q: %w", entry.Name, storage.ErrDuplicate)
	}

	return err
}

// SaveCatalogEntries upserts all entries in one transaction.
func (r *CatalogRepository) SaveCatalogEntries(ctx context.Context, entries []storage.CatalogEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog (name, url, group_name, checksum) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			group_name = excluded.group_name,
			checksum = excluded.checksum`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Name, e.URL, e.Group, e.Checksum); err != nil {
			return fmt.Errorf("failed to save catalog entry %q: %w", e.Name, err)
		}
	}

	return tx.Commit()
}

func (r *CatalogRepository) DeleteCatalogEntry(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM catalog WHERE name = ?`, name)
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
