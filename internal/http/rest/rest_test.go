package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
)

type fakeController struct {
	mu       sync.Mutex
	nextID   transfer.SessionID
	started  []transfer.Target
	priority []transfer.Priority
	controls []string
	startErr error
}

func (f *fakeController) Start(_ context.Context, target transfer.Target, priority transfer.Priority) (transfer.SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return 0, f.startErr
	}

	f.nextID++
	f.started = append(f.started, target)
	f.priority = append(f.priority, priority)

	return f.nextID, nil
}

func (f *fakeController) control(op string, id transfer.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id > f.nextID || id == 0 {
		return &transfer.NotFoundError{ID: id}
	}

	f.controls = append(f.controls, op+":"+id.String())

	return nil
}

func (f *fakeController) Pause(id transfer.SessionID) error  { return f.control("pause", id) }
func (f *fakeController) Resume(id transfer.SessionID) error { return f.control("resume", id) }
func (f *fakeController) Cancel(id transfer.SessionID) error { return f.control("cancel", id) }

func (f *fakeController) Session(id transfer.SessionID) (downloader.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id > f.nextID || id == 0 {
		return downloader.Snapshot{}, &transfer.NotFoundError{ID: id}
	}

	return downloader.Snapshot{ID: id, Target: f.started[id-1], State: "running", TotalBytes: -1}, nil
}

func (f *fakeController) Sessions() []downloader.Snapshot {
	f.mu.Lock()
	n := f.nextID
	f.mu.Unlock()

	snaps := make([]downloader.Snapshot, 0, n)

	for id := transfer.SessionID(1); id <= n; id++ {
		s, _ := f.Session(id)
		snaps = append(snaps, s)
	}

	return snaps
}

type memoryCatalog struct {
	mu      sync.Mutex
	entries []storage.CatalogEntry
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{entries: storage.DefaultCatalog()}
}

func (m *memoryCatalog) ListCatalog(_ context.Context, filter storage.CatalogFilter) ([]storage.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []storage.CatalogEntry{}

	for _, e := range m.entries {
		if filter.Group != "" && e.Group != filter.Group {
			continue
		}

		if filter.Query != "" && !strings.Contains(strings.ToLower(e.Name+" "+e.Group), strings.ToLower(filter.Query)) {
			continue
		}

		out = append(out, e)
	}

	return out, nil
}

func (m *memoryCatalog) GetCatalogEntry(_ context.Context, name string) (*storage.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Name == name {
			return &e, nil
		}
	}

	return nil, storage.ErrNotFound
}

func (m *memoryCatalog) AddCatalogEntry(ctx context.Context, entry storage.CatalogEntry) error {
	if _, err := m.GetCatalogEntry(ctx, entry.Name); err == nil {
		return storage.ErrDuplicate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)

	return nil
}

func (m *memoryCatalog) SaveCatalogEntries(_ context.Context, entries []storage.CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

next:
	for _, entry := range entries {
		for i, e := range m.entries {
			if e.Name == entry.Name {
				m.entries[i] = entry

				continue next
			}
		}

		m.entries = append(m.entries, entry)
	}

	return nil
}

func (m *memoryCatalog) DeleteCatalogEntry(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.Name == name {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)

			return nil
		}
	}

	return storage.ErrNotFound
}

type memoryHistory struct {
	records []storage.DownloadRecord
}

func (m *memoryHistory) GetDownloads(_ context.Context, limit int) ([]storage.DownloadRecord, error) {
	out := append([]storage.DownloadRecord(nil), m.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (m *memoryHistory) GetStaleDownloads(context.Context, []string, time.Time) ([]storage.DownloadRecord, error) {
	return nil, nil
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid target", err: &transfer.InvalidTargetError{Field: "url", Reason: "x"}, want: http.StatusBadRequest},
		{name: "unknown format", err: storage.ErrUnknownFormat, want: http.StatusBadRequest},
		{name: "conflict", err: &transfer.ConflictError{Destination: "/a", Holder: 1}, want: http.StatusConflict},
		{name: "duplicate", err: storage.ErrDuplicate, want: http.StatusConflict},
		{name: "session not found", err: &transfer.NotFoundError{ID: 3}, want: http.StatusNotFound},
		{name: "wrapped not found", err: errors.Join(errors.New("lookup"), storage.ErrNotFound), want: http.StatusNotFound},
		{name: "shutting down", err: downloader.ErrShuttingDown, want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled without username", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BasicAuth("", "")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name     string
		user     string
		pass     string
		setAuth  bool
		wantCode int
	}{
		{name: "missing header", wantCode: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true, wantCode: http.StatusUnauthorized},
		{name: "valid", user: "admin", pass: "secret", setAuth: true, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			BasicAuth("admin", "secret")(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
