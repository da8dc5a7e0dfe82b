package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDownloadsServer(t *testing.T) (*httptest.Server, *fakeController) {
	t.Helper()

	ctrl := &fakeController{}
	history := &memoryHistory{records: []storage.DownloadRecord{
		{ID: 1, SessionID: "1", URL: "https://example.com/a.zip", Status: transfer.StatusCompleted},
		{ID: 2, SessionID: "2", URL: "https://example.com/b.zip", Status: transfer.StatusFailed},
	}}

	h := NewDownloadsHandler(ctrl, newMemoryCatalog(), history, "/srv/drivers")
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return srv, ctrl
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestStartDownload(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantTarget   transfer.Target
		wantPriority transfer.Priority
	}{
		{
			name: "explicit url",
			body: `{"url": "https://example.com/files/driver.zip", "checksum": "abc", "priority": "high"}`,
			wantTarget: transfer.Target{
				URL:            "https://example.com/files/driver.zip",
				Destination:    filepath.Join("/srv/drivers", "driver.zip"),
				ExpectedDigest: "abc",
			},
			wantPriority: transfer.PriorityHigh,
		},
		{
			name: "catalog entry",
			body: `{"name": "Elgin", "destination": "/tmp/elgin.zip"}`,
			wantTarget: transfer.Target{
				Name:        "Elgin",
				URL:         "https://www.bztech.com.br/arquivos/driver-elgin-i7-i8-e-i9-windows-e-linux.zip",
				Destination: "/tmp/elgin.zip",
			},
		},
		{
			name: "catalog entry with url override",
			body: `{"name": "POS-80", "url": "https://mirror.example.com/pos.exe", "priority": 1}`,
			wantTarget: transfer.Target{
				Name:        "POS-80",
				URL:         "https://mirror.example.com/pos.exe",
				Destination: filepath.Join("/srv/drivers", "pos.exe"),
			},
			wantPriority: transfer.PriorityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := newDownloadsServer(t)

			resp := postJSON(t, srv.URL+"/", tt.body)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)

			var got startResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, transfer.SessionID(1), got.ID)

			require.Len(t, ctrl.started, 1)
			assert.Equal(t, tt.wantTarget, ctrl.started[0])
			assert.Equal(t, tt.wantPriority, ctrl.priority[0])
		})
	}
}

func TestStartDownloadErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
	}{
		{name: "malformed body", body: `{`, wantCode: http.StatusBadRequest},
		{name: "no url or name", body: `{"destination": "/tmp/x"}`, wantCode: http.StatusBadRequest},
		{name: "unknown catalog name", body: `{"name": "nope"}`, wantCode: http.StatusNotFound},
		{name: "bad priority", body: `{"url": "https://example.com/a.zip", "priority": "urgent"}`, wantCode: http.StatusBadRequest},
		{name: "no file name in url", body: `{"url": "https://example.com/"}`, wantCode: http.StatusBadRequest},
		{
			name:     "conflict",
			body:     `{"url": "https://example.com/a.zip"}`,
			startErr: &transfer.ConflictError{Destination: "/srv/drivers/a.zip", Holder: 1},
			wantCode: http.StatusConflict,
		},
		{
			name:     "shutting down",
			body:     `{"url": "https://example.com/a.zip"}`,
			startErr: downloader.ErrShuttingDown,
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := newDownloadsServer(t)
			ctrl.startErr = tt.startErr

			resp := postJSON(t, srv.URL+"/", tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestSessionControl(t *testing.T) {
	srv, ctrl := newDownloadsServer(t)

	resp := postJSON(t, srv.URL+"/", `{"url": "https://example.com/a.zip"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/1/pause", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/1/resume", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/1", nil)
	require.NoError(t, err)

	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	assert.Equal(t, []string{"pause:1", "resume:1", "cancel:1"}, ctrl.controls)

	resp = postJSON(t, srv.URL+"/7/pause", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/abc/pause", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndGetSessions(t *testing.T) {
	srv, _ := newDownloadsServer(t)

	postJSON(t, srv.URL+"/", `{"url": "https://example.com/a.zip"}`)
	postJSON(t, srv.URL+"/", `{"url": "https://example.com/b.zip"}`)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snaps []downloader.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, transfer.SessionID(2), snaps[1].ID)

	one, err := http.Get(srv.URL + "/2")
	require.NoError(t, err)
	defer one.Body.Close()

	var snap downloader.Snapshot
	require.NoError(t, json.NewDecoder(one.Body).Decode(&snap))
	assert.Equal(t, "https://example.com/b.zip", snap.Target.URL)

	missing, err := http.Get(srv.URL + "/9")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListHistory(t *testing.T) {
	srv, _ := newDownloadsServer(t)

	resp, err := http.Get(srv.URL + "/history?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var records []storage.DownloadRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].ID)

	bad, err := http.Get(srv.URL + "/history?limit=0")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
