package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = 5 * time.Millisecond
	opts.RetryMaxBackoff = 20 * time.Millisecond

	return opts
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "bytes", header: "bytes", want: true},
		{name: "uppercase", header: "Bytes", want: true},
		{name: "none", header: "none", want: false},
		{name: "absent", header: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)

				if tt.header != "" {
					w.Header().Set("Accept-Ranges", tt.header)
				}
			}))
			defer server.Close()

			got, err := NewClient(testOptions()).Probe(context.Background(), server.URL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProbeFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	got, err := NewClient(testOptions()).Probe(context.Background(), server.URL+"/old")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestProbeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(testOptions()).Probe(context.Background(), server.URL)

	var transportErr *transfer.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusNotFound, transportErr.StatusCode)
}

func TestGetRange(t *testing.T) {
	data := []byte("Hello, World! This is test data for range requests.")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Write(data)

			return
		}

		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"))
		require.NoError(t, err)

		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(len(data)-1)+"/"+strconv.Itoa(len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}))
	defer server.Close()

	client := NewClient(testOptions())

	resp, err := client.Get(context.Background(), server.URL, 7)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, resp.Resumed)
	assert.Equal(t, int64(len(data)-7), resp.ContentLength)
	assert.Equal(t, string(data[7:]), string(body))

	full, err := client.Get(context.Background(), server.URL, 0)
	require.NoError(t, err)
	defer full.Body.Close()

	assert.False(t, full.Resumed)
	assert.Equal(t, int64(len(data)), full.ContentLength)
}

func TestGetRangeIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.Write([]byte("full"))
	}))
	defer server.Close()

	resp, err := NewClient(testOptions()).Get(context.Background(), server.URL, 2)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.False(t, resp.Resumed, "a 200 answer to a range request is not a resume")
}

func TestGetRangeContentRangeCheck(t *testing.T) {
	data := []byte("0123456789abcdefghij")

	tests := []struct {
		name         string
		contentRange string
		wantResumed  bool
		wantErr      bool
	}{
		{name: "matches offset", contentRange: "bytes 5-19/20", wantResumed: true},
		{name: "whole resource", contentRange: "bytes 0-19/20"},
		{name: "unknown total", contentRange: "bytes 5-19/*", wantResumed: true},
		{name: "wrong start", contentRange: "bytes 3-19/20", wantErr: true},
		{name: "missing header", wantErr: true},
		{name: "garbage", contentRange: "items 5-19", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)

				if tt.contentRange != "" {
					w.Header().Set("Content-Range", tt.contentRange)
				}

				w.WriteHeader(http.StatusPartialContent)
				w.Write(data)
			}))
			defer server.Close()

			resp, err := NewClient(testOptions()).Get(context.Background(), server.URL, 5)

			if tt.wantErr {
				var transportErr *transfer.TransportError
				require.ErrorAs(t, err, &transportErr)
				assert.Equal(t, int32(1), attempts.Load(), "a bad range is not retried")

				return
			}

			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantResumed, resp.Resumed)
		})
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 199, 1000}, []int64{start, end, total})

	_, _, total, err = parseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "bytes 9-0/10", "bytes x-9/10", "bytes 0-9", "bytes */10"} {
		_, _, _, err := parseContentRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetRangeNotSatisfiable(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	_, err := NewClient(testOptions()).Get(context.Background(), server.URL, 100)

	var rangeErr *transfer.RangeUnsatisfiableError
	require.True(t, errors.As(err, &rangeErr), "got %v", err)
	assert.Equal(t, int64(100), rangeErr.Offset)
	assert.Equal(t, int32(1), attempts.Load(), "416 must not be retried")
}

func TestGetRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.Write([]byte("ok"))
	}))
	defer server.Close()

	resp, err := NewClient(testOptions()).Get(context.Background(), server.URL, 0)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(3), attempts.Load())
}

func TestGetGivesUpAfterRetries(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions()
	opts.RetryAttempts = 2

	_, err := NewClient(opts).Get(context.Background(), server.URL, 0)

	var transportErr *transfer.TransportError
	require.True(t, errors.As(err, &transportErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, transportErr.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestGetNotFoundIsPermanent(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(testOptions()).Get(context.Background(), server.URL, 0)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGetIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()

		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond

	resp, err := NewClient(opts).Get(context.Background(), server.URL, 0)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIdleTimeout), "got %v", err)
}
