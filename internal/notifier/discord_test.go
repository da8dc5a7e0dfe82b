package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier(t *testing.T) {
	var got map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewDiscordNotifier(server.URL).Notify(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got["content"])
}

func TestDiscordNotifierRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, NewDiscordNotifier(server.URL).Notify(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiscordNotifierErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "rate limited until out of tries", status: http.StatusTooManyRequests, wantCalls: 2},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			n := NewDiscordNotifier(server.URL)
			n.MaxTries = 2

			assert.Error(t, n.Notify(context.Background(), "hello"))
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}

	assert.Error(t, NewDiscordNotifier("").Notify(context.Background(), "hello"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(""))
	assert.Equal(t, 0, retryAfterSeconds("0"))
	assert.Equal(t, 2, retryAfterSeconds("1.2"))
}

func TestFormatOutcome(t *testing.T) {
	target := transfer.Target{Name: "Elgin", URL: "https://example.com/elgin.zip"}

	tests := []struct {
		name    string
		outcome transfer.OutcomeEvent
		want    string
	}{
		{
			name:    "success",
			outcome: transfer.OutcomeEvent{Success: true, Message: transfer.MessageVerified, Target: target},
			want:    "Download finished: Elgin (downloaded and verified)",
		},
		{
			name:    "canceled",
			outcome: transfer.OutcomeEvent{Message: transfer.MessageCanceled, Target: target},
			want:    "Download canceled: Elgin",
		},
		{
			name:    "failed without name",
			outcome: transfer.OutcomeEvent{Message: "boom", Target: transfer.Target{URL: "https://example.com/x.zip"}},
			want:    "Download failed: https://example.com/x.zip (boom)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOutcome(tt.outcome))
		})
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, content)

	return nil
}

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.messages...)
}

func TestWatchNotifiesOutcomesOnly(t *testing.T) {
	broker := events.NewBroker()
	sub := broker.Subscribe(8)
	n := &recordingNotifier{}

	done := make(chan struct{})

	go func() {
		Watch(context.Background(), n, sub)
		close(done)
	}()

	target := transfer.Target{Name: "Bematech"}
	broker.Publish(transfer.NewProgressEvent(1, 50))
	broker.Publish(transfer.NewOutcomeEvent(transfer.OutcomeEvent{ID: 1, Success: true, Message: transfer.MessageDownloaded, Target: target}))

	require.Eventually(t, func() bool { return len(n.Messages()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Download finished: Bematech (downloaded)", n.Messages()[0])

	broker.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after the broker closed")
	}
}
