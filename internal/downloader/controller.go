package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/driver_downloader/internal/digest"
	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/telemetry"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/mitchellh/go-homedir"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const DefaultChunkSize = 4096

var ErrShuttingDown = errors.New("controller is shutting down")

// HistoryRecorder keeps a record of every session.
type HistoryRecorder interface {
	TrackDownload(ctx context.Context, record storage.DownloadRecord) (int64, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status, message string) error
}

type Options struct {
	// ChunkSize is the read buffer of a session. Default: 4096
	ChunkSize int
	// MaxParallel caps how many sessions transfer at once; the rest wait registered.
	// Zero means no limit.
	MaxParallel int
	// Verifier checks expected digests. Default: sha256
	Verifier  *digest.Verifier
	History   HistoryRecorder
	Telemetry *telemetry.Telemetry
}

// Controller owns the registry of running sessions. It is the only entry point for
// starting and steering downloads.
type Controller struct {
	fetcher Fetcher
	broker  *events.Broker
	opts    Options
	slots   *semaphore.Weighted

	mu       sync.Mutex
	nextID   transfer.SessionID
	sessions map[transfer.SessionID]*session
	paths    map[string]transfer.SessionID
	closed   bool

	wg sync.WaitGroup
}

func NewController(fetcher Fetcher, broker *events.Broker, opts Options) *Controller {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.Verifier == nil {
		// The default algorithm is always registered.
		opts.Verifier, _ = digest.New(digest.DefaultAlgorithm)
	}

	c := &Controller{
		fetcher:  fetcher,
		broker:   broker,
		opts:     opts,
		sessions: make(map[transfer.SessionID]*session),
		paths:    make(map[string]transfer.SessionID),
	}

	if opts.MaxParallel > 0 {
		c.slots = semaphore.NewWeighted(int64(opts.MaxParallel))
	}

	return c
}

// Start registers a session for target and runs it in the background. The context
// only carries the logger and trace; canceling it does not stop the session.
func (c *Controller) Start(ctx context.Context, target transfer.Target, priority transfer.Priority) (transfer.SessionID, error) {
	target, err := NormalizeTarget(target)
	if err != nil {
		return 0, err
	}

	if priority == 0 {
		priority = transfer.PriorityMedium
	}

	base, span := c.opts.Telemetry.StartSessionSpan(context.WithoutCancel(ctx), priority.String())

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		span.End()

		return 0, ErrShuttingDown
	}

	if holder, ok := c.paths[target.Destination]; ok {
		c.mu.Unlock()
		span.End()

		return 0, &transfer.ConflictError{Destination: target.Destination, Holder: holder}
	}

	c.nextID++

	s := newSession(base, c.nextID, target, priority)
	s.chunkSize = c.opts.ChunkSize
	s.fetcher = c.fetcher
	s.verifier = c.opts.Verifier
	s.telemetry = c.opts.Telemetry
	s.onProgress = c.publish

	c.sessions[s.id] = s
	c.paths[target.Destination] = s.id
	c.wg.Add(1)

	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download session started",
		"session_id", s.id,
		"name", target.Name,
		"url", target.URL,
		"destination", target.Destination,
		"priority", priority.String())

	c.opts.Telemetry.SessionStarted(priority.String())

	go c.execute(s, span)

	return s.id, nil
}

func (c *Controller) Pause(id transfer.SessionID) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}

	s.Pause()

	return nil
}

func (c *Controller) Resume(id transfer.SessionID) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}

	s.Resume()

	return nil
}

func (c *Controller) Cancel(id transfer.SessionID) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}

	s.Cancel()

	return nil
}

// Session returns a snapshot of one registered session.
func (c *Controller) Session(id transfer.SessionID) (Snapshot, error) {
	s, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	return s.Snapshot(), nil
}

// Sessions returns snapshots of all registered sessions ordered by id.
func (c *Controller) Sessions() []Snapshot {
	c.mu.Lock()
	snaps := make([]Snapshot, 0, len(c.sessions))

	for _, s := range c.sessions {
		snaps = append(snaps, s.Snapshot())
	}
	c.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	return snaps
}

// Holds reports whether a registered session writes to path.
func (c *Controller) Holds(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.paths[filepath.Clean(path)]

	return ok
}

// RemoveIfIdle calls remove with path unless a registered session writes to it. The
// registry stays locked while remove runs, so no session can claim the path in between.
// It reports whether remove was called.
func (c *Controller) RemoveIfIdle(path string, remove func(path string) error) (bool, error) {
	path = filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.paths[path]; ok {
		return false, nil
	}

	return true, remove(path)
}

// Shutdown refuses new sessions, cancels the registered ones and waits for their
// outcomes to be delivered.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true

	for _, s := range c.sessions {
		s.Cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	}
}

func (c *Controller) lookup(id transfer.SessionID) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil, &transfer.NotFoundError{ID: id}
	}

	return s, nil
}

func (c *Controller) execute(s *session, span trace.Span) {
	defer c.wg.Done()

	logger := logctx.LoggerFromContext(s.ctx).With("session_id", s.id)

	c.track(s)

	var outcome transfer.OutcomeEvent

	if err := c.acquire(s); err != nil {
		outcome = s.outcome(false, transfer.MessageCanceled)
	} else {
		outcome = s.run()

		if c.slots != nil {
			c.slots.Release(1)
		}
	}

	c.complete(s, outcome)

	if !outcome.Success && !outcome.Canceled() {
		span.SetStatus(codes.Error, outcome.Message)
	}

	span.End()

	logger.Debug("download session finished", "status", outcome.Status())
}

func (c *Controller) acquire(s *session) error {
	if c.slots == nil {
		return nil
	}

	if c.slots.TryAcquire(1) {
		return nil
	}

	logctx.LoggerFromContext(s.ctx).Info("waiting for a free download slot",
		"session_id", s.id, "max_parallel", c.opts.MaxParallel)

	return c.slots.Acquire(s.ctx, 1)
}

func (c *Controller) track(s *session) {
	if c.opts.History == nil {
		return
	}

	ctx := context.WithoutCancel(s.ctx)

	id, err := c.opts.History.TrackDownload(ctx, storage.DownloadRecord{
		SessionID:   s.id.String(),
		Name:        s.target.Name,
		URL:         s.target.URL,
		Destination: s.target.Destination,
		Priority:    s.priority.String(),
		Status:      transfer.StatusDownloading,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to track download", "session_id", s.id, "err", err)

		return
	}

	s.historyID = id
}

// complete is the only place a session leaves the registry. Observers receive the
// outcome after the destination is free again.
func (c *Controller) complete(s *session, outcome transfer.OutcomeEvent) {
	c.mu.Lock()
	delete(c.sessions, s.id)

	if c.paths[s.target.Destination] == s.id {
		delete(c.paths, s.target.Destination)
	}
	c.mu.Unlock()

	s.cancel()

	status := outcome.Status()

	c.opts.Telemetry.SessionFinished(status, time.Since(s.startedAt))
	c.opts.Telemetry.RecordBytes(s.bytesReceived())

	if c.opts.History != nil && s.historyID != 0 {
		ctx := context.WithoutCancel(s.ctx)

		if err := c.opts.History.UpdateDownloadStatus(ctx, s.historyID, status, outcome.Message); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to update download status", "session_id", s.id, "err", err)
		}
	}

	c.publish(transfer.NewOutcomeEvent(outcome))
}

func (c *Controller) publish(e transfer.Event) {
	if c.broker != nil {
		c.broker.Publish(e)
	}
}

// NormalizeTarget validates the url and turns the destination into a clean absolute path.
func NormalizeTarget(t transfer.Target) (transfer.Target, error) {
	t.URL = strings.TrimSpace(t.URL)
	if t.URL == "" {
		return t, &transfer.InvalidTargetError{Field: "url", Reason: "is required"}
	}

	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return t, &transfer.InvalidTargetError{Field: "url", Reason: "must be an absolute http(s) url"}
	}

	dest := strings.TrimSpace(t.Destination)
	if dest == "" {
		return t, &transfer.InvalidTargetError{Field: "destination", Reason: "is required"}
	}

	dest, err = homedir.Expand(dest)
	if err != nil {
		return t, &transfer.InvalidTargetError{Field: "destination", Reason: err.Error()}
	}

	dest, err = filepath.Abs(dest)
	if err != nil {
		return t, &transfer.InvalidTargetError{Field: "destination", Reason: err.Error()}
	}

	t.Destination = dest
	t.ExpectedDigest = strings.TrimSpace(t.ExpectedDigest)

	return t, nil
}

// DefaultDestination places the last segment of the url path inside dir.
func DefaultDestination(dir, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", &transfer.InvalidTargetError{Field: "url", Reason: err.Error()}
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", &transfer.InvalidTargetError{Field: "destination", Reason: "cannot derive a file name from the url"}
	}

	return filepath.Join(dir, name), nil
}
