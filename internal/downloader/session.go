package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/driver_downloader/internal/digest"
	"github.com/italolelis/driver_downloader/internal/downloader/progress"
	"github.com/italolelis/driver_downloader/internal/http/fetch"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/telemetry"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	progressLogInterval = 10 * 1024 * 1024 // 10MB
)

// Fetcher opens download streams. *fetch.Client and *fetch.InstrumentedClient implement it.
type Fetcher interface {
	Probe(ctx context.Context, url string) (bool, error)
	Get(ctx context.Context, url string, offset int64) (*fetch.Response, error)
}

// Snapshot is a point-in-time view of a registered session.
type Snapshot struct {
	ID               transfer.SessionID `json:"id"`
	Target           transfer.Target    `json:"target"`
	Priority         string             `json:"priority"`
	State            string             `json:"state"`
	BytesTransferred int64              `json:"bytes_transferred"`
	// TotalBytes is -1 while unknown.
	TotalBytes int64     `json:"total_bytes"`
	StartedAt  time.Time `json:"started_at"`
}

type session struct {
	id        transfer.SessionID
	target    transfer.Target
	priority  transfer.Priority
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu   sync.Mutex
	wake chan struct{} // closed when leaving StatePaused

	tracker    atomic.Pointer[progress.Tracker]
	resumedAt  int64
	historyID  int64
	chunkSize  int
	fetcher    Fetcher
	verifier   *digest.Verifier
	telemetry  *telemetry.Telemetry
	onProgress func(transfer.Event)
}

func newSession(parent context.Context, id transfer.SessionID, target transfer.Target, priority transfer.Priority) *session {
	ctx, cancel := context.WithCancel(parent)

	s := &session{
		id:        id,
		target:    target,
		priority:  priority,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.state.Store(int32(transfer.StateRunning))

	return s
}

func (s *session) State() transfer.State {
	return transfer.State(s.state.Load())
}

// Pause gates the next chunk. It returns false unless the session was running.
func (s *session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(transfer.StateRunning), int32(transfer.StatePaused)) {
		return false
	}

	s.wake = make(chan struct{})

	return true
}

// Resume releases a paused session. It returns false unless the session was paused.
func (s *session) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(transfer.StatePaused), int32(transfer.StateRunning)) {
		return false
	}

	close(s.wake)

	return true
}

// Cancel stops the session at the next chunk boundary and aborts a blocked read.
func (s *session) Cancel() bool {
	s.mu.Lock()
	prev := transfer.State(s.state.Swap(int32(transfer.StateCanceled)))

	if prev == transfer.StatePaused {
		close(s.wake)
	}
	s.mu.Unlock()

	if prev == transfer.StateCanceled {
		return false
	}

	s.cancel()

	return true
}

func (s *session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		Target:     s.target,
		Priority:   s.priority.String(),
		State:      s.State().String(),
		TotalBytes: -1,
		StartedAt:  s.startedAt,
	}

	if t := s.tracker.Load(); t != nil {
		snap.BytesTransferred = t.Written()

		if t.Total > 0 {
			snap.TotalBytes = t.Total
		}
	}

	return snap
}

// checkpoint blocks while paused and fails once canceled.
func (s *session) checkpoint() error {
	for {
		switch s.State() {
		case transfer.StateRunning:
			return nil
		case transfer.StateCanceled:
			return transfer.ErrCanceled
		case transfer.StatePaused:
			s.mu.Lock()
			wake := s.wake
			s.mu.Unlock()

			select {
			case <-wake:
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		}
	}
}

func (s *session) canceled() bool {
	return s.State() == transfer.StateCanceled || s.ctx.Err() != nil
}

// run executes the session and returns its single outcome.
func (s *session) run() (outcome transfer.OutcomeEvent) {
	ctx, logger := logctx.With(s.ctx, "session_id", s.id)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic in download session", "panic", r)
			s.telemetry.RecordSystemError("downloader", "panic")

			outcome = s.outcome(false, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := s.transfer(ctx); err != nil {
		if s.canceled() {
			logger.InfoContext(ctx, "download canceled", "destination", s.target.Destination)

			return s.outcome(false, transfer.MessageCanceled)
		}

		logger.ErrorContext(ctx, "download failed", "url", s.target.URL, "err", err)

		return s.outcome(false, err.Error())
	}

	if !s.target.WantsVerification() {
		logger.InfoContext(ctx, "download finished", "destination", s.target.Destination)

		return s.outcome(true, transfer.MessageDownloaded)
	}

	if err := s.verify(ctx); err != nil {
		var mismatch *transfer.ChecksumMismatchError
		if errors.As(err, &mismatch) {
			logger.WarnContext(ctx, "checksum mismatch, removed download",
				"destination", s.target.Destination, "expected", mismatch.Expected, "actual", mismatch.Actual)

			return s.outcome(false, transfer.MessageChecksumMismatch)
		}

		logger.ErrorContext(ctx, "failed to verify download", "err", err)

		return s.outcome(false, err.Error())
	}

	logger.InfoContext(ctx, "download finished and verified", "destination", s.target.Destination)

	return s.outcome(true, transfer.MessageVerified)
}

func (s *session) outcome(success bool, message string) transfer.OutcomeEvent {
	return transfer.OutcomeEvent{ID: s.id, Success: success, Message: message, Target: s.target}
}

func (s *session) transfer(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	dest := s.target.Destination

	rangeCapable, err := s.fetcher.Probe(ctx, s.target.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WarnContext(ctx, "range probe failed, assuming no range support", "url", s.target.URL, "err", err)

		rangeCapable = false
	}

	existing, err := partialSize(dest)
	if err != nil {
		return fmt.Errorf("failed to inspect destination: %w", err)
	}

	if existing > 0 && !rangeCapable {
		logger.InfoContext(ctx, "server cannot resume, discarding partial file",
			"destination", dest, "size", humanize.Bytes(uint64(existing)))

		if err := removeFile(dest); err != nil {
			return fmt.Errorf("failed to discard partial file: %w", err)
		}

		existing = 0
	}

	if err := ensureTargetDir(dest, logger); err != nil {
		return err
	}

	resp, err := s.fetcher.Get(ctx, s.target.URL, existing)

	var rangeErr *transfer.RangeUnsatisfiableError
	if errors.As(err, &rangeErr) {
		logger.InfoContext(ctx, "resume offset rejected, restarting from zero", "offset", existing)

		if err := removeFile(dest); err != nil {
			return fmt.Errorf("failed to discard partial file: %w", err)
		}

		existing = 0
		resp, err = s.fetcher.Get(ctx, s.target.URL, 0)
	}

	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", s.target.URL, err)
	}

	defer resp.Body.Close()

	if existing > 0 && !resp.Resumed {
		logger.WarnContext(ctx, "server ignored the range request, downloading from the start", "offset", existing)

		existing = 0
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if existing > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(dest, flags, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = resp.ContentLength + existing
	}

	s.resumedAt = existing

	if err := s.writeFile(ctx, out, resp.Body, existing, total); err != nil {
		out.Close()

		return err
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close target file: %w", err)
	}

	return nil
}

func (s *session) writeFile(ctx context.Context, out io.Writer, body io.Reader, existing, total int64) error {
	logger := logctx.LoggerFromContext(ctx)

	if total >= 0 {
		logger.InfoContext(ctx, "downloading file",
			"destination", s.target.Destination,
			"file_size", humanize.Bytes(uint64(total)),
			"resume_from", humanize.Bytes(uint64(existing)))
	} else {
		logger.InfoContext(ctx, "downloading file of unknown size", "destination", s.target.Destination)
	}

	tracker := progress.NewTracker(existing, total, func(percent int) {
		if s.onProgress != nil {
			s.onProgress(transfer.NewProgressEvent(s.id, percent))
		}
	}).WithInterval(progressLogInterval, func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
		}
	})
	s.tracker.Store(tracker)

	w := progress.NewWriter(out, tracker)
	buf := make([]byte, s.chunkSize)

	for {
		n, readErr := body.Read(buf)

		if n > 0 {
			if err := s.checkpoint(); err != nil {
				return err
			}

			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write chunk: %w", err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return &transfer.TransportError{Operation: "stream", Err: readErr}
		}
	}
}

func (s *session) verify(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ok, actual, err := s.verifier.Verify(s.target.Destination, s.target.ExpectedDigest)
	if err != nil {
		s.telemetry.RecordVerification(s.verifier.Algorithm(), "error")

		return fmt.Errorf("failed to compute digest: %w", err)
	}

	if ok {
		s.telemetry.RecordVerification(s.verifier.Algorithm(), "match")

		return nil
	}

	s.telemetry.RecordVerification(s.verifier.Algorithm(), "mismatch")

	if err := removeFile(s.target.Destination); err != nil {
		logger.ErrorContext(ctx, "failed to remove corrupt download", "destination", s.target.Destination, "err", err)
	}

	return &transfer.ChecksumMismatchError{Expected: s.target.ExpectedDigest, Actual: actual}
}

// bytesReceived is what this run added on top of a resumed partial file.
func (s *session) bytesReceived() int64 {
	t := s.tracker.Load()
	if t == nil {
		return 0
	}

	return t.Written() - s.resumedAt
}

func partialSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}

	return info.Size(), nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}
