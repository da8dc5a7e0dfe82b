package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrIdleTimeout is wrapped into stream errors when a read waits longer than IdleTimeout.
var ErrIdleTimeout = errors.New("no data received before idle timeout")

// Options configures the HTTP client.
type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 10s
	ConnectTimeout time.Duration

	// IdleTimeout bounds the wait for response headers and for each body read.
	// Default: 60s
	IdleTimeout time.Duration

	// RetryAttempts is the number of retries of the initial request on
	// network errors and 5xx answers.
	// Default: 3
	RetryAttempts uint

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// Transport replaces the default transport. It is still wrapped with otelhttp.
	Transport http.RoundTripper
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		IdleTimeout:     60 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// Response is an open download stream.
type Response struct {
	Body io.ReadCloser
	// ContentLength is the declared length of this response body, -1 when absent.
	ContentLength int64
	// Resumed is true when the server answered a range request with 206.
	Resumed bool
}

// Client probes and fetches download URLs.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	base := opts.Transport
	if base == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.IdleTimeout,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true, // byte offsets must refer to the raw resource
		}
	}

	// No overall client timeout: a large download may legitimately take hours.
	return &Client{
		client: &http.Client{Transport: otelhttp.NewTransport(base)},
		opts:   opts,
	}
}

// Probe issues a HEAD request (following redirects) and reports whether the server
// advertises byte-range support.
func (c *Client) Probe(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, &transfer.TransportError{Operation: "probe", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, &transfer.TransportError{Operation: "probe", Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &transfer.TransportError{Operation: "probe", StatusCode: resp.StatusCode}
	}

	return acceptsRanges(resp.Header), nil
}

// Get requests the resource. When offset is positive a `Range: bytes=<offset>-`
// header is sent. A 416 answer is returned as *transfer.RangeUnsatisfiableError.
func (c *Client) Get(ctx context.Context, url string, offset int64) (*Response, error) {
	operation := func() (*Response, error) {
		reqCtx, cancel := context.WithCancel(ctx)

		resp, err := c.do(reqCtx, url, offset)
		if err != nil {
			cancel()

			return nil, err
		}

		resumed, err := checkResume(resp, offset)
		if err != nil {
			resp.Body.Close()
			cancel()

			return nil, backoff.Permanent(err)
		}

		return &Response{
			Body:          newIdleTimeoutBody(resp.Body, c.opts.IdleTimeout, cancel),
			ContentLength: resp.ContentLength,
			Resumed:       resumed,
		}, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.opts.RetryAttempts+1),
	)
}

func (c *Client) do(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(&transfer.TransportError{Operation: "request", Err: err})
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&transfer.TransportError{Operation: "request", Err: err})
		}

		return nil, &transfer.TransportError{Operation: "request", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return resp, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()

		return nil, backoff.Permanent(&transfer.RangeUnsatisfiableError{Offset: offset})
	case resp.StatusCode >= http.StatusInternalServerError:
		resp.Body.Close()

		return nil, &transfer.TransportError{Operation: "request", StatusCode: resp.StatusCode}
	default:
		resp.Body.Close()

		return nil, backoff.Permanent(&transfer.TransportError{Operation: "request", StatusCode: resp.StatusCode})
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()

	if c.opts.RetryBackoff > 0 {
		b.InitialInterval = c.opts.RetryBackoff
	}

	if c.opts.RetryMaxBackoff > 0 {
		b.MaxInterval = c.opts.RetryMaxBackoff
	}

	return b
}

// checkResume reports whether a response continues the resource at offset. A 206
// must carry a Content-Range starting at offset; one starting at 0 holds the whole
// resource and is used as a fresh download. Any other start cannot be appended.
func checkResume(resp *http.Response, offset int64) (bool, error) {
	if offset <= 0 || resp.StatusCode != http.StatusPartialContent {
		return false, nil
	}

	start, _, _, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return false, &transfer.TransportError{Operation: "request", Err: err}
	}

	switch start {
	case offset:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, &transfer.TransportError{
			Operation: "request",
			Err:       fmt.Errorf("server returned range starting at %d, requested %d", start, offset),
		}
	}
}

// parseContentRange parses "bytes start-end/total". Total is -1 when given as "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}

	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range total: %w", err)
		}
	}

	return start, end, total, nil
}

func acceptsRanges(h http.Header) bool {
	for _, v := range h.Values("Accept-Ranges") {
		for _, unit := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
				return true
			}
		}
	}

	return false
}

// idleTimeoutBody cancels the request when a single Read blocks longer than the
// timeout. Time spent between reads (a paused session) is not counted.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout, cancel: cancel}

	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.expired.Store(true)
			cancel()
		})
		b.timer.Stop()
	}

	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timer == nil {
		return b.body.Read(p)
	}

	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()

	if err != nil && err != io.EOF && b.expired.Load() {
		err = fmt.Errorf("%w (%s): %w", ErrIdleTimeout, b.timeout, err)
	}

	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}

	err := b.body.Close()
	b.cancel()

	return err
}
