package fetch

import (
	"context"

	"github.com/italolelis/driver_downloader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented fetch client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Probe checks range support with telemetry.
func (c *InstrumentedClient) Probe(ctx context.Context, url string) (bool, error) {
	var result bool

	err := c.telemetry.InstrumentFetchOperation(ctx, "probe", func(ctx context.Context) error {
		var err error

		result, err = c.client.Probe(ctx, url)

		return err
	})

	return result, err
}

// Get opens the download stream with telemetry.
func (c *InstrumentedClient) Get(ctx context.Context, url string, offset int64) (*Response, error) {
	var result *Response

	operation := "get"
	if offset > 0 {
		operation = "get_range"
	}

	instrumentedErr := c.telemetry.InstrumentFetchOperation(ctx, operation, func(ctx context.Context) error {
		var err error

		result, err = c.client.Get(ctx, url, offset)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
