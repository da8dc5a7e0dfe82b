package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

// Watch sends a notification for every outcome on sub until ctx is done or the
// subscription is closed. Progress events are ignored.
func Watch(ctx context.Context, n Notifier, sub *events.Subscription) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching download outcomes for notifications")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down notifier")

			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}

			if e.Outcome == nil {
				continue
			}

			if err := n.Notify(ctx, FormatOutcome(*e.Outcome)); err != nil {
				logger.Error("failed to send notification", "session_id", e.Outcome.ID, "err", err)
			}
		}
	}
}

func FormatOutcome(o transfer.OutcomeEvent) string {
	name := o.Target.DisplayName()

	switch {
	case o.Success:
		return fmt.Sprintf("Download finished: %s (%s)", name, o.Message)
	case o.Canceled():
		return fmt.Sprintf("Download canceled: %s", name)
	default:
		return fmt.Sprintf("Download failed: %s (%s)", name, o.Message)
	}
}
