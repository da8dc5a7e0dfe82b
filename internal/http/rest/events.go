package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/telemetry"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

const (
	heartbeatInterval = 15 * time.Second
	sseWriteTimeout   = 10 * time.Second
	sseBuffer         = 256
)

// EventsHandler streams session events as server-sent events.
type EventsHandler struct {
	broker       *events.Broker
	telemetry    *telemetry.Telemetry
	heartbeat    time.Duration
	writeTimeout time.Duration
}

func NewEventsHandler(broker *events.Broker, tel *telemetry.Telemetry) *EventsHandler {
	return &EventsHandler{broker: broker, telemetry: tel, heartbeat: heartbeatInterval, writeTimeout: sseWriteTimeout}
}

func (h *EventsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.stream)

	return r
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var filter transfer.SessionID

	if raw := r.URL.Query().Get("id"); raw != "" {
		id, err := transfer.ParseSessionID(raw)
		if err != nil {
			writeError(w, r, &transfer.InvalidTargetError{Field: "id", Reason: err.Error()})

			return
		}

		filter = id
	}

	rc := http.NewResponseController(w)

	// each write gets its own deadline: the stream outlives the server write
	// timeout, and a client that stops reading drops its subscription
	extendDeadline := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			logger.Debug("failed to set write deadline", "err", err)
		}
	}
	extendDeadline()

	sub := h.broker.Subscribe(sseBuffer)
	defer func() {
		sub.Close()
		h.telemetry.RecordDroppedEvents("sse", sub.Dropped())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.Error("streaming is not supported", "err", err)

		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendDeadline()

			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
		case e, ok := <-sub.C():
			if !ok {
				return
			}

			if filter != 0 && e.SessionID() != filter {
				continue
			}

			extendDeadline()

			if err := writeEvent(w, e); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}

			if filter != 0 && e.IsTerminal() {
				_ = rc.Flush()

				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, e transfer.Event) error {
	name := "progress"

	var payload any = e.Progress

	if e.Outcome != nil {
		name = "outcome"
		payload = e.Outcome
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}
