package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/controlplane/events"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// EventSource is the hub surface the SSE stream consumes.
type EventSource interface {
	Subscribe(clientSessionID string) *events.Subscriber
	Unsubscribe(sub *events.Subscriber)
	Replay(ctx context.Context, after string, limit int64) ([]*events.Event, error)
}

const (
	defaultKeepAlive   = 15 * time.Second
	defaultReplayLimit = 256
)

// EventsHandler streams the run/worker event firehose over SSE
type EventsHandler struct {
	source      EventSource
	keepAlive   time.Duration
	replayLimit int64
	logger      Logger
}

// EventsHandlerOpts contains options for creating an EventsHandler.
type EventsHandlerOpts struct {
	Source EventSource
	// KeepAlive is the comment-frame interval that holds idle connections
	// open through proxies. Defaults to 15s.
	KeepAlive time.Duration
	// ReplayLimit caps journal frames replayed per resume. Defaults to 256.
	ReplayLimit int64
	Logger      Logger
}

// NewEventsHandler creates a new SSE events handler
func NewEventsHandler(opts *EventsHandlerOpts) *EventsHandler {
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	replayLimit := opts.ReplayLimit
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	return &EventsHandler{
		source:      opts.Source,
		keepAlive:   keepAlive,
		replayLimit: replayLimit,
		logger:      opts.Logger,
	}
}

// Stream serves the SSE firehose. A Last-Event-ID header (or query
// fallback) replays journaled events after that id before the live feed.
// GET /events?clientSessionId=UUID
func (h *EventsHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	clientSessionID := c.QueryParam("clientSessionId")

	// Subscribe before replaying: events published mid-replay buffer in the
	// subscriber channel, so the id comparison below is the only dedupe the
	// resume path needs.
	sub := h.source.Subscribe(clientSessionID)
	defer h.source.Unsubscribe(sub)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	lastSent := ""
	after := c.Request().Header.Get("Last-Event-ID")
	if after == "" {
		after = c.QueryParam("last_event_id")
	}
	if after != "" {
		replayed, err := h.source.Replay(ctx, after, h.replayLimit)
		if err != nil {
			// Best effort: the live feed is already attached, so a failed
			// resume degrades to a fresh stream rather than an error.
			h.logger.Warn("event replay failed",
				"client_session_id", clientSessionID, "after", after, "error", err)
		}
		for _, ev := range replayed {
			if err := events.WriteSSE(res, ev); err != nil {
				return nil
			}
			lastSent = ev.ID
		}
		res.Flush()
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow consumer or the hub shut down.
				return nil
			}
			if lastSent != "" && events.CompareIDs(ev.ID, lastSent) <= 0 {
				continue
			}
			if err := events.WriteSSE(res, ev); err != nil {
				return nil
			}
			res.Flush()
			lastSent = ev.ID
		case <-ticker.C:
			if err := events.WriteSSEComment(res, "keep-alive"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
