package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"inkflow/internal/livesink"
	"inkflow/internal/runlog"
	"inkflow/internal/streams"
)

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get(echo.HeaderAccept), "text/event-stream")
}

func beginEventStream(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

// writeSSE writes one event frame: the event type as the SSE event name and
// the JSON-encoded event as data.
func writeSSE(c echo.Context, ev livesink.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// writeEvents copies ch to the response until a terminal event or until the
// client goes away. With awaitStart, events before the first start event are
// skipped. finished reports whether the terminal event was written.
func (h *Handler) writeEvents(c echo.Context, id string, ch <-chan livesink.Event, awaitStart bool) (finished bool, err error) {
	beginEventStream(c)
	ctx := c.Request().Context()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev := <-ch:
			if awaitStart {
				if ev.Type != livesink.EventStart {
					continue
				}
				awaitStart = false
			}
			if err := writeSSE(c, ev); err != nil {
				h.logger.Debug("event stream write failed", "stream_id", id, "error", err)
				return false, nil
			}
			if ev.Terminal() {
				return true, nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": keep-alive\n\n"); err != nil {
				return false, nil
			}
			c.Response().Flush()
		case <-ctx.Done():
			return false, nil
		}
	}
}

// writeReplay answers for a stream that is no longer running: the buffered
// events first, then error and done from res for whatever was missed.
func (h *Handler) writeReplay(c echo.Context, id string, buffered []livesink.Event, res *streams.Result) error {
	beginEventStream(c)
	sawError := false
	for _, ev := range buffered {
		if err := writeSSE(c, ev); err != nil {
			return nil
		}
		if ev.Type == livesink.EventError {
			sawError = true
		}
		if ev.Terminal() {
			return nil
		}
	}
	if res == nil {
		return nil
	}
	if res.Status == runlog.StatusFailed && !sawError {
		if err := writeSSE(c, livesink.Event{Type: livesink.EventError, StreamID: id, Stage: res.Stage, Message: res.Error}); err != nil {
			return nil
		}
	}
	_ = writeSSE(c, livesink.Event{Type: livesink.EventDone, StreamID: id, Cancelled: res.Status == runlog.StatusCancelled})
	return nil
}

func drain(ch <-chan livesink.Event) []livesink.Event {
	var out []livesink.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
