// Package server exposes the stream manager over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"inkflow/internal/core"
	"inkflow/internal/livesink"
	"inkflow/internal/runlog"
	"inkflow/internal/streams"
)

// Streams is the stream manager as seen by the handlers.
type Streams interface {
	Start(ctx context.Context, req streams.StartRequest) (string, error)
	Cancel(id string) bool
	Running(id string) bool
	Active() int
	Wait(ctx context.Context, id string) (*streams.Result, error)
	Result(ctx context.Context, id string) (*streams.Result, error)
	Recent(ctx context.Context, limit int) ([]*runlog.Entry, error)
}

// Subscriber attaches to the live events of one stream.
type Subscriber interface {
	Subscribe(streamID string) (<-chan livesink.Event, func())
}

const defaultKeepAlive = 15 * time.Second

// Handler holds the HTTP handlers
type Handler struct {
	streams   Streams
	events    Subscriber
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewHandler creates a handler over the given manager and event source.
func NewHandler(s Streams, events Subscriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{streams: s, events: events, logger: logger, keepAlive: defaultKeepAlive}
}

// StartStreamRequest is the body of POST /v1/streams.
type StartStreamRequest struct {
	StreamID    string         `json:"stream_id,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	System      string         `json:"system,omitempty"`
	Messages    []core.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	// Markdown defaults to true.
	Markdown *bool `json:"markdown,omitempty"`
	// Wait blocks until the stream finishes and returns its result.
	Wait bool `json:"wait,omitempty"`
}

func (r *StartStreamRequest) toStart() streams.StartRequest {
	markdown := true
	if r.Markdown != nil {
		markdown = *r.Markdown
	}
	return streams.StartRequest{
		StreamID:    strings.TrimSpace(r.StreamID),
		Provider:    r.Provider,
		Model:       r.Model,
		System:      r.System,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		Markdown:    markdown,
	}
}

// StartStream handles POST /v1/streams.
//
// With Accept: text/event-stream the live events are written on the same
// response. With wait set the handler returns the finished result. Otherwise
// it answers 202 with the stream id.
func (h *Handler) StartStream(c echo.Context) error {
	var body StartStreamRequest
	if err := c.Bind(&body); err != nil {
		return handleError(c, core.NewSettingsError("invalid request body: "+err.Error()))
	}
	req := body.toStart()
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	ctx := c.Request().Context()

	if wantsEventStream(c.Request()) {
		// Subscribe first so no event is lost between start and attach.
		ch, unsubscribe := h.events.Subscribe(req.StreamID)
		defer unsubscribe()
		if _, err := h.streams.Start(ctx, req); err != nil {
			return handleError(c, err)
		}
		// A task replaced under the same id may still publish its final
		// events; this stream's own events begin with start.
		finished, err := h.writeEvents(c, req.StreamID, ch, true)
		if !finished {
			// The client left; nobody is reading this stream any more.
			h.streams.Cancel(req.StreamID)
		}
		return err
	}

	id, err := h.streams.Start(ctx, req)
	if err != nil {
		return handleError(c, err)
	}
	if body.Wait {
		res, err := h.streams.Wait(ctx, id)
		if err != nil {
			return handleError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"stream_id": id})
}

// CancelStream handles DELETE /v1/streams/:id. Cancelling a stream that is
// not running is not an error.
func (h *Handler) CancelStream(c echo.Context) error {
	id := c.Param("id")
	cancelled := h.streams.Cancel(id)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"cancelled": cancelled,
	})
}

// StreamEvents handles GET /v1/streams/:id/events as server-sent events.
func (h *Handler) StreamEvents(c echo.Context) error {
	id := c.Param("id")
	ch, unsubscribe := h.events.Subscribe(id)
	defer unsubscribe()

	if h.streams.Running(id) {
		_, err := h.writeEvents(c, id, ch, false)
		return err
	}

	// Finished or unknown. Events published while the task wound down are
	// still buffered; the stored result fills in whatever did not arrive.
	res, err := h.streams.Result(c.Request().Context(), id)
	if err != nil {
		return handleError(c, err)
	}
	buffered := drain(ch)
	if res == nil && len(buffered) == 0 {
		return notFound(c, id)
	}
	return h.writeReplay(c, id, buffered, res)
}

// StreamResult handles GET /v1/streams/:id/result. A running stream answers
// 202 unless ?wait=true, which blocks until it finishes.
func (h *Handler) StreamResult(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	if h.streams.Running(id) {
		if wait, _ := strconv.ParseBool(c.QueryParam("wait")); !wait {
			return c.JSON(http.StatusAccepted, map[string]string{"stream_id": id, "status": "running"})
		}
		res, err := h.streams.Wait(ctx, id)
		if err != nil {
			return handleError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
	res, err := h.streams.Result(ctx, id)
	if err != nil {
		return handleError(c, err)
	}
	if res == nil {
		return notFound(c, id)
	}
	return c.JSON(http.StatusOK, res)
}

// Runs handles GET /v1/runs?limit=N.
func (h *Handler) Runs(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return handleError(c, core.NewSettingsError("invalid limit: "+v))
		}
		limit = n
	}
	entries, err := h.streams.Recent(c.Request().Context(), limit)
	if err != nil {
		return handleError(c, err)
	}
	if entries == nil {
		entries = []*runlog.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": entries})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"active_streams": h.streams.Active(),
	})
}

func notFound(c echo.Context, id string) error {
	return c.JSON(http.StatusNotFound, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "not_found",
			"message": "stream not found: " + id,
		},
	})
}

// handleError converts core errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return c.JSON(coreErr.HTTPStatusCode(), coreErr.ToJSON())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusRequestTimeout, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    core.KindCancelled,
				"message": err.Error(),
			},
		})
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    core.KindInternal,
			"message": "an unexpected error occurred",
		},
	})
}
