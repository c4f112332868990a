package handlers

import (
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/everlight/trellis/pkg/redis"
)

// DLQHandler exposes the dead letter queue for inspection and replay
type DLQHandler struct {
	dlq      *redis.DeadLetterQueue
	streams  *redis.Streams
	jobQueue string
	logger   ectologger.Logger
}

// NewDLQHandler creates a new DLQ handler
func NewDLQHandler(dlq *redis.DeadLetterQueue, streams *redis.Streams, jobQueue string, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{
		dlq:      dlq,
		streams:  streams,
		jobQueue: jobQueue,
		logger:   logger,
	}
}

// RegisterRoutes registers the DLQ routes
func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/count", h.Count)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}

// ListDLQResponse wraps a DLQ listing
type ListDLQResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
}

// List returns dead-lettered jobs for the current tenant
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	count := int64(100)
	if raw := c.QueryParam("count"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return BadRequest("count must be a positive integer")
		}
		count = parsed
	}

	entries, err := h.dlq.ListByTenant(ctx, tenantID.String(), count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("failed to list DLQ entries")
		return err
	}
	if entries == nil {
		entries = []redis.DLQEntry{}
	}

	return SuccessResponse(c, ListDLQResponse{Entries: entries, Count: len(entries)})
}

// Count returns the total dead letter queue depth
func (h *DLQHandler) Count(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	count, err := h.dlq.Count(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, map[string]int64{"count": count})
}

// Retry re-enqueues a dead-lettered job onto the backfill queue
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	messageID := c.Param("id")
	if messageID == "" {
		return BadRequest("missing message id")
	}

	if err := h.dlq.Retry(ctx, messageID, h.streams, h.jobQueue); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"message_id": messageID,
		}).Error("failed to retry DLQ entry")
		return err
	}

	return SuccessResponse(c, map[string]string{"status": "requeued", "message_id": messageID})
}

// Delete drops a dead-lettered job permanently
func (h *DLQHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	messageID := c.Param("id")
	if messageID == "" {
		return BadRequest("missing message id")
	}

	if err := h.dlq.Delete(ctx, messageID); err != nil {
		return err
	}

	return NoContentResponse(c)
}
