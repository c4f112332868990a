package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/everlight/trellis/pkg/models"
)

// NotionSignatureHeader carries the HMAC signature on Notion deliveries
const NotionSignatureHeader = "X-Notion-Signature"

// EventRouter verifies and routes inbound provider events
type EventRouter interface {
	HandleEvent(ctx context.Context, provider string, rawBody []byte, signatureHeader string) error
	HandlePush(ctx context.Context, rawBody []byte) error
}

// WebhookHandler handles inbound webhook deliveries. These routes are not
// tenant-authenticated; the signature (or the push subscription) is the
// authentication.
type WebhookHandler struct {
	router EventRouter
	logger ectologger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(router EventRouter, logger ectologger.Logger) *WebhookHandler {
	return &WebhookHandler{router: router, logger: logger}
}

// RegisterRoutes registers the webhook routes
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	webhooks := g.Group("/webhooks")
	webhooks.POST("/notion", h.Notion)
	webhooks.POST("/gmail", h.Gmail)
}

// Notion accepts Notion webhook deliveries. The raw body is read before any
// binding so the signature is computed over the exact bytes sent.
func (h *WebhookHandler) Notion(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	signature := c.Request().Header.Get(NotionSignatureHeader)
	if err := h.router.HandleEvent(ctx, models.ProviderNotion, body, signature); err != nil {
		return err
	}

	return SuccessResponse(c, map[string]string{"status": "accepted"})
}

// Gmail accepts Pub/Sub push deliveries for mailbox change notifications
func (h *WebhookHandler) Gmail(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	if err := h.router.HandlePush(ctx, body); err != nil {
		return err
	}

	return SuccessResponse(c, map[string]string{"status": "accepted"})
}
