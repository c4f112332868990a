package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/queue"
	"github.com/everlight/trellis/pkg/repositories"
)

// TokenRevoker revokes a connection's credentials at the provider
type TokenRevoker interface {
	Revoke(ctx context.Context, conn *models.Connection) error
}

// BackfillQueue enqueues historical import jobs
type BackfillQueue interface {
	Enqueue(ctx context.Context, job queue.BackfillJob) (string, error)
}

// MailboxUnsubscriber tears down a mailbox push subscription
type MailboxUnsubscriber interface {
	StopWatch(ctx context.Context, accessToken string) error
}

// IntegrationHandler handles provider connection API requests
type IntegrationHandler struct {
	connections  repositories.ConnectionRepo
	entries      repositories.EntryRepo
	registry     *providers.Registry
	tokens       TokenRevoker
	backfills    BackfillQueue
	unsubscriber MailboxUnsubscriber
	backfillMax  int
	logger       ectologger.Logger
}

// NewIntegrationHandler creates a new integration handler. The backfill queue
// and unsubscriber may be nil when those subsystems are disabled.
func NewIntegrationHandler(
	connections repositories.ConnectionRepo,
	entries repositories.EntryRepo,
	registry *providers.Registry,
	tokens TokenRevoker,
	backfills BackfillQueue,
	unsubscriber MailboxUnsubscriber,
	backfillMax int,
	logger ectologger.Logger,
) *IntegrationHandler {
	return &IntegrationHandler{
		connections:  connections,
		entries:      entries,
		registry:     registry,
		tokens:       tokens,
		backfills:    backfills,
		unsubscriber: unsubscriber,
		backfillMax:  backfillMax,
		logger:       logger,
	}
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("/:provider/connect", h.Connect)
	integrations.GET("/:provider/status", h.Status)
	integrations.DELETE("/:provider", h.Disconnect)
}

// ConnectRequest carries the OAuth authorization code from the frontend
type ConnectRequest struct {
	Code string `json:"code" validate:"required"`
}

// ConnectResponse reports the outcome of a connect call
type ConnectResponse struct {
	Status         string  `json:"status"`
	Provider       string  `json:"provider"`
	ConnectionID   string  `json:"connection_id"`
	RoutingKey     *string `json:"routing_key,omitempty"`
	BackfillQueued bool    `json:"backfill_queued"`
}

// Connect exchanges an OAuth authorization code for credentials and stores
// the resulting connection. A historical import is queued in the background;
// the response never waits on it.
func (h *IntegrationHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	provider, err := ParseProvider(c)
	if err != nil {
		return err
	}

	var req ConnectRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Code) == "" {
		return BadRequest("code is required")
	}

	source, err := h.registry.Get(provider)
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "provider %s is not configured", provider)
	}

	bundle, err := source.ExchangeCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, providers.ErrProviderNotConfigured) {
			return httperror.NewHTTPErrorf(http.StatusInternalServerError, "provider %s is not configured", provider)
		}
		if errors.Is(err, providers.ErrUpstreamAuth) {
			return httperror.NewHTTPError(http.StatusUnauthorized, "provider rejected the authorization code")
		}
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("oauth code exchange failed")
		return httperror.NewHTTPError(http.StatusBadGateway, "provider code exchange failed")
	}

	conn := &models.Connection{
		Provider:     provider,
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		RoutingKey:   bundle.RoutingKey,
		ExpiresAt:    bundle.ExpiresAt,
		Metadata:     database.JSONB[map[string]any]{Data: bundle.Metadata},
	}
	if err := h.connections.Upsert(ctx, conn); err != nil {
		return err
	}

	queued := false
	if h.backfills != nil {
		_, err := h.backfills.Enqueue(ctx, queue.BackfillJob{
			TenantID:     tenantID.String(),
			ConnectionID: conn.ID.String(),
			Provider:     provider,
			MaxItems:     h.backfillMax,
		})
		if err != nil {
			// The connection itself succeeded. The import can be retried
			// through a reconnect, so this is a warning, not a failure.
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"connection_id": conn.ID,
				"provider":      provider,
			}).Warn("failed to enqueue backfill job")
		} else {
			queued = true
		}
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      provider,
	}).Info("provider connected")

	return CreatedResponse(c, ConnectResponse{
		Status:         "connected",
		Provider:       provider,
		ConnectionID:   conn.ID.String(),
		RoutingKey:     conn.RoutingKey,
		BackfillQueued: queued,
	})
}

// StatusResponse reports connection state for a provider
type StatusResponse struct {
	Connected       bool       `json:"connected"`
	Provider        string     `json:"provider"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	RoutingKey      *string    `json:"routing_key,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	TokenExpired    bool       `json:"token_expired"`
	ImportedEntries int64      `json:"imported_entries"`
}

// Status reports whether the tenant has a connection for the provider and
// how many entries have been imported from it
func (h *IntegrationHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}
	provider, err := ParseProvider(c)
	if err != nil {
		return err
	}

	conn, err := h.connections.GetByProvider(ctx, provider)
	if err != nil {
		if httperror.GetStatusCode(err) == http.StatusNotFound {
			return SuccessResponse(c, StatusResponse{Connected: false, Provider: provider})
		}
		return err
	}

	count, err := h.entries.Count(ctx, provider)
	if err != nil {
		return err
	}

	return SuccessResponse(c, StatusResponse{
		Connected:       true,
		Provider:        provider,
		ConnectionID:    conn.ID.String(),
		RoutingKey:      conn.RoutingKey,
		ExpiresAt:       conn.ExpiresAt,
		TokenExpired:    conn.ExpiresAt != nil && conn.ExpiresAt.Before(time.Now()),
		ImportedEntries: count,
	})
}

// DisconnectResponse reports the outcome of a disconnect. Revocation failure
// is a warning; the connection is removed locally either way.
type DisconnectResponse struct {
	Disconnected bool   `json:"disconnected"`
	Provider     string `json:"provider"`
	Revoked      bool   `json:"revoked"`
	RevokeError  string `json:"revoke_error,omitempty"`
}

// Disconnect revokes the provider token best effort and deletes the
// connection. Local deletion always proceeds, even when the provider cannot
// be reached.
func (h *IntegrationHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}
	provider, err := ParseProvider(c)
	if err != nil {
		return err
	}

	conn, err := h.connections.GetByProvider(ctx, provider)
	if err != nil {
		return err
	}

	revokeErr := h.tokens.Revoke(ctx, conn)

	if provider == models.ProviderGmail && h.unsubscriber != nil {
		if err := h.unsubscriber.StopWatch(ctx, conn.AccessToken); err != nil {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"connection_id": conn.ID,
			}).Warn("failed to stop mailbox watch")
		}
	}

	if err := h.connections.Delete(ctx, provider); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      provider,
		"revoked":       revokeErr == nil,
	}).Info("provider disconnected")

	resp := DisconnectResponse{
		Disconnected: true,
		Provider:     provider,
		Revoked:      revokeErr == nil,
	}
	if revokeErr != nil {
		resp.RevokeError = revokeErr.Error()
	}
	return SuccessResponse(c, resp)
}
