package webhooks

import (
	"context"
	"net/http"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	appctx "github.com/everlight/trellis/pkg/context"
	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tracing"
)

// Dispatcher runs the fetch-normalize-embed-store pipeline for one matched
// connection. The ingest package provides the real implementation.
type Dispatcher interface {
	// IngestItem imports or refreshes a single external item for a connection.
	IngestItem(ctx context.Context, conn *models.Connection, externalID string) error

	// SyncRecent imports the connection's newest items. Used for push
	// notifications that announce a change without naming the item.
	SyncRecent(ctx context.Context, conn *models.Connection) error
}

// Router resolves inbound webhook deliveries to the set of tenant connections
// that should process them and fans the work out per connection.
type Router struct {
	connections repositories.ConnectionRepo
	secrets     repositories.WebhookSecretRepo
	entries     repositories.EntryRepo
	dispatcher  Dispatcher
	logger      ectologger.Logger
	overrides   map[string]string
}

// NewRouter creates a webhook event router
func NewRouter(connections repositories.ConnectionRepo, secrets repositories.WebhookSecretRepo, entries repositories.EntryRepo, dispatcher Dispatcher, logger ectologger.Logger) *Router {
	return &Router{
		connections: connections,
		secrets:     secrets,
		entries:     entries,
		dispatcher:  dispatcher,
		logger:      logger,
		overrides:   make(map[string]string),
	}
}

// WithSecretOverride pins a provider's webhook secret from configuration. An
// override takes precedence over a secret captured from the verification
// handshake.
func (r *Router) WithSecretOverride(provider string, secret string) *Router {
	if secret != "" {
		r.overrides[provider] = secret
	}
	return r
}

// HandleEvent processes one Notion-style webhook delivery. A nil return means
// the delivery is acknowledged; processed, no-op and unrecognized outcomes all
// acknowledge, because a non-2xx answer makes the provider retry indefinitely
// and eventually suspend the subscription. The only rejections are 400 for an
// unparseable body and 401 for a bad signature when a secret is on file.
func (r *Router) HandleEvent(ctx context.Context, provider string, rawBody []byte, signatureHeader string) error {
	ctx, span := tracing.StartSpan(ctx, "Router.HandleEvent")
	defer span.End()
	ctx = appctx.SetProvider(ctx, provider)

	event, err := ParseEvent(rawBody)
	if err != nil {
		metrics.RecordWebhookEvent(provider, "bad_payload")
		return httperror.NewHTTPError(http.StatusBadRequest, "unparseable webhook body")
	}

	// The verification handshake arrives before any secret exists and is how
	// the secret is established, so it is handled before signature checking
	// and never reaches routing.
	if event.Kind == KindVerification {
		if err := r.secrets.Save(ctx, provider, event.VerificationToken); err != nil {
			return err
		}
		metrics.RecordWebhookEvent(provider, "verification")
		r.logger.WithContext(ctx).Info("Stored webhook verification secret")
		return nil
	}

	if err := r.checkSignature(ctx, provider, rawBody, signatureHeader); err != nil {
		return err
	}

	return r.routeContent(ctx, provider, event.Content)
}

// checkSignature enforces the HMAC signature when a secret is configured.
// Without a stored secret verification is skipped with a warning, so a fresh
// install keeps accepting events until the handshake lands.
func (r *Router) checkSignature(ctx context.Context, provider string, rawBody []byte, signatureHeader string) error {
	secret := r.overrides[provider]
	if secret == "" {
		stored, err := r.secrets.Get(ctx, provider)
		if err != nil {
			if httperror.GetStatusCode(err) == http.StatusNotFound {
				r.logger.WithContext(ctx).Warn("No webhook secret configured, skipping signature verification")
				return nil
			}
			return err
		}
		secret = stored.Secret
	}

	if !Verify(rawBody, secret, signatureHeader) {
		metrics.SignatureFailuresTotal.WithLabelValues(provider).Inc()
		metrics.RecordWebhookEvent(provider, "signature_failure")
		return httperror.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}
	return nil
}

func (r *Router) routeContent(ctx context.Context, provider string, event *ContentEvent) error {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.Type,
		"entity_id":  event.Entity.ID,
	})

	switch event.Type {
	case EventPageCreated, EventPageUpdated, EventPageDeleted:
	default:
		metrics.RecordWebhookEvent(provider, "ignored")
		log.Debug("Ignoring unrecognized webhook event type")
		return nil
	}

	keys := event.RoutingKeys()
	if len(keys) == 0 {
		metrics.RecordWebhookEvent(provider, "no_match")
		log.Debug("Webhook event carries no routing keys")
		return nil
	}

	conns, err := r.findConnections(ctx, provider, keys)
	if err != nil {
		return err
	}
	metrics.RecordFanout(provider, len(conns))
	if len(conns) == 0 {
		metrics.RecordWebhookEvent(provider, "no_match")
		log.Debug("No connections match webhook routing keys")
		return nil
	}

	if event.Type == EventPageDeleted {
		r.tombstone(ctx, provider, event.Entity.ID, conns)
		metrics.RecordWebhookEvent(provider, "deleted")
		return nil
	}

	r.fanOut(ctx, conns, func(connCtx context.Context, conn *models.Connection) error {
		return r.dispatcher.IngestItem(connCtx, conn, event.Entity.ID)
	})
	metrics.RecordWebhookEvent(provider, "routed")
	return nil
}

// HandlePush processes one Gmail Pub/Sub push delivery. Pub/Sub pushes are
// authenticated at the subscription level rather than by an HMAC header, so
// there is no signature step here.
func (r *Router) HandlePush(ctx context.Context, rawBody []byte) error {
	ctx, span := tracing.StartSpan(ctx, "Router.HandlePush")
	defer span.End()
	ctx = appctx.SetProvider(ctx, models.ProviderGmail)

	notification, err := ParsePush(rawBody)
	if err != nil {
		metrics.RecordWebhookEvent(models.ProviderGmail, "bad_payload")
		return httperror.NewHTTPError(http.StatusBadRequest, "unparseable push notification")
	}

	conns, err := r.connections.ListByRoutingKey(ctx, models.ProviderGmail, notification.EmailAddress)
	if err != nil {
		return err
	}
	metrics.RecordFanout(models.ProviderGmail, len(conns))
	if len(conns) == 0 {
		metrics.RecordWebhookEvent(models.ProviderGmail, "no_match")
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"history_id": notification.HistoryID,
		}).Debug("No connections match push notification address")
		return nil
	}

	r.fanOut(ctx, conns, func(connCtx context.Context, conn *models.Connection) error {
		return r.dispatcher.SyncRecent(connCtx, conn)
	})
	metrics.RecordWebhookEvent(models.ProviderGmail, "routed")
	return nil
}

// findConnections resolves routing keys to connections across tenants,
// deduplicating connections reachable through more than one key.
func (r *Router) findConnections(ctx context.Context, provider string, keys []string) ([]models.Connection, error) {
	seen := make(map[string]struct{})
	var conns []models.Connection
	for _, key := range keys {
		matched, err := r.connections.ListByRoutingKey(ctx, provider, key)
		if err != nil {
			return nil, err
		}
		for _, conn := range matched {
			if _, ok := seen[conn.ID.String()]; ok {
				continue
			}
			seen[conn.ID.String()] = struct{}{}
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// fanOut runs one task per matched connection concurrently. Each task gets
// the connection's tenant identity on its context and its failure is logged
// without failing sibling tasks or the delivery itself.
func (r *Router) fanOut(ctx context.Context, conns []models.Connection, task func(context.Context, *models.Connection) error) {
	var wg sync.WaitGroup
	for i := range conns {
		conn := conns[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			connCtx := appctx.SetTenantID(ctx, conn.TenantID.String())
			if err := task(connCtx, &conn); err != nil {
				r.logger.WithContext(connCtx).WithError(err).WithFields(map[string]any{
					"connection_id": conn.ID,
				}).Error("webhook fan-out task failed")
			}
		}()
	}
	wg.Wait()
}

// tombstone soft-deletes each tenant's copy of a deleted resource. A missing
// entry is a no-op; the tenant may never have imported the item.
func (r *Router) tombstone(ctx context.Context, provider string, externalID string, conns []models.Connection) {
	r.fanOut(ctx, conns, func(connCtx context.Context, conn *models.Connection) error {
		return r.entries.Tombstone(connCtx, provider, externalID)
	})
}
