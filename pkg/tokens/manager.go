package tokens

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/redis"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tracing"
)

const (
	// DefaultSkew is how far before expiry a token is refreshed.
	DefaultSkew = 5 * time.Minute

	// refreshLockTTL bounds how long a worker may hold the refresh lock.
	refreshLockTTL = 30 * time.Second

	// refreshLockWait bounds how long a worker waits for a peer's refresh.
	refreshLockWait = 10 * time.Second

	// DefaultRevocationTimeout bounds the best-effort revocation call.
	DefaultRevocationTimeout = 5 * time.Second
)

// Manager owns the credential lifecycle for provider connections: refreshing
// access tokens before they expire and revoking them on disconnect.
type Manager struct {
	connRepo      repositories.ConnectionRepo
	registry      *providers.Registry
	locker        *redis.Locker
	logger        ectologger.Logger
	skew          time.Duration
	revokeTimeout time.Duration
	now           func() time.Time
}

// NewManager creates a token manager. The locker may be nil, in which case
// refreshes are serialized only by the database's last-write-wins update.
func NewManager(connRepo repositories.ConnectionRepo, registry *providers.Registry, locker *redis.Locker, logger ectologger.Logger) *Manager {
	return &Manager{
		connRepo:      connRepo,
		registry:      registry,
		locker:        locker,
		logger:        logger,
		skew:          DefaultSkew,
		revokeTimeout: DefaultRevocationTimeout,
		now:           time.Now,
	}
}

// WithSkew overrides the refresh window
func (m *Manager) WithSkew(skew time.Duration) *Manager {
	m.skew = skew
	return m
}

// WithRevocationTimeout overrides how long a revocation call may take
func (m *Manager) WithRevocationTimeout(timeout time.Duration) *Manager {
	if timeout > 0 {
		m.revokeTimeout = timeout
	}
	return m
}

// EnsureFresh returns a connection whose access token is valid for at least
// the skew window, refreshing it first when needed. Concurrent refreshes for
// the same connection serialize on a distributed lock; the loser re-reads the
// winner's tokens instead of spending a second refresh grant.
func (m *Manager) EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "TokenManager.EnsureFresh")
	defer span.End()

	if !conn.ExpiresWithin(m.skew, m.now()) {
		return conn, nil
	}

	if !conn.HasRefreshToken() {
		metrics.RecordTokenRefresh(conn.Provider, "no_refresh_token")
		return nil, errors.Wrapf(providers.ErrTokenExpiredNoRefresh, "connection %s", conn.ID)
	}

	if m.locker == nil {
		return m.refresh(ctx, conn)
	}

	lock, err := m.locker.TryAcquire(ctx, "token:refresh:"+conn.ID.String(), refreshLockTTL, refreshLockWait)
	if err != nil {
		if !errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, errors.Wrap(err, "failed to acquire refresh lock")
		}
		// A peer held the lock past our wait. Fall through and re-read; its
		// refresh has likely landed by now.
		return m.reload(ctx, conn)
	}
	defer lock.Release(ctx)

	// Re-read under the lock: the peer that held it before us may have
	// already refreshed this connection.
	current, err := m.connRepo.GetByID(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if !current.ExpiresWithin(m.skew, m.now()) {
		return current, nil
	}

	return m.refresh(ctx, current)
}

// refresh performs the provider call and persists the result. The network
// call happens outside any database transaction; persistence is a single
// atomic update.
func (m *Manager) refresh(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	source, err := m.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	bundle, err := source.RefreshToken(ctx, *conn.RefreshToken)
	if err != nil {
		metrics.RecordTokenRefresh(conn.Provider, "failure")
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.ID,
			"provider":      conn.Provider,
		}).Error("token refresh failed")
		return nil, errors.Wrap(err, "token refresh failed")
	}

	// Google does not rotate refresh tokens on use. Keep the stored one
	// unless the provider returned a replacement.
	refreshToken := conn.RefreshToken
	if bundle.RefreshToken != nil {
		refreshToken = bundle.RefreshToken
	}

	updated, err := m.connRepo.UpdateTokens(ctx, conn.ID, bundle.AccessToken, refreshToken, bundle.ExpiresAt)
	if err != nil {
		return nil, err
	}

	metrics.RecordTokenRefresh(conn.Provider, "success")
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
	}).Info("Refreshed provider token")
	return updated, nil
}

func (m *Manager) reload(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	current, err := m.connRepo.GetByID(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if current.ExpiresWithin(m.skew, m.now()) {
		return nil, errors.Errorf("connection %s still expiring after peer refresh", conn.ID)
	}
	return current, nil
}

// Revoke invalidates the connection's token at the provider. Revocation is
// best effort with a bounded timeout; the returned error is a structured
// warning for the caller to report, never a reason to keep the connection.
func (m *Manager) Revoke(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "TokenManager.Revoke")
	defer span.End()

	source, err := m.registry.Get(conn.Provider)
	if err != nil {
		return err
	}

	revokeCtx, cancel := context.WithTimeout(ctx, m.revokeTimeout)
	defer cancel()

	if err := source.RevokeToken(revokeCtx, conn.AccessToken); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.ID,
			"provider":      conn.Provider,
		}).Warn("best-effort token revocation failed")
		return err
	}
	return nil
}
