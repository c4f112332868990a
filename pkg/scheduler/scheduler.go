// Package scheduler keeps Gmail push subscriptions alive. Google expires a
// mailbox watch after roughly seven days, so each connection's watch is
// re-registered well before its recorded expiration.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/everlight/trellis/pkg/context"
	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/redis"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tracing"
)

// ErrSchedulerAlreadyRunning is returned when starting a running scheduler
var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	// DefaultPollInterval is the default interval between renewal runs
	DefaultPollInterval = time.Hour

	// DefaultLockTTL is the default TTL for per-connection renewal locks
	DefaultLockTTL = 60 * time.Second

	// DefaultRenewalWindow is how close to expiration a watch gets renewed
	DefaultRenewalWindow = 24 * time.Hour

	// LockKeyPrefix is the prefix for renewal locks
	LockKeyPrefix = "scheduler:watch:"

	// Connection metadata keys for watch state
	metadataWatchExpiration = "watch_expiration_ms"
	metadataWatchHistoryID  = "watch_history_id"
)

// MailboxWatcher registers a push subscription for a mailbox. The Gmail
// provider client implements it.
type MailboxWatcher interface {
	Watch(ctx context.Context, accessToken string) (expiration int64, historyID string, err error)
}

// TokenSource supplies a connection with a currently-valid access token.
type TokenSource interface {
	EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to scan for expiring watches
	PollInterval time.Duration

	// LockTTL is how long to hold a renewal lock per connection
	LockTTL time.Duration

	// RenewalWindow is how far before expiration a watch is renewed
	RenewalWindow time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		LockTTL:       DefaultLockTTL,
		RenewalWindow: DefaultRenewalWindow,
	}
}

// Scheduler periodically renews Gmail watch registrations
type Scheduler struct {
	connections repositories.ConnectionRepo
	tokens      TokenSource
	watcher     MailboxWatcher
	locker      *redis.Locker
	config      Config
	logger      ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
	now      func() time.Time
}

// NewScheduler creates a new watch renewal scheduler
func NewScheduler(
	connections repositories.ConnectionRepo,
	tokens TokenSource,
	watcher MailboxWatcher,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.RenewalWindow <= 0 {
		config.RenewalWindow = DefaultRenewalWindow
	}

	return &Scheduler{
		connections: connections,
		tokens:      tokens,
		watcher:     watcher,
		locker:      locker,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
		now:         time.Now,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting watch scheduler: poll_interval=%s renewal_window=%s",
		s.config.PollInterval, s.config.RenewalWindow)

	go s.pollLoop(ctx)

	s.logger.WithContext(ctx).Info("Watch scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping watch scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Watch scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Watch scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop continuously scans for expiring watches
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runRenewalCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Watch scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.runRenewalCycle(ctx)
		}
	}
}

// runRenewalCycle renews every Gmail watch close to expiration
func (s *Scheduler) runRenewalCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runRenewalCycle")
	defer span.End()

	start := s.now()
	s.logger.WithContext(ctx).Debug("Running watch renewal cycle")

	conns, err := s.connections.ListByProvider(ctx, models.ProviderGmail)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list gmail connections")
		return
	}
	if len(conns) == 0 {
		return
	}

	renewed := 0
	skipped := 0
	for i := range conns {
		conn := conns[i]
		if !s.needsRenewal(&conn) {
			skipped++
			continue
		}

		if err := s.renewWatch(ctx, &conn); err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				skipped++
				continue
			}
			metrics.WatchRenewalsTotal.WithLabelValues("failure").Inc()
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to renew watch for connection %s", conn.ID)
			continue
		}
		metrics.WatchRenewalsTotal.WithLabelValues("success").Inc()
		renewed++
	}

	s.logger.WithContext(ctx).Infof("Watch renewal cycle completed: renewed=%d skipped=%d duration=%s",
		renewed, skipped, s.now().Sub(start))
}

// needsRenewal reports whether a connection's watch expires within the
// renewal window. A connection with no recorded expiration has never been
// watched (or lost its state) and is renewed.
func (s *Scheduler) needsRenewal(conn *models.Connection) bool {
	metadata := conn.Metadata.GetValue()
	if metadata == nil {
		return true
	}

	raw, ok := metadata[metadataWatchExpiration]
	if !ok {
		return true
	}
	// JSONB round-trips numbers as float64
	expirationMs, ok := raw.(float64)
	if !ok {
		return true
	}

	expiresAt := time.UnixMilli(int64(expirationMs))
	return s.now().Add(s.config.RenewalWindow).After(expiresAt)
}

// renewWatch re-registers one connection's mailbox watch under a per
// connection lock, so concurrent instances renew each watch once.
func (s *Scheduler) renewWatch(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.renewWatch")
	defer span.End()

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, LockKeyPrefix+conn.ID.String(), s.config.LockTTL)
		if err != nil {
			return err
		}
		defer lock.Release(ctx)
	}

	ctx = appctx.SetTenantID(ctx, conn.TenantID.String())
	ctx = appctx.SetProvider(ctx, conn.Provider)

	conn, err := s.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return err
	}

	expiration, historyID, err := s.watcher.Watch(ctx, conn.AccessToken)
	if err != nil {
		return err
	}

	metadata := conn.Metadata.GetValue()
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[metadataWatchExpiration] = float64(expiration)
	metadata[metadataWatchHistoryID] = historyID

	if err := s.connections.UpdateMetadata(ctx, conn.ID, metadata); err != nil {
		return err
	}

	s.logger.WithContext(ctx).Infof("Renewed mailbox watch for connection %s (expires %s)",
		conn.ID, time.UnixMilli(expiration).Format(time.RFC3339))
	return nil
}
