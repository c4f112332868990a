// Package queue consumes backfill jobs from a Redis Streams queue. Jobs are
// published on connect and retried via consumer-group reclaim; jobs that
// cannot succeed move to the dead letter queue instead of looping forever.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/everlight/trellis/pkg/context"
	"github.com/everlight/trellis/pkg/ingest"
	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/redis"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tracing"
)

var (
	// ErrInvalidJobMessage is returned when a job message is invalid
	ErrInvalidJobMessage = errors.New("invalid job message")
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of retries for a job
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second

	// DefaultJobTimeout bounds how long a single job may run
	DefaultJobTimeout = 10 * time.Minute

	// JobTypeBackfill is the job type for a connection backfill import
	JobTypeBackfill = "backfill"
)

// ProcessorConfig holds configuration for the backfill processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Maximum number of retries for a job
	MaxRetries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Maximum wall-clock time for a single job run
	JobTimeout time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "trellis:backfill",
		ConsumerGroup: "trellis-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		JobTimeout:    DefaultJobTimeout,
		WorkerCount:   1,
	}
}

// BackfillJob is the payload of one backfill import job
type BackfillJob struct {
	TenantID     string `json:"tenant_id"`
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	MaxItems     int    `json:"max_items,omitempty"`
}

// Backfiller runs the bulk import for one connection.
type Backfiller interface {
	Backfill(ctx context.Context, conn *models.Connection, maxItems int) (*ingest.Summary, error)
}

// jobResult holds the outcome of processing one job. Permanent failures are
// acked and dead-lettered immediately; retryable ones stay pending until the
// claim loop picks them up again.
type jobResult struct {
	success   bool
	permanent bool
	reason    models.DeadLetterReason
	err       error
}

// Processor processes backfill jobs from a Redis Streams queue
type Processor struct {
	streams     *redis.Streams
	dlq         *redis.DeadLetterQueue
	connections repositories.ConnectionRepo
	backfiller  Backfiller
	config      ProcessorConfig
	logger      ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message redis.StreamMessage
	job     *redis.JobMessage
}

// NewProcessor creates a new backfill processor
func NewProcessor(
	streams *redis.Streams,
	dlq *redis.DeadLetterQueue,
	connections repositories.ConnectionRepo,
	backfiller Backfiller,
	config ProcessorConfig,
	logger ectologger.Logger,
) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:     streams,
		dlq:         dlq,
		connections: connections,
		backfiller:  backfiller,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
		jobsCh:      make(chan jobItem, config.BatchSize*2),
	}
}

// Start starts the processor
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting backfill processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	wg.Add(1)
	go p.consumeLoop(ctx, &wg)

	wg.Add(1)
	go p.claimLoop(ctx, &wg)

	go func() {
		<-p.stopCh
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Backfill processor started")
	return nil
}

// Stop stops the processor gracefully
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping backfill processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Backfill processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Backfill processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// consumeLoop continuously consumes messages from the stream
func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debug("Consumer loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Consumer loop stopping")
			return
		default:
		}

		messages, err := p.streams.Consume(
			ctx,
			p.config.Stream,
			p.config.ConsumerGroup,
			p.config.ConsumerName,
			p.config.BatchSize,
			p.config.BlockTimeout,
		)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			job, err := p.parseJobMessage(msg)
			if err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse job message %s", msg.ID)
				// Ack invalid messages to prevent reprocessing
				if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); ackErr != nil {
					p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack invalid message %s", msg.ID)
				}
				continue
			}

			select {
			case p.jobsCh <- jobItem{message: msg, job: job}:
			case <-p.stopCh:
				return
			}
		}
	}
}

// claimLoop periodically claims stale pending messages
func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	p.logger.WithContext(ctx).Debug("Claim loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Claim loop stopping")
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages claims stale pending messages from other consumers.
// Messages past the retry budget are claimed too, so their payload can be
// copied into the DLQ before they are acked away.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}
	if len(pending) == 0 {
		return
	}

	retryCounts := make(map[string]int64, len(pending))
	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle >= p.config.ClaimMinIdle {
			staleIDs = append(staleIDs, msg.ID)
			retryCounts[msg.ID] = msg.RetryCount
		}
	}
	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		job, err := p.parseJobMessage(msg)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse claimed job message %s", msg.ID)
			continue
		}

		if retryCounts[msg.ID] > int64(p.config.MaxRetries) {
			p.logger.WithContext(ctx).Warnf("Message %s exceeded max retries (%d), moving to DLQ", msg.ID, retryCounts[msg.ID])
			p.moveToDLQ(ctx, msg.ID, job, int(retryCounts[msg.ID]), models.DLQReasonMaxRetries, "exceeded maximum retry count")
			continue
		}

		select {
		case p.jobsCh <- jobItem{message: msg, job: job}:
		case <-p.stopCh:
			return
		default:
			// Channel full, the message stays pending for the next pass
		}
	}
}

// worker processes jobs from the channel
func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for item := range p.jobsCh {
		result := p.processJob(ctx, item)

		switch {
		case result.success:
			metrics.RecordQueueJob("success")
			if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, item.message.ID); err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", item.message.ID)
			}
		case result.permanent:
			metrics.RecordQueueJob("dead_lettered")
			p.moveToDLQ(ctx, item.message.ID, item.job, item.job.Attempts, result.reason, result.err.Error())
		default:
			// Message stays pending and will be reclaimed after ClaimMinIdle
			metrics.RecordQueueJob("retry")
			p.logger.WithContext(ctx).WithError(result.err).Warnf("Job %s failed, will be retried", item.job.ID)
		}
	}

	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// processJob processes a single job
func (p *Processor) processJob(ctx context.Context, item jobItem) (result *jobResult) {
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	start := time.Now()

	ctx = appctx.SetTenantID(ctx, item.job.TenantID)
	ctx = appctx.SetRequestID(ctx, item.job.ID)

	// A panicking job would panic again on redelivery, so it dead-letters
	// instead of poisoning the retry loop.
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).Errorf("Job %s panicked: %v", item.job.ID, r)
			result = &jobResult{
				permanent: true,
				reason:    models.DLQReasonPanic,
				err:       fmt.Errorf("job panicked: %v", r),
			}
		}
	}()

	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	p.logger.WithContext(ctx).Infof("Processing job %s: type=%s tenant=%s", item.job.ID, item.job.Type, item.job.TenantID)

	switch item.job.Type {
	case JobTypeBackfill:
		result = p.processBackfill(ctx, item.job)
	default:
		result = &jobResult{
			permanent: true,
			reason:    models.DLQReasonInvalidJob,
			err:       fmt.Errorf("unknown job type: %s", item.job.Type),
		}
	}

	// A job that exhausted its run budget will exhaust it again on retry.
	if !result.success && !result.permanent && errors.Is(result.err, context.DeadlineExceeded) {
		result.permanent = true
		result.reason = models.DLQReasonTimeout
	}

	duration := time.Since(start)
	if result.success {
		p.logger.WithContext(ctx).Infof("Job %s completed successfully in %s", item.job.ID, duration)
	} else {
		p.logger.WithContext(ctx).WithError(result.err).Warnf("Job %s failed after %s", item.job.ID, duration)
	}

	return result
}

// processBackfill runs one backfill import job
func (p *Processor) processBackfill(ctx context.Context, job *redis.JobMessage) *jobResult {
	ctx, span := tracing.StartSpan(ctx, "Processor.processBackfill")
	defer span.End()

	backfillJob, err := parseBackfillJob(job)
	if err != nil {
		return &jobResult{permanent: true, reason: models.DLQReasonInvalidJob, err: err}
	}

	connID, err := uuid.Parse(backfillJob.ConnectionID)
	if err != nil {
		return &jobResult{
			permanent: true,
			reason:    models.DLQReasonInvalidJob,
			err:       fmt.Errorf("invalid connection_id: %w", err),
		}
	}

	ctx = appctx.SetProvider(ctx, backfillJob.Provider)

	conn, err := p.connections.GetByID(ctx, connID)
	if err != nil {
		// The tenant disconnected while the job was queued. Nothing to retry.
		if httperror.GetStatusCode(err) == http.StatusNotFound {
			return &jobResult{permanent: true, reason: models.DLQReasonConnGone, err: err}
		}
		return &jobResult{err: err}
	}

	summary, err := p.backfiller.Backfill(ctx, conn, backfillJob.MaxItems)
	if err != nil {
		if errors.Is(err, providers.ErrTokenExpiredNoRefresh) || errors.Is(err, providers.ErrUpstreamAuth) {
			return &jobResult{permanent: true, reason: models.DLQReasonAuthError, err: err}
		}
		return &jobResult{err: err}
	}

	p.logger.WithContext(ctx).Infof("Backfill job %s: total=%d processed=%d skipped=%d failed=%d",
		job.ID, summary.Total, summary.Processed, summary.Skipped, summary.Failed)
	return &jobResult{success: true}
}

func parseBackfillJob(job *redis.JobMessage) (*BackfillJob, error) {
	payloadBytes, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var backfillJob BackfillJob
	if err := json.Unmarshal(payloadBytes, &backfillJob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backfill job: %w", err)
	}

	if backfillJob.ConnectionID == "" || backfillJob.TenantID == "" || backfillJob.Provider == "" {
		return nil, fmt.Errorf("%w: missing connection_id, tenant_id, or provider", ErrInvalidJobMessage)
	}
	return &backfillJob, nil
}

// parseJobMessage parses a stream message into a JobMessage
func (p *Processor) parseJobMessage(msg redis.StreamMessage) (*redis.JobMessage, error) {
	jobBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message payload: %w", err)
	}

	var job redis.JobMessage
	if err := json.Unmarshal(jobBytes, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}

	return &job, nil
}

// PublishBackfill publishes a backfill job to the queue
func PublishBackfill(ctx context.Context, streams *redis.Streams, stream string, job BackfillJob) (string, error) {
	msg := &redis.JobMessage{
		ID:        uuid.New().String(),
		TenantID:  job.TenantID,
		Type:      JobTypeBackfill,
		CreatedAt: time.Now(),
		Payload: map[string]interface{}{
			"tenant_id":     job.TenantID,
			"connection_id": job.ConnectionID,
			"provider":      job.Provider,
			"max_items":     job.MaxItems,
		},
	}

	return streams.Publish(ctx, stream, msg)
}

// moveToDLQ copies a failed job into the dead letter queue and acks the
// original message so it stops cycling through the consumer group.
func (p *Processor) moveToDLQ(ctx context.Context, messageID string, job *redis.JobMessage, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.moveToDLQ")
	defer span.End()

	if reason == "" {
		reason = models.DLQReasonUnknown
	}

	provider := ""
	connectionID := ""
	if payload := job.Payload; payload != nil {
		if v, ok := payload["provider"].(string); ok {
			provider = v
		}
		if v, ok := payload["connection_id"].(string); ok {
			connectionID = v
		}
	}

	if p.dlq != nil {
		entry := &redis.DLQEntry{
			TenantID:     job.TenantID,
			Provider:     provider,
			ConnectionID: connectionID,
			OriginalJob:  job,
			Reason:       reason,
			ErrorMessage: errorMsg,
			RetryCount:   retryCount,
		}

		if _, dlqErr := p.dlq.Add(ctx, entry); dlqErr != nil {
			p.logger.WithContext(ctx).WithError(dlqErr).Errorf("Failed to add job %s to DLQ", job.ID)
		} else {
			metrics.RecordDLQJob(job.TenantID, string(reason))
		}
	}

	if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); ackErr != nil {
		p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s after DLQ", messageID)
	}
}
