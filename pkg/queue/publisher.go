package queue

import (
	"context"

	"github.com/everlight/trellis/pkg/redis"
)

// Publisher enqueues backfill jobs onto a fixed stream. It exists so callers
// outside this package can publish without carrying the stream name around.
type Publisher struct {
	streams *redis.Streams
	stream  string
}

// NewPublisher creates a publisher bound to the given stream
func NewPublisher(streams *redis.Streams, stream string) *Publisher {
	return &Publisher{streams: streams, stream: stream}
}

// Enqueue publishes a backfill job and returns the stream message ID
func (p *Publisher) Enqueue(ctx context.Context, job BackfillJob) (string, error) {
	return PublishBackfill(ctx, p.streams, p.stream, job)
}
