// Package events publishes engine activity to per-provider Redis streams
// and reads them back for the operator event feed. A stream covers one
// provider and one UTC date; the 25 hour TTL keeps yesterday readable
// while today fills.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

const defaultStreamTTL = 25 * time.Hour

// StreamKey returns the stream holding a provider's events for one date.
func StreamKey(providerID string, day time.Time) string {
	return fmt.Sprintf("call-events:provider:%s:%s", providerID, day.UTC().Format("2006-01-02"))
}

// Publisher appends events to provider streams. Publication is
// fire-and-forget: the escalation flow never fails because the activity
// feed is down.
type Publisher struct {
	rdb    *redis.Client
	logger *logging.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewPublisher creates a Publisher. Panics if rdb is nil.
func NewPublisher(rdb *redis.Client, logger *logging.Logger) *Publisher {
	if rdb == nil {
		panic("events: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{rdb: rdb, logger: logger, ttl: defaultStreamTTL, now: time.Now}
}

// WithClock overrides the publisher's time source for tests.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	if now != nil {
		p.now = now
	}
	return p
}

// WithTTL overrides how long a day's stream stays readable.
func (p *Publisher) WithTTL(ttl time.Duration) *Publisher {
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

// Publish appends one event to its provider's stream for the current
// date. Failures are logged, never returned.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if event.ProviderID == "" {
		p.logger.Warn("dropping event without provider", "kind", event.Kind)
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", "error", err, "kind", event.Kind)
		return
	}

	key := StreamKey(event.ProviderID, event.OccurredAt)
	pipe := p.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"kind":    string(event.Kind),
			"payload": payload,
		},
	})
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Error("failed to publish event",
			"error", err,
			"kind", event.Kind,
			"provider_id", event.ProviderID,
		)
	}
}
