package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenTTL bounds how long a webhook delivery is remembered. Carriers stop
// redelivering long before this.
const seenTTL = 24 * time.Hour

// SeenStore records webhook deliveries that were already handled, so a
// carrier retry of the same callback never runs a handler twice.
type SeenStore struct {
	rdb *redis.Client
}

// NewSeenStore creates a SeenStore. Panics if rdb is nil.
func NewSeenStore(rdb *redis.Client) *SeenStore {
	if rdb == nil {
		panic("events: redis client required")
	}
	return &SeenStore{rdb: rdb}
}

// MarkProcessed records a (call, event) delivery, returning false if it
// was already recorded.
func (s *SeenStore) MarkProcessed(ctx context.Context, callSID, event string) (bool, error) {
	key := fmt.Sprintf("webhook-seen:%s:%s", callSID, event)
	ok, err := s.rdb.SetNX(ctx, key, "1", seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ok, nil
}

// AlreadyProcessed checks whether a (call, event) delivery was recorded,
// without recording it.
func (s *SeenStore) AlreadyProcessed(ctx context.Context, callSID, event string) (bool, error) {
	key := fmt.Sprintf("webhook-seen:%s:%s", callSID, event)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return n > 0, nil
}
