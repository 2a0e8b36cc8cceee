package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoIntent means no wave has been sent to this phone recently, so an
// inbound YES or NO has nothing to bind to.
var ErrNoIntent = errors.New("escalation: no pending intent")

const (
	minIntentTTL = 15 * time.Minute
	maxIntentTTL = 24 * time.Hour

	helpReplyTTL = 24 * time.Hour
)

// WaveIntent records which occurrence a wave SMS to a phone number referred
// to, so a bare "YES" reply can be resolved later. Later waves overwrite
// earlier ones; the newest outreach wins.
type WaveIntent struct {
	OccurrenceID string
	ProviderID   string
	StaffID      string
	Epoch        int64
	Wave         int
}

// IntentStore keeps wave intents in Redis keyed by E.164 phone number.
type IntentStore struct {
	rdb    *redis.Client
	tracer trace.Tracer
}

// NewIntentStore panics on a nil client, matching the other Redis-backed
// stores. A nil tracer falls back to the package default.
func NewIntentStore(rdb *redis.Client, tracer trace.Tracer) *IntentStore {
	if rdb == nil {
		panic("escalation: intent store requires a redis client")
	}
	if tracer == nil {
		tracer = otel.Tracer("escalation.internal.escalation.intents")
	}
	return &IntentStore{rdb: rdb, tracer: tracer}
}

func intentKey(phone string) string {
	return "sms-intent:" + phone
}

// Record stores the intent for phone, replacing any previous one. The TTL
// tracks the shift start so replies stay resolvable until shortly after the
// shift would have begun.
func (s *IntentStore) Record(ctx context.Context, phone string, intent WaveIntent, scheduledAt, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "escalation.record_intent")
	defer span.End()

	ttl := scheduledAt.Sub(now) + time.Hour
	if ttl < minIntentTTL {
		ttl = minIntentTTL
	}
	if ttl > maxIntentTTL {
		ttl = maxIntentTTL
	}
	key := intentKey(phone)
	fields := map[string]any{
		"occurrence_id": intent.OccurrenceID,
		"provider_id":   intent.ProviderID,
		"staff_id":      intent.StaffID,
		"epoch":         strconv.FormatInt(intent.Epoch, 10),
		"wave":          strconv.Itoa(intent.Wave),
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("escalation: record intent: %w", err)
	}
	return nil
}

// Lookup resolves the most recent intent for phone.
func (s *IntentStore) Lookup(ctx context.Context, phone string) (*WaveIntent, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.lookup_intent")
	defer span.End()

	fields, err := s.rdb.HGetAll(ctx, intentKey(phone)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("escalation: lookup intent: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoIntent
	}
	epoch, _ := strconv.ParseInt(fields["epoch"], 10, 64)
	wave, _ := strconv.Atoi(fields["wave"])
	return &WaveIntent{
		OccurrenceID: fields["occurrence_id"],
		ProviderID:   fields["provider_id"],
		StaffID:      fields["staff_id"],
		Epoch:        epoch,
		Wave:         wave,
	}, nil
}

// Delete drops the intent for phone.
func (s *IntentStore) Delete(ctx context.Context, phone string) error {
	ctx, span := s.tracer.Start(ctx, "escalation.delete_intent")
	defer span.End()

	if err := s.rdb.Del(ctx, intentKey(phone)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("escalation: delete intent: %w", err)
	}
	return nil
}

// AllowHelpReply reports whether an unrecognised-reply help text may be sent
// to phone. At most one help reply goes out per number per day.
func (s *IntentStore) AllowHelpReply(ctx context.Context, phone string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.help_throttle")
	defer span.End()

	ok, err := s.rdb.SetNX(ctx, "help-reply:"+phone, "1", helpReplyTTL).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("escalation: help throttle: %w", err)
	}
	return ok, nil
}
