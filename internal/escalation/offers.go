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

// ErrNoOffer means no offer state exists for a call SID, either because the
// call was never an offer call or the state already expired.
var ErrNoOffer = errors.New("escalation: no offer for call")

const offerTTL = 2 * time.Hour

// Offer is the per-call state an outbound offer needs between the originate
// and its webhooks: who is being offered what, where the call sits in the
// rotation, and the prepared voice prompt.
type Offer struct {
	CallSID      string
	OccurrenceID string
	ProviderID   string
	StaffID      string
	Epoch        int64
	Round        int
	Index        int
	PoolSize     int
	PromptID     string
	PromptText   string
	Voice        string
	Reprompted   bool
	Resolved     bool
	StartedAt    time.Time
}

// OfferStore keeps offer state in Redis keyed by call SID.
type OfferStore struct {
	rdb    *redis.Client
	tracer trace.Tracer
}

// NewOfferStore panics on a nil client. A nil tracer falls back to the
// package default.
func NewOfferStore(rdb *redis.Client, tracer trace.Tracer) *OfferStore {
	if rdb == nil {
		panic("escalation: offer store requires a redis client")
	}
	if tracer == nil {
		tracer = otel.Tracer("escalation.internal.escalation.offers")
	}
	return &OfferStore{rdb: rdb, tracer: tracer}
}

func offerKey(callSID string) string {
	return "offer:" + callSID
}

// Record persists a fresh offer. Reprompted and Resolved start unset and are
// only ever flipped through the mark methods.
func (s *OfferStore) Record(ctx context.Context, offer Offer) error {
	ctx, span := s.tracer.Start(ctx, "escalation.record_offer")
	defer span.End()

	if offer.CallSID == "" {
		return errors.New("escalation: offer call sid required")
	}
	key := offerKey(offer.CallSID)
	fields := map[string]any{
		"occurrence_id": offer.OccurrenceID,
		"provider_id":   offer.ProviderID,
		"staff_id":      offer.StaffID,
		"epoch":         strconv.FormatInt(offer.Epoch, 10),
		"round":         strconv.Itoa(offer.Round),
		"index":         strconv.Itoa(offer.Index),
		"pool_size":     strconv.Itoa(offer.PoolSize),
		"prompt_id":     offer.PromptID,
		"prompt_text":   offer.PromptText,
		"voice":         offer.Voice,
		"started_at":    offer.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, offerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("escalation: record offer: %w", err)
	}
	return nil
}

// Lookup loads the offer for callSID.
func (s *OfferStore) Lookup(ctx context.Context, callSID string) (*Offer, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.lookup_offer")
	defer span.End()

	fields, err := s.rdb.HGetAll(ctx, offerKey(callSID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("escalation: lookup offer: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoOffer
	}
	epoch, _ := strconv.ParseInt(fields["epoch"], 10, 64)
	round, _ := strconv.Atoi(fields["round"])
	index, _ := strconv.Atoi(fields["index"])
	poolSize, _ := strconv.Atoi(fields["pool_size"])
	startedAt, _ := time.Parse(time.RFC3339Nano, fields["started_at"])
	return &Offer{
		CallSID:      callSID,
		OccurrenceID: fields["occurrence_id"],
		ProviderID:   fields["provider_id"],
		StaffID:      fields["staff_id"],
		Epoch:        epoch,
		Round:        round,
		Index:        index,
		PoolSize:     poolSize,
		PromptID:     fields["prompt_id"],
		PromptText:   fields["prompt_text"],
		Voice:        fields["voice"],
		Reprompted:   fields["reprompted"] == "1",
		Resolved:     fields["resolved"] == "1",
		StartedAt:    startedAt,
	}, nil
}

// MarkReprompted flips the reprompt flag, returning true only for the caller
// that flipped it. An offer call re-prompts at most once.
func (s *OfferStore) MarkReprompted(ctx context.Context, callSID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.mark_reprompted")
	defer span.End()

	ok, err := s.rdb.HSetNX(ctx, offerKey(callSID), "reprompted", "1").Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("escalation: mark reprompted: %w", err)
	}
	return ok, nil
}

// MarkResolved flips the resolved flag, returning true only for the caller
// that flipped it. Whoever wins owns advancing the cascade, so a DTMF
// decline and a status callback for the same call never both advance.
func (s *OfferStore) MarkResolved(ctx context.Context, callSID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.mark_resolved")
	defer span.End()

	ok, err := s.rdb.HSetNX(ctx, offerKey(callSID), "resolved", "1").Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("escalation: mark resolved: %w", err)
	}
	return ok, nil
}

// Delete drops the offer state once the call fully wraps up.
func (s *OfferStore) Delete(ctx context.Context, callSID string) error {
	ctx, span := s.tracer.Start(ctx, "escalation.delete_offer")
	defer span.End()

	if err := s.rdb.Del(ctx, offerKey(callSID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("escalation: delete offer: %w", err)
	}
	return nil
}
