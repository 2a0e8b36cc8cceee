package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// parkTTL bounds how long a park entry waits for an operator. A caller
// parked yesterday was called back or gave up long ago.
const parkTTL = 24 * time.Hour

// ParkedCall is one caller waiting for a representative who could not be
// reached. Operators work the list newest-last and ring the caller back.
type ParkedCall struct {
	CallSID      string    `json:"call_sid"`
	RootCallSID  string    `json:"root_call_sid"`
	From         string    `json:"from"`
	ProviderID   string    `json:"provider_id,omitempty"`
	StaffID      string    `json:"staff_id,omitempty"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	ParkedAt     time.Time `json:"parked_at"`
}

// ParkStore keeps per-provider lists of callers awaiting a callback.
type ParkStore struct {
	rdb *redis.Client
}

// NewParkStore creates a ParkStore. Panics if rdb is nil.
func NewParkStore(rdb *redis.Client) *ParkStore {
	if rdb == nil {
		panic("transfer: park store requires a redis client")
	}
	return &ParkStore{rdb: rdb}
}

// Callers who never resolved a provider (unknown number, failed PIN) park
// under a shared key.
func parkKey(providerID string) string {
	if providerID == "" {
		providerID = "unrouted"
	}
	return "transfer-park:" + providerID
}

// Park appends one caller to their provider's park list.
func (s *ParkStore) Park(ctx context.Context, call ParkedCall) error {
	if call.CallSID == "" {
		return errors.New("transfer: parked call requires a call sid")
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("transfer: marshal park entry: %w", err)
	}
	key := parkKey(call.ProviderID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, parkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transfer: park call %s: %w", call.CallSID, err)
	}
	return nil
}

// Parked lists a provider's waiting callers, oldest first.
func (s *ParkStore) Parked(ctx context.Context, providerID string) ([]ParkedCall, error) {
	raw, err := s.rdb.LRange(ctx, parkKey(providerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("transfer: list parked calls: %w", err)
	}
	out := make([]ParkedCall, 0, len(raw))
	for _, item := range raw {
		var call ParkedCall
		if err := json.Unmarshal([]byte(item), &call); err != nil {
			continue
		}
		out = append(out, call)
	}
	return out, nil
}
