package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// followBlock is how long one XREAD waits before re-checking for date
// rollover and context cancellation.
const followBlock = 5 * time.Second

// HistoryStart is the cursor that makes Follow deliver a stream from its
// first entry.
const HistoryStart = "0"

// Reader serves a provider's event history and live tail for SSE.
type Reader struct {
	rdb *redis.Client
	now func() time.Time
}

// NewReader creates a Reader. Panics if rdb is nil.
func NewReader(rdb *redis.Client) *Reader {
	if rdb == nil {
		panic("events: redis client required")
	}
	return &Reader{rdb: rdb, now: time.Now}
}

// WithClock overrides the reader's time source for tests.
func (r *Reader) WithClock(now func() time.Time) *Reader {
	if now != nil {
		r.now = now
	}
	return r
}

// History returns yesterday's and today's events for a provider in stream
// order, plus the cursor Follow should resume from so no event between
// the two calls is lost or repeated. Yesterday's stream may already have
// expired; that is not an error.
func (r *Reader) History(ctx context.Context, providerID string) ([]Event, string, error) {
	today := r.now().UTC()
	cursor := HistoryStart
	var out []Event
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		msgs, err := r.rdb.XRange(ctx, StreamKey(providerID, day), "-", "+").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, "", fmt.Errorf("events: read history for %s: %w", providerID, err)
		}
		for _, msg := range msgs {
			event, err := decodeMessage(msg)
			if err != nil {
				continue
			}
			out = append(out, event)
			if day.Equal(today) {
				cursor = msg.ID
			}
		}
	}
	return out, cursor, nil
}

// Follow delivers events appended after the cursor, invoking fn for each.
// It blocks until ctx is cancelled or fn returns an error, and follows the
// stream across the midnight rollover.
func (r *Reader) Follow(ctx context.Context, providerID, cursor string, fn func(Event) error) error {
	if cursor == "" {
		cursor = HistoryStart
	}
	day := r.now().UTC()
	key := StreamKey(providerID, day)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// After midnight new events land in a fresh stream; start it from
		// the beginning so nothing published during the switch is lost.
		if now := r.now().UTC(); now.Format("2006-01-02") != day.Format("2006-01-02") {
			day = now
			key = StreamKey(providerID, day)
			cursor = HistoryStart
		}

		res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Block:   followBlock,
			Count:   64,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("events: follow %s: %w", providerID, err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				cursor = msg.ID
				event, err := decodeMessage(msg)
				if err != nil {
					continue
				}
				if err := fn(event); err != nil {
					return err
				}
			}
		}
	}
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return Event{}, fmt.Errorf("events: entry %s has no payload", msg.ID)
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, fmt.Errorf("events: decode entry %s: %w", msg.ID, err)
	}
	event.StreamID = msg.ID
	return event, nil
}
