package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// Leg identifiers for the two directions of a call.
const (
	LegInbound  = "in"
	LegOutbound = "out"
)

// captureFlushSize is how many µ-law bytes a LegWriter buffers before
// persisting. 4096 bytes is roughly half a second at 8 kHz.
const captureFlushSize = 4096

// defaultCaptureTTL bounds how long unassembled leg audio survives. Calls
// are minutes long; anything older was abandoned mid-call.
const defaultCaptureTTL = 6 * time.Hour

// ErrNoCapture indicates no audio was stored for a call.
var ErrNoCapture = errors.New("audio: no capture for call")

// CaptureStore persists raw µ-law leg audio in Redis, keyed by the root
// call SID. Keeping legs out-of-process lets a transfer continuation leg,
// possibly served by another instance, extend the same recording.
type CaptureStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCaptureStore creates a capture store. Panics if rdb is nil.
func NewCaptureStore(rdb *redis.Client, logger *logging.Logger) *CaptureStore {
	if rdb == nil {
		panic("audio: nil redis client")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CaptureStore{rdb: rdb, ttl: defaultCaptureTTL, logger: logger}
}

func captureKey(rootSID, leg string) string {
	return fmt.Sprintf("capture:%s:%s", rootSID, leg)
}

// Append adds µ-law bytes to one leg of a call's capture.
func (s *CaptureStore) Append(ctx context.Context, rootSID, leg string, ulaw []byte) error {
	if len(ulaw) == 0 {
		return nil
	}
	key := captureKey(rootSID, leg)
	pipe := s.rdb.Pipeline()
	pipe.Append(ctx, key, string(ulaw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audio: append capture %s: %w", key, err)
	}
	return nil
}

// Assemble reads both legs and builds the stereo WAV. Returns ErrNoCapture
// when neither leg holds any audio.
func (s *CaptureStore) Assemble(ctx context.Context, rootSID string) ([]byte, error) {
	inbound, err := s.leg(ctx, rootSID, LegInbound)
	if err != nil {
		return nil, err
	}
	outbound, err := s.leg(ctx, rootSID, LegOutbound)
	if err != nil {
		return nil, err
	}
	if len(inbound) == 0 && len(outbound) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCapture, rootSID)
	}
	return EncodeStereoWAV(inbound, outbound), nil
}

// Discard drops both legs, used after a successful archive or when a call
// produced nothing worth keeping.
func (s *CaptureStore) Discard(ctx context.Context, rootSID string) error {
	keys := []string{captureKey(rootSID, LegInbound), captureKey(rootSID, LegOutbound)}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("audio: discard capture %s: %w", rootSID, err)
	}
	return nil
}

func (s *CaptureStore) leg(ctx context.Context, rootSID, leg string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, captureKey(rootSID, leg)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audio: read capture %s leg %s: %w", rootSID, leg, err)
	}
	return data, nil
}

// Leg returns a buffered writer for one direction of a call. The websocket
// bridge feeds it 20 ms frames; buffering keeps Redis round-trips to a few
// per second instead of fifty.
func (s *CaptureStore) Leg(rootSID, leg string) *LegWriter {
	return &LegWriter{store: s, root: rootSID, leg: leg}
}

// LegWriter accumulates µ-law frames for one call direction and flushes
// them to the capture store in chunks.
type LegWriter struct {
	store *CaptureStore
	root  string
	leg   string

	mu  sync.Mutex
	buf []byte
}

// Append buffers frame bytes, flushing to Redis when enough accumulate.
func (w *LegWriter) Append(ctx context.Context, frame []byte) error {
	w.mu.Lock()
	w.buf = append(w.buf, frame...)
	if len(w.buf) < captureFlushSize {
		w.mu.Unlock()
		return nil
	}
	chunk := w.buf
	w.buf = nil
	w.mu.Unlock()
	return w.store.Append(ctx, w.root, w.leg, chunk)
}

// Flush persists anything still buffered. Call when the leg ends.
func (w *LegWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	chunk := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(chunk) == 0 {
		return nil
	}
	return w.store.Append(ctx, w.root, w.leg, chunk)
}
