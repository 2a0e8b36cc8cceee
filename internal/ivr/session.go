package ivr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ErrNoSession means no call session exists for a call SID, either because
// the call never reached the bridge or the session already expired.
var ErrNoSession = errors.New("ivr: no session for call")

const defaultSessionTTL = 4 * time.Hour

// Session is the durable state of one inbound call: where the flow sits,
// who the caller turned out to be, and what they have keyed in so far.
// RootCallSID groups audio legs across a transfer; it is set at initial
// answer and never changes.
type Session struct {
	CallSID         string
	RootCallSID     string
	From            string
	Phase           Phase
	Attempts        int
	StaffID         string
	StaffName       string
	ProviderID      string
	Providers       []string
	OccurrenceID    string
	JobCode         string
	Day             int
	Month           int
	TimeHHMM        string
	RescheduleAt    string
	Trail           string
	PendingTransfer bool
	StartedAt       time.Time
}

// SessionStore keeps call sessions in Redis keyed by call SID. A
// process-local cache mirrors the transfer flag and root call SID so the
// WebSocket close handler reads them synchronously instead of racing the
// durable write.
type SessionStore struct {
	rdb   *redis.Client
	local *gocache.Cache
	ttl   time.Duration
}

func NewSessionStore(rdb *redis.Client) *SessionStore {
	if rdb == nil {
		panic("ivr: session store requires a redis client")
	}
	return &SessionStore{
		rdb:   rdb,
		local: gocache.New(defaultSessionTTL, 10*time.Minute),
		ttl:   defaultSessionTTL,
	}
}

// WithTTL overrides the session lifetime.
func (s *SessionStore) WithTTL(ttl time.Duration) *SessionStore {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func sessionKey(callSID string) string {
	return "session:" + callSID
}

// Save writes the full session and refreshes its TTL. The root call SID is
// mirrored locally on every save.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	if sess.CallSID == "" {
		return errors.New("ivr: session call sid required")
	}
	key := sessionKey(sess.CallSID)
	fields := map[string]any{
		"root_call_sid": sess.RootCallSID,
		"from":          sess.From,
		"phase":         string(sess.Phase),
		"attempts":      strconv.Itoa(sess.Attempts),
		"staff_id":      sess.StaffID,
		"staff_name":    sess.StaffName,
		"provider_id":   sess.ProviderID,
		"providers":     strings.Join(sess.Providers, ","),
		"occurrence_id": sess.OccurrenceID,
		"job_code":      sess.JobCode,
		"day":           strconv.Itoa(sess.Day),
		"month":         strconv.Itoa(sess.Month),
		"time_hhmm":     sess.TimeHHMM,
		"reschedule_at": sess.RescheduleAt,
		"trail":         sess.Trail,
		"started_at":    sess.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if sess.PendingTransfer {
		fields["pending_transfer"] = "1"
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ivr: save session: %w", err)
	}
	s.local.Set("root:"+sess.CallSID, sess.RootCallSID, gocache.DefaultExpiration)
	return nil
}

// Load reads the session for callSID.
func (s *SessionStore) Load(ctx context.Context, callSID string) (*Session, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(callSID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ivr: load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoSession
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	day, _ := strconv.Atoi(fields["day"])
	month, _ := strconv.Atoi(fields["month"])
	startedAt, _ := time.Parse(time.RFC3339Nano, fields["started_at"])
	var providers []string
	if fields["providers"] != "" {
		providers = strings.Split(fields["providers"], ",")
	}
	return &Session{
		CallSID:         callSID,
		RootCallSID:     fields["root_call_sid"],
		From:            fields["from"],
		Phase:           Phase(fields["phase"]),
		Attempts:        attempts,
		StaffID:         fields["staff_id"],
		StaffName:       fields["staff_name"],
		ProviderID:      fields["provider_id"],
		Providers:       providers,
		OccurrenceID:    fields["occurrence_id"],
		JobCode:         fields["job_code"],
		Day:             day,
		Month:           month,
		TimeHHMM:        fields["time_hhmm"],
		RescheduleAt:    fields["reschedule_at"],
		Trail:           fields["trail"],
		PendingTransfer: fields["pending_transfer"] == "1",
		StartedAt:       startedAt,
	}, nil
}

// StageTransfer flags the session as handing off to a representative. The
// local cache is written first: the WebSocket close fires the moment the
// bridge drops the stream, possibly before the Redis write returns.
func (s *SessionStore) StageTransfer(ctx context.Context, callSID string) error {
	s.local.Set("transfer:"+callSID, true, gocache.DefaultExpiration)
	if err := s.rdb.HSet(ctx, sessionKey(callSID), "pending_transfer", "1").Err(); err != nil {
		return fmt.Errorf("ivr: stage transfer: %w", err)
	}
	return nil
}

// ClearTransfer drops the flag once the handoff finished (or failed), so a
// later close of the same call uploads audio normally.
func (s *SessionStore) ClearTransfer(ctx context.Context, callSID string) error {
	s.local.Delete("transfer:" + callSID)
	if err := s.rdb.HDel(ctx, sessionKey(callSID), "pending_transfer").Err(); err != nil {
		return fmt.Errorf("ivr: clear transfer: %w", err)
	}
	return nil
}

// PendingTransfer reports whether a handoff is staged for callSID. The local
// mirror answers first; Redis covers sessions staged by another process.
func (s *SessionStore) PendingTransfer(ctx context.Context, callSID string) bool {
	if _, ok := s.local.Get("transfer:" + callSID); ok {
		return true
	}
	v, err := s.rdb.HGet(ctx, sessionKey(callSID), "pending_transfer").Result()
	return err == nil && v == "1"
}

// RootCallSID resolves the audio grouping key for callSID, falling back to
// callSID itself when no session survives.
func (s *SessionStore) RootCallSID(ctx context.Context, callSID string) string {
	if v, ok := s.local.Get("root:" + callSID); ok {
		if root, _ := v.(string); root != "" {
			return root
		}
	}
	root, err := s.rdb.HGet(ctx, sessionKey(callSID), "root_call_sid").Result()
	if err != nil || root == "" {
		return callSID
	}
	return root
}

// Delete drops the session and its local mirrors.
func (s *SessionStore) Delete(ctx context.Context, callSID string) error {
	s.local.Delete("transfer:" + callSID)
	s.local.Delete("root:" + callSID)
	if err := s.rdb.Del(ctx, sessionKey(callSID)).Err(); err != nil {
		return fmt.Errorf("ivr: delete session: %w", err)
	}
	return nil
}
