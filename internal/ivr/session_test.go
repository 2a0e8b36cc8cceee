package ivr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSessionStore(rdb), mr
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := &Session{
		CallSID:      "CA100",
		RootCallSID:  "CA100",
		From:         "+61400000001",
		Phase:        PhaseConfirmJobCode,
		Attempts:     2,
		StaffID:      "staff-1",
		StaffName:    "Amy Ryan",
		ProviderID:   "prov-1",
		Providers:    []string{"prov-1", "prov-2"},
		OccurrenceID: "occ-1",
		JobCode:      "4321",
		Day:          15,
		Month:        8,
		TimeHHMM:     "1430",
		RescheduleAt: "2025-08-15T14:30:00Z",
		Trail:        "43211",
		StartedAt:    time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := store.Load(ctx, "CA100")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Phase != PhaseConfirmJobCode || out.Attempts != 2 {
		t.Errorf("phase/attempts = %s/%d, want %s/2", out.Phase, out.Attempts, PhaseConfirmJobCode)
	}
	if out.StaffID != "staff-1" || out.StaffName != "Amy Ryan" || out.ProviderID != "prov-1" {
		t.Errorf("identity fields = %q/%q/%q", out.StaffID, out.StaffName, out.ProviderID)
	}
	if len(out.Providers) != 2 || out.Providers[0] != "prov-1" || out.Providers[1] != "prov-2" {
		t.Errorf("providers = %v, want [prov-1 prov-2]", out.Providers)
	}
	if out.Day != 15 || out.Month != 8 || out.TimeHHMM != "1430" {
		t.Errorf("date parts = %d/%d/%s", out.Day, out.Month, out.TimeHHMM)
	}
	if out.Trail != "43211" || out.RescheduleAt != "2025-08-15T14:30:00Z" {
		t.Errorf("trail/reschedule = %q/%q", out.Trail, out.RescheduleAt)
	}
	if out.PendingTransfer {
		t.Error("fresh session should not have a pending transfer")
	}
	if !out.StartedAt.Equal(in.StartedAt) {
		t.Errorf("started_at = %v, want %v", out.StartedAt, in.StartedAt)
	}
}

func TestSessionLoadMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Load(context.Background(), "CA-none"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Load error = %v, want ErrNoSession", err)
	}
}

func TestStageTransferVisibleWithoutRedis(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &Session{CallSID: "CA100", RootCallSID: "CA100"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.StageTransfer(ctx, "CA100"); err != nil {
		t.Fatalf("StageTransfer: %v", err)
	}

	// The close handler must see the flag even if the durable write has not
	// landed: wipe Redis and check the local mirror answers.
	mr.FlushAll()
	if !store.PendingTransfer(ctx, "CA100") {
		t.Error("PendingTransfer should be true from the local mirror")
	}
	if got := store.RootCallSID(ctx, "CA100"); got != "CA100" {
		t.Errorf("RootCallSID = %q, want CA100", got)
	}
}

func TestPendingTransferFromRedisOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &Session{CallSID: "CA200", RootCallSID: "CA200"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.StageTransfer(ctx, "CA200"); err != nil {
		t.Fatalf("StageTransfer: %v", err)
	}

	// A second process has no local mirror; it must fall back to Redis.
	other := NewSessionStore(redis.NewClient(&redis.Options{Addr: storeAddr(t, store)}))
	if !other.PendingTransfer(ctx, "CA200") {
		t.Error("PendingTransfer should be true from Redis")
	}
}

// storeAddr digs the address back out of the store's client options so the
// test can dial a second, mirror-less client at the same server.
func storeAddr(t *testing.T, store *SessionStore) string {
	t.Helper()
	return store.rdb.Options().Addr
}

func TestClearTransfer(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &Session{CallSID: "CA300", RootCallSID: "CA300"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.StageTransfer(ctx, "CA300"); err != nil {
		t.Fatalf("StageTransfer: %v", err)
	}
	if err := store.ClearTransfer(ctx, "CA300"); err != nil {
		t.Fatalf("ClearTransfer: %v", err)
	}
	if store.PendingTransfer(ctx, "CA300") {
		t.Error("PendingTransfer should be false after ClearTransfer")
	}

	sess, err := store.Load(ctx, "CA300")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.PendingTransfer {
		t.Error("stored session should not keep the transfer flag")
	}
}

func TestRootCallSIDFallsBackToCallSID(t *testing.T) {
	store, _ := newTestStore(t)
	if got := store.RootCallSID(context.Background(), "CA-unknown"); got != "CA-unknown" {
		t.Errorf("RootCallSID = %q, want the call sid itself", got)
	}
}

func TestDeleteDropsSessionAndMirrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &Session{CallSID: "CA400", RootCallSID: "CA400"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.StageTransfer(ctx, "CA400"); err != nil {
		t.Fatalf("StageTransfer: %v", err)
	}
	if err := store.Delete(ctx, "CA400"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Load(ctx, "CA400"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Load after delete = %v, want ErrNoSession", err)
	}
	if store.PendingTransfer(ctx, "CA400") {
		t.Error("PendingTransfer should be false after delete")
	}
}
