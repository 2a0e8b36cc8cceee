package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/ivr"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// fakeRecords covers the slice of the records API a transfer touches:
// provider lookup and the call log.
type fakeRecords struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	providers map[string]*records.ProviderConfig
	callLog   map[string]*records.CallLogEntry
}

func newFakeRecords(t *testing.T) *fakeRecords {
	t.Helper()
	f := &fakeRecords{
		t:         t,
		providers: make(map[string]*records.ProviderConfig),
		callLog:   make(map[string]*records.CallLogEntry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/providers/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		cfg, ok := f.providers[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	})
	mux.HandleFunc("POST /v1/call-logs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var entry records.CallLogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil || entry.CallSID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.callLog[entry.CallSID] = &entry
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("PATCH /v1/call-logs/{sid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		entry, ok := f.callLog[r.PathValue("sid")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var update records.CallLogUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if update.Outcome != "" {
			entry.Outcome = update.Outcome
		}
		if update.RecordingURI != "" {
			entry.RecordingURI = update.RecordingURI
		}
		if update.TransferRecordingURI != "" {
			entry.TransferRecordingURI = update.TransferRecordingURI
		}
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRecords) client() *records.Client {
	f.t.Helper()
	cli, err := records.New(records.Config{
		BaseURL: f.srv.URL,
		APIKey:  "test-key",
		Logger:  logging.Default(),
	})
	if err != nil {
		f.t.Fatalf("records client: %v", err)
	}
	return cli
}

func (f *fakeRecords) addProvider(cfg records.ProviderConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[cfg.ProviderID] = &cfg
}

func (f *fakeRecords) addLog(entry records.CallLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLog[entry.CallSID] = &entry
}

func (f *fakeRecords) logEntry(sid string) (records.CallLogEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.callLog[sid]
	if !ok {
		return records.CallLogEntry{}, false
	}
	return *entry, true
}

type redirected struct {
	callSID string
	twiml   string
}

type fakeRedirector struct {
	mu    sync.Mutex
	err   error
	calls []redirected
}

func (f *fakeRedirector) RedirectTwiML(_ context.Context, callSID string, twiml []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, redirected{callSID: callSID, twiml: string(twiml)})
	return nil
}

func (f *fakeRedirector) last(t *testing.T) redirected {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no redirect was issued")
	}
	return f.calls[len(f.calls)-1]
}

type fakeFinalizer struct {
	mu    sync.Mutex
	uri   string
	err   error
	calls []audio.CallRecording
}

func (f *fakeFinalizer) FinalizeCall(_ context.Context, rec audio.CallRecording) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	return f.uri, f.err
}

func (f *fakeFinalizer) finalized() []audio.CallRecording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.CallRecording(nil), f.calls...)
}

type testEnv struct {
	t          *testing.T
	fake       *fakeRecords
	rdb        *redis.Client
	sessions   *ivr.SessionStore
	redirector *fakeRedirector
	finalizer  *fakeFinalizer
	park       *ParkStore
	clock      *fakeClock
	coord      *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{
		t:          t,
		fake:       newFakeRecords(t),
		rdb:        rdb,
		sessions:   ivr.NewSessionStore(rdb),
		redirector: &fakeRedirector{},
		finalizer:  &fakeFinalizer{uri: "s3://recordings/CA0.wav"},
		park:       NewParkStore(rdb),
		clock:      &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
	}
	env.fake.addProvider(records.ProviderConfig{
		ProviderID:          "prov-1",
		Name:                "Harbour Care",
		RepresentativePhone: "+61388880000",
		Timezone:            "UTC",
	})
	env.fake.addProvider(records.ProviderConfig{
		ProviderID: "prov-2",
		Name:       "Northside Care",
		Timezone:   "UTC",
	})
	env.rebuild("+61370001111")
	return env
}

// rebuild swaps the coordinator, letting tests vary the fallback number
// against the same collaborators.
func (e *testEnv) rebuild(fallback string) {
	e.coord = NewCoordinator(Config{
		Records:        e.fake.client(),
		Sessions:       e.sessions,
		Publisher:      events.NewPublisher(e.rdb, logging.Default()).WithClock(e.clock.Now),
		Redirector:     e.redirector,
		Recordings:     e.finalizer,
		Park:           e.park,
		Logger:         logging.Default(),
		BaseURL:        "https://engine.test",
		FallbackNumber: fallback,
		DialTimeout:    30 * time.Second,
		Now:            e.clock.Now,
	})
}

func (e *testEnv) saveSession(sess *ivr.Session) {
	e.t.Helper()
	if err := e.sessions.Save(context.Background(), sess); err != nil {
		e.t.Fatalf("save session: %v", err)
	}
}

// amySession is a mid-call session for an authenticated caller on prov-1.
func (e *testEnv) amySession(callSID string) *ivr.Session {
	sess := &ivr.Session{
		CallSID:      callSID,
		RootCallSID:  callSID,
		From:         "+61400000001",
		Phase:        ivr.PhaseTransfer,
		StaffID:      "staff-1",
		ProviderID:   "prov-1",
		OccurrenceID: "occ-1",
		StartedAt:    e.clock.Now(),
	}
	e.saveSession(sess)
	return sess
}

func (e *testEnv) eventsOfKind(providerID string, kind events.Kind) []events.Event {
	e.t.Helper()
	history, _, err := events.NewReader(e.rdb).WithClock(e.clock.Now).History(context.Background(), providerID)
	if err != nil {
		e.t.Fatalf("read events: %v", err)
	}
	var out []events.Event
	for _, event := range history {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func TestInitiateDialsRepresentative(t *testing.T) {
	e := newTestEnv(t)
	e.amySession("CA200")

	if err := e.coord.Initiate(context.Background(), "CA200"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	last := e.redirector.last(t)
	if last.callSID != "CA200" {
		t.Errorf("redirected call = %q, want CA200", last.callSID)
	}
	for _, want := range []string{
		`<Dial`,
		`callerId="+61400000001"`,
		`timeout="30"`,
		`action="https://engine.test/webhooks/transfer/complete"`,
		`record="record-from-answer-dual"`,
		`recordingStatusCallback="https://engine.test/webhooks/recording"`,
		`<Number>+61388880000</Number>`,
	} {
		if !strings.Contains(last.twiml, want) {
			t.Errorf("dial twiml missing %q in %s", want, last.twiml)
		}
	}

	if !e.sessions.PendingTransfer(context.Background(), "CA200") {
		t.Error("transfer was not staged before the redirect")
	}
	initiated := e.eventsOfKind("prov-1", events.KindTransferInitiated)
	if len(initiated) != 1 || initiated[0].Detail["to"] != "+61388880000" {
		t.Errorf("transfer_initiated events = %+v", initiated)
	}
}

func TestInitiateFallsBackWithoutProvider(t *testing.T) {
	e := newTestEnv(t)
	e.saveSession(&ivr.Session{
		CallSID:     "CA201",
		RootCallSID: "CA201",
		From:        "+61499999999",
		Phase:       ivr.PhaseTransfer,
		StartedAt:   e.clock.Now(),
	})

	if err := e.coord.Initiate(context.Background(), "CA201"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	last := e.redirector.last(t)
	if !strings.Contains(last.twiml, "<Number>+61370001111</Number>") {
		t.Errorf("expected the fallback number in %s", last.twiml)
	}
	if !e.sessions.PendingTransfer(context.Background(), "CA201") {
		t.Error("transfer was not staged")
	}
}

func TestInitiateParksWhenNobodyConfigured(t *testing.T) {
	e := newTestEnv(t)
	e.rebuild("")
	e.saveSession(&ivr.Session{
		CallSID:     "CA202",
		RootCallSID: "CA202",
		From:        "+61400000002",
		Phase:       ivr.PhaseTransfer,
		StaffID:     "staff-2",
		ProviderID:  "prov-2",
		StartedAt:   e.clock.Now(),
	})

	if err := e.coord.Initiate(context.Background(), "CA202"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	last := e.redirector.last(t)
	if !strings.Contains(last.twiml, sayAllBusy) {
		t.Errorf("expected hold twiml, got %s", last.twiml)
	}
	if e.sessions.PendingTransfer(context.Background(), "CA202") {
		t.Error("a parked call must not stage a transfer; its stream close uploads normally")
	}

	parked, err := e.park.Parked(context.Background(), "prov-2")
	if err != nil {
		t.Fatalf("Parked: %v", err)
	}
	if len(parked) != 1 || parked[0].CallSID != "CA202" || parked[0].From != "+61400000002" {
		t.Fatalf("parked = %+v, want CA202 from +61400000002", parked)
	}
}

func TestInitiateRedirectFailureUnstages(t *testing.T) {
	e := newTestEnv(t)
	e.amySession("CA203")
	e.redirector.err = errors.New("carrier down")

	if err := e.coord.Initiate(context.Background(), "CA203"); err == nil {
		t.Fatal("expected an error when the redirect fails")
	}
	if e.sessions.PendingTransfer(context.Background(), "CA203") {
		t.Error("a failed redirect left the transfer staged; the stream close would never upload")
	}
}

func TestCompleteHandoff(t *testing.T) {
	e := newTestEnv(t)
	e.amySession("CA204")
	e.fake.addLog(records.CallLogEntry{
		CallSID:   "CA204",
		Purpose:   records.PurposeIVR,
		StartedAt: e.clock.Now(),
	})
	if err := e.sessions.StageTransfer(context.Background(), "CA204"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	twiml := e.coord.Complete(context.Background(), "CA204", "CA204-dial", "completed")
	if !strings.Contains(string(twiml), "<Hangup") {
		t.Errorf("completion twiml = %s, want a hangup", twiml)
	}
	if e.sessions.PendingTransfer(context.Background(), "CA204") {
		t.Error("transfer flag survived completion")
	}

	finalized := e.finalizer.finalized()
	if len(finalized) != 1 || finalized[0].RootCallSID != "CA204" {
		t.Fatalf("finalized = %+v, want the root call", finalized)
	}
	if finalized[0].OccurrenceID != "occ-1" || finalized[0].Purpose != records.PurposeIVR {
		t.Errorf("finalize metadata = %+v", finalized[0])
	}

	root, _ := e.fake.logEntry("CA204")
	if root.RecordingURI != "s3://recordings/CA0.wav" {
		t.Errorf("root recording uri = %q", root.RecordingURI)
	}
	if root.Outcome != records.OutcomeCompleted {
		t.Errorf("root outcome = %q; the stream close skips the row, so Complete must close it", root.Outcome)
	}
	dial, ok := e.fake.logEntry("CA204-dial")
	if !ok {
		t.Fatal("expected a call log row for the dial leg")
	}
	if dial.Purpose != records.PurposeTransfer || dial.Outcome != records.OutcomeCompleted {
		t.Errorf("dial leg purpose/outcome = %q/%q", dial.Purpose, dial.Outcome)
	}

	completed := e.eventsOfKind("prov-1", events.KindTransferCompleted)
	if len(completed) != 1 || completed[0].Detail["dial_status"] != "completed" {
		t.Errorf("transfer_completed events = %+v", completed)
	}
}

func TestCompleteBusyParksCaller(t *testing.T) {
	e := newTestEnv(t)
	e.amySession("CA205")
	e.finalizer.uri = ""
	if err := e.sessions.StageTransfer(context.Background(), "CA205"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	twiml := e.coord.Complete(context.Background(), "CA205", "CA205-dial", "busy")
	if !strings.Contains(string(twiml), sayAllBusy) {
		t.Errorf("busy twiml = %s, want hold audio", twiml)
	}

	parked, err := e.park.Parked(context.Background(), "prov-1")
	if err != nil {
		t.Fatalf("Parked: %v", err)
	}
	if len(parked) != 1 || parked[0].CallSID != "CA205" {
		t.Fatalf("parked = %+v, want CA205", parked)
	}
	dial, _ := e.fake.logEntry("CA205-dial")
	if dial.Outcome != records.OutcomeBusy {
		t.Errorf("dial outcome = %q, want %q", dial.Outcome, records.OutcomeBusy)
	}
	if got := e.eventsOfKind("prov-1", events.KindTransferCompleted); len(got) != 0 {
		t.Errorf("busy dial published %d transfer_completed events, want 0", len(got))
	}
}

func TestCompleteFinalizesEvenWhenDialNeverConnected(t *testing.T) {
	e := newTestEnv(t)
	e.amySession("CA206")

	e.coord.Complete(context.Background(), "CA206", "", "no-answer")
	if len(e.finalizer.finalized()) != 1 {
		t.Error("pre-transfer audio must be finalized regardless of the dial outcome")
	}
	if _, ok := e.fake.logEntry(""); ok {
		t.Error("an absent dial SID must not create a log row")
	}
}

func TestRecordingPatchesRootRow(t *testing.T) {
	e := newTestEnv(t)
	e.saveSession(&ivr.Session{
		CallSID:     "CA207",
		RootCallSID: "CA200",
		From:        "+61400000001",
		Phase:       ivr.PhaseTransfer,
		ProviderID:  "prov-1",
		StartedAt:   e.clock.Now(),
	})
	e.fake.addLog(records.CallLogEntry{
		CallSID:   "CA200",
		Purpose:   records.PurposeIVR,
		StartedAt: e.clock.Now(),
	})

	err := e.coord.Recording(context.Background(), "CA207", "https://carrier.test/recordings/RE1")
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	root, _ := e.fake.logEntry("CA200")
	if root.TransferRecordingURI != "https://carrier.test/recordings/RE1" {
		t.Errorf("transfer recording uri = %q", root.TransferRecordingURI)
	}
}

func TestParkStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := NewParkStore(rdb)

	first := ParkedCall{CallSID: "CA1", RootCallSID: "CA1", From: "+61400000001", ProviderID: "prov-1"}
	second := ParkedCall{CallSID: "CA2", RootCallSID: "CA2", From: "+61400000002", ProviderID: "prov-1"}
	unrouted := ParkedCall{CallSID: "CA3", RootCallSID: "CA3", From: "+61499999999"}
	for _, call := range []ParkedCall{first, second, unrouted} {
		if err := store.Park(context.Background(), call); err != nil {
			t.Fatalf("Park(%s): %v", call.CallSID, err)
		}
	}

	parked, err := store.Parked(context.Background(), "prov-1")
	if err != nil {
		t.Fatalf("Parked: %v", err)
	}
	if len(parked) != 2 || parked[0].CallSID != "CA1" || parked[1].CallSID != "CA2" {
		t.Fatalf("parked = %+v, want CA1 then CA2", parked)
	}

	// Callers with no provider land on the shared unrouted list.
	orphans, err := store.Parked(context.Background(), "")
	if err != nil {
		t.Fatalf("Parked(unrouted): %v", err)
	}
	if len(orphans) != 1 || orphans[0].CallSID != "CA3" {
		t.Fatalf("unrouted = %+v, want CA3", orphans)
	}
}
