package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/messaging"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/internal/telephony"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMessage struct {
	To   string
	Body string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]bool
}

func (s *fakeSender) Send(ctx context.Context, msg messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo[msg.To] {
		return errors.New("carrier rejected")
	}
	s.sent = append(s.sent, sentMessage{To: msg.To, Body: msg.Body})
	if msg.Metadata != nil {
		msg.Metadata["carrier_message_id"] = fmt.Sprintf("SM%03d", len(s.sent))
	}
	return nil
}

func (s *fakeSender) failNumber(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo == nil {
		s.failTo = make(map[string]bool)
	}
	s.failTo[phone] = true
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []telephony.OriginateRequest
	err   error
}

func (d *fakeDialer) Originate(ctx context.Context, req telephony.OriginateRequest) (*telephony.Call, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.calls = append(d.calls, req)
	return &telephony.Call{
		SID:    fmt.Sprintf("CA%03d", len(d.calls)),
		Status: "queued",
	}, nil
}

func (d *fakeDialer) placed() []telephony.OriginateRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]telephony.OriginateRequest(nil), d.calls...)
}

type fakePrompts struct {
	mu       sync.Mutex
	prepared map[string]string
	err      error
}

func newFakePrompts() *fakePrompts {
	return &fakePrompts{prepared: make(map[string]string)}
}

func (p *fakePrompts) Prepare(ctx context.Context, promptID, text, voice string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.prepared[promptID] = text
	return nil
}

func (p *fakePrompts) text(promptID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.prepared[promptID]
	return text, ok
}

type fakeAlerter struct {
	mu        sync.Mutex
	subjects  []string
	providers []string
}

func (a *fakeAlerter) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *fakeAlerter) AlertProvider(ctx context.Context, providerID, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	a.providers = append(a.providers, providerID)
	return nil
}

func (a *fakeAlerter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

func (a *fakeAlerter) alertedProviders() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.providers...)
}

type testEnv struct {
	t       *testing.T
	fake    *fakeRecords
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	sched   *jobs.Scheduler
	sender  *fakeSender
	dialer  *fakeDialer
	prompts *fakePrompts
	alerter *fakeAlerter
	clock   *fakeClock
	ctrl    *Controller
}

// newTestEnv wires a controller against the fake records API, miniredis, and
// capturing fakes, pre-seeded with one provider, three pool members, and one
// open occurrence eight hours out.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	fake := newFakeRecords(t)
	sender := &fakeSender{}
	dialer := &fakeDialer{}
	prompts := newFakePrompts()
	alerter := &fakeAlerter{}
	sched := jobs.NewScheduler(rdb, logging.Default(), jobs.WithClock(clock.Now))

	ctrl := NewController(Config{
		Records:   fake.client(),
		Scheduler: sched,
		Publisher: events.NewPublisher(rdb, logging.Default()).WithClock(clock.Now),
		Sender:    sender,
		Dialer:    dialer,
		Intents:   NewIntentStore(rdb, nil),
		Offers:    NewOfferStore(rdb, nil),
		Prompts:   prompts,
		Alerter:   alerter,
		Logger:    logging.Default(),
		BaseURL:   "https://engine.test",
		Now:       clock.Now,
	})

	env := &testEnv{
		t:       t,
		fake:    fake,
		mr:      mr,
		rdb:     rdb,
		sched:   sched,
		sender:  sender,
		dialer:  dialer,
		prompts: prompts,
		alerter: alerter,
		clock:   clock,
		ctrl:    ctrl,
	}
	env.seed()
	return env
}

func (e *testEnv) seed() {
	e.fake.addProvider(records.ProviderConfig{
		ProviderID:      "prov-1",
		Name:            "Harbour Care",
		OutboundEnabled: true,
		WaitMinutes:     10,
		MaxRounds:       2,
		MessageTemplate: "Hi {employeeName}, a shift with {patientName} on {date} from {startTime} to {endTime} in {suburb} needs cover. Reply YES to accept or NO to decline.",
		Timezone:        "Australia/Sydney",
		Voice:           "Olivia",
		AlertEmail:      "oncall@harbourcare.test",
	})
	names := []string{"Amy Ryan", "Ben Cole", "Cara Dunn"}
	for i, phone := range []string{"+61400000001", "+61400000002", "+61400000003"} {
		e.fake.addStaff(records.Staff{
			ID:          fmt.Sprintf("staff-%d", i+1),
			DisplayName: names[i],
			Phone:       phone,
			ProviderIDs: []string{"prov-1"},
		})
	}
	e.fake.addOccurrence(records.Occurrence{
		ID:          "occ-1",
		ProviderID:  "prov-1",
		PatientRef:  "pat-9",
		PatientName: "Mrs Carter",
		JobCode:     "4321",
		ScheduledAt: e.clock.Now().Add(8 * time.Hour),
		Timezone:    "Australia/Sydney",
		WindowStart: "19:00",
		WindowEnd:   "23:00",
		Suburb:      "Newtown",
		Pool:        []string{"staff-1", "staff-2", "staff-3"},
		Status:      records.StatusOpen,
	})
}

// providerEvents reads everything published for the provider today.
func (e *testEnv) providerEvents(providerID string) []events.Event {
	e.t.Helper()
	history, _, err := events.NewReader(e.rdb).WithClock(e.clock.Now).History(context.Background(), providerID)
	if err != nil {
		e.t.Fatalf("read events: %v", err)
	}
	return history
}

func (e *testEnv) eventsOfKind(providerID string, kind events.Kind) []events.Event {
	var out []events.Event
	for _, event := range e.providerEvents(providerID) {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

// pendingJob loads a job by ID, or nil when it does not exist.
func (e *testEnv) pendingJob(queue, jobID string) *jobs.Job {
	e.t.Helper()
	job, err := e.sched.Job(context.Background(), queue, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		e.t.Fatalf("load job %s: %v", jobID, err)
	}
	return job
}

func (e *testEnv) mustJob(queue, jobID string) *jobs.Job {
	e.t.Helper()
	job := e.pendingJob(queue, jobID)
	if job == nil {
		e.t.Fatalf("expected job %s in %s", jobID, queue)
	}
	return job
}

// runJob invokes a handler with a synthetic claimed job.
func (e *testEnv) runJob(handler jobs.Handler, queue string, payload []byte) error {
	e.t.Helper()
	return handler(context.Background(), &jobs.Job{
		ID:      "test-job",
		Queue:   queue,
		Payload: payload,
	})
}
