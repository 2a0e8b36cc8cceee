package escalation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// fakeRecords is an in-memory records API behind a real HTTP server, with
// version tokens enforced the way the production API enforces them.
type fakeRecords struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	occurrences map[string]*records.Occurrence
	providers   map[string]*records.ProviderConfig
	staff       map[string]*records.Staff
	byPhone     map[string]string
	callLog     map[string]*records.CallLogEntry
	logOrder    []string
	conflicts   int
}

func newFakeRecords(t *testing.T) *fakeRecords {
	t.Helper()
	f := &fakeRecords{
		t:           t,
		occurrences: make(map[string]*records.Occurrence),
		providers:   make(map[string]*records.ProviderConfig),
		staff:       make(map[string]*records.Staff),
		byPhone:     make(map[string]string),
		callLog:     make(map[string]*records.CallLogEntry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/occurrences/by-code/{code}", f.handleOccurrenceByCode)
	mux.HandleFunc("GET /v1/occurrences/{id}", f.handleOccurrenceGet)
	mux.HandleFunc("PATCH /v1/occurrences/{id}", f.handleOccurrencePatch)
	mux.HandleFunc("GET /v1/staff/by-phone", f.handleStaffByPhone)
	mux.HandleFunc("GET /v1/staff/{id}", f.handleStaffGet)
	mux.HandleFunc("GET /v1/providers/{id}", f.handleProviderGet)
	mux.HandleFunc("POST /v1/call-logs", f.handleCallLogAppend)
	mux.HandleFunc("PATCH /v1/call-logs/{sid}", f.handleCallLogPatch)
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

func (f *fakeRecords) addOccurrence(occ records.Occurrence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if occ.Version == "" {
		occ.Version = "1"
	}
	if occ.Status == "" {
		occ.Status = records.StatusOpen
	}
	f.occurrences[occ.ID] = &occ
}

func (f *fakeRecords) addProvider(cfg records.ProviderConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[cfg.ProviderID] = &cfg
}

func (f *fakeRecords) addStaff(s records.Staff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staff[s.ID] = &s
	if s.Phone != "" {
		f.byPhone[s.Phone] = s.ID
	}
}

// occurrence returns a copy for assertions.
func (f *fakeRecords) occurrence(id string) records.Occurrence {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		f.t.Fatalf("fake records: no occurrence %s", id)
	}
	return *occ
}

// logEntries returns call log rows in append order.
func (f *fakeRecords) logEntries() []records.CallLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]records.CallLogEntry, 0, len(f.logOrder))
	for _, sid := range f.logOrder {
		out = append(out, *f.callLog[sid])
	}
	return out
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

// injectConflicts makes the next n occurrence updates fail with 412 without
// applying, simulating a concurrent writer.
func (f *fakeRecords) injectConflicts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

func (f *fakeRecords) handleOccurrenceGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, occ)
}

func (f *fakeRecords) handleOccurrenceByCode(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := r.PathValue("code")
	providerID := r.URL.Query().Get("provider_id")
	for _, occ := range f.occurrences {
		if occ.JobCode == code && occ.ProviderID == providerID {
			writeJSON(w, occ)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *fakeRecords) handleOccurrencePatch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.conflicts > 0 {
		f.conflicts--
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if r.Header.Get("If-Match") != occ.Version {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	var update records.OccurrenceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if update.Status != "" {
		occ.Status = update.Status
	}
	if update.ClearAssignee {
		occ.Assignee = ""
	}
	if update.Assignee != nil {
		occ.Assignee = *update.Assignee
	}
	if update.EscalationEpoch != nil {
		occ.EscalationEpoch = *update.EscalationEpoch
	}
	version, _ := strconv.Atoi(occ.Version)
	occ.Version = strconv.Itoa(version + 1)
	writeJSON(w, occ)
}

func (f *fakeRecords) handleStaffGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.staff[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, member)
}

func (f *fakeRecords) handleStaffByPhone(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byPhone[r.URL.Query().Get("phone")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, f.staff[id])
}

func (f *fakeRecords) handleProviderGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.providers[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, cfg)
}

func (f *fakeRecords) handleCallLogAppend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entry records.CallLogEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil || entry.CallSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, exists := f.callLog[entry.CallSID]; !exists {
		f.logOrder = append(f.logOrder, entry.CallSID)
	}
	f.callLog[entry.CallSID] = &entry
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeRecords) handleCallLogPatch(w http.ResponseWriter, r *http.Request) {
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
	if update.StaffID != "" {
		entry.StaffID = update.StaffID
	}
	if update.OccurrenceID != "" {
		entry.OccurrenceID = update.OccurrenceID
	}
	if update.Outcome != "" {
		entry.Outcome = update.Outcome
	}
	if update.EndedAt != nil {
		entry.EndedAt = update.EndedAt
	}
	if update.DTMF != "" {
		entry.DTMF = update.DTMF
	}
	if update.RecordingURI != "" {
		entry.RecordingURI = update.RecordingURI
	}
	if update.TransferRecordingURI != "" {
		entry.TransferRecordingURI = update.TransferRecordingURI
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
