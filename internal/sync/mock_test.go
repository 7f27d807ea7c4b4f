package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joaopcouto/adapsync/internal/model"
)

// --- Mock State Store ----------------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	records map[string]*model.SyncRecord // messageID|userID → record
	nextID  int64
	upserts int
	failGet error
}

func newMockStore(records ...*model.SyncRecord) *mockStore {
	s := &mockStore{records: make(map[string]*model.SyncRecord)}
	for _, r := range records {
		s.nextID++
		cp := *r
		cp.ID = s.nextID
		if cp.MaxRetries == 0 {
			cp.MaxRetries = model.DefaultMaxRetries
		}
		s.records[key(r.MessageID, r.UserID)] = &cp
	}
	return s
}

func key(messageID, userID string) string { return messageID + "|" + userID }

func copyRecord(r *model.SyncRecord) *model.SyncRecord {
	cp := *r
	if r.LastError != nil {
		e := *r.LastError
		cp.LastError = &e
	}
	return &cp
}

func (s *mockStore) GetRecord(_ context.Context, messageID, userID string) (*model.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	r, ok := s.records[key(messageID, userID)]
	if !ok {
		return nil, nil
	}
	return copyRecord(r), nil
}

func (s *mockStore) UpsertRecord(ctx context.Context, rec *model.SyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	k := key(rec.MessageID, rec.UserID)
	if existing, ok := s.records[k]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		rec.ID = s.nextID
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = model.DefaultMaxRetries
	}
	s.records[k] = copyRecord(rec)
	return nil
}

func (s *mockStore) FindRetryable(_ context.Context, now, triedBefore time.Time, limit int) ([]*model.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncRecord
	for _, r := range s.records {
		if r.Status != model.SyncFailed || r.LastError == nil || !r.LastError.Retryable {
			continue
		}
		if r.RetryCount >= r.MaxRetries {
			continue
		}
		if !r.LastTriedAt.IsZero() && !r.LastTriedAt.Before(triedBefore) {
			continue
		}
		if !r.NotBefore.IsZero() && r.NotBefore.After(now) {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Status == model.SyncFailed && r.LastError != nil && r.LastError.Retryable && r.RetryCount < r.MaxRetries {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) CountExhausted(_ context.Context, updatedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Status == model.SyncFailed && r.RetryCount >= r.MaxRetries && r.UpdatedAt.Before(updatedBefore) {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) CountRecentErrors(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Status == model.SyncFailed && !r.LastTriedAt.IsZero() && !r.LastTriedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) DeleteSyncedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.records {
		if n >= int64(limit) {
			break
		}
		if r.Status == model.SyncOK && r.UpdatedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *mockStore) FailStalePending(_ context.Context, startedBefore time.Time, lastErr model.SyncError, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.Status != model.SyncPending || !r.UpdatedAt.Before(startedBefore) {
			continue
		}
		e := lastErr
		r.Status = model.SyncFailed
		r.GoogleEventID = ""
		r.LastError = &e
		r.RetryCount++
		r.LastTriedAt = now
		r.NotBefore = time.Time{}
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *mockStore) MarkUserReconnectRequired(_ context.Context, userID string, lastErr model.SyncError, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.UserID != userID || r.Status != model.SyncFailed || r.LastError == nil || !r.LastError.Retryable {
			continue
		}
		e := lastErr
		e.Retryable = false
		e.RequiresReconnection = true
		r.LastError = &e
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *mockStore) get(messageID, userID string) *model.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(messageID, userID)]
	if !ok {
		return nil
	}
	return copyRecord(r)
}

func (s *mockStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// --- Mock Calendar Gateway ----------------------------------------------------

type mockGateway struct {
	mu sync.Mutex

	events map[string]model.CalendarEvent // appEventID → event
	nextID int

	creates     int
	searches    int
	ensures     int
	revokes     int
	createErr   error
	searchErr   error
	ensureErr   error
	createWait  bool   // CreateEvent blocks until its context is done
	refreshTo   string // non-empty: EnsureValidToken returns a refreshed copy
	disconnect  bool   // EnsureValidToken returns a disconnected copy with ensureErr
	revokeOK    bool
	lastCreated model.EventData
}

func newMockGateway() *mockGateway {
	return &mockGateway{events: make(map[string]model.CalendarEvent), revokeOK: true}
}

func (g *mockGateway) EnsureValidToken(_ context.Context, cred *model.CalendarCredential) (*model.CalendarCredential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensures++
	if g.ensureErr != nil {
		if g.disconnect {
			return cred.Disconnected(), g.ensureErr
		}
		return cred, g.ensureErr
	}
	if g.refreshTo != "" {
		cp := cred.Clone()
		cp.AccessToken = g.refreshTo
		return cp, nil
	}
	return cred, nil
}

func (g *mockGateway) CreateEvent(ctx context.Context, cred *model.CalendarCredential, data model.EventData, appEventID string) (model.CalendarEvent, *model.CalendarCredential, error) {
	g.mu.Lock()
	wait := g.createWait
	g.mu.Unlock()
	if wait {
		<-ctx.Done()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if wait {
		return model.CalendarEvent{}, cred, ctx.Err()
	}
	if g.createErr != nil {
		return model.CalendarEvent{}, cred, g.createErr
	}
	g.nextID++
	ev := model.CalendarEvent{
		EventID:    fmt.Sprintf("evt-%d", g.nextID),
		CalendarID: "primary",
		CreatedAt:  time.Now(),
	}
	g.events[appEventID] = ev
	g.lastCreated = data
	return ev, cred, nil
}

func (g *mockGateway) SearchEventByAppID(_ context.Context, cred *model.CalendarCredential, appEventID string) (*model.CalendarEvent, *model.CalendarCredential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.searches++
	if g.searchErr != nil {
		return nil, cred, g.searchErr
	}
	ev, ok := g.events[appEventID]
	if !ok {
		return nil, cred, nil
	}
	return &ev, cred, nil
}

func (g *mockGateway) RevokeTokens(_ context.Context, _, _ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes++
	return g.revokeOK
}

// seed pretends an earlier attempt created the event remotely.
func (g *mockGateway) seed(appEventID, eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[appEventID] = model.CalendarEvent{EventID: eventID, CalendarID: "primary"}
}

func (g *mockGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

// --- Mock Credential Store ----------------------------------------------------

type mockCreds struct {
	mu    sync.Mutex
	creds map[string]*model.CalendarCredential
	saves int
	err   error
}

func newMockCreds(creds ...*model.CalendarCredential) *mockCreds {
	m := &mockCreds{creds: make(map[string]*model.CalendarCredential)}
	for _, c := range creds {
		m.creds[c.UserID] = c
	}
	return m
}

func (m *mockCreds) GetCredential(_ context.Context, userID string) (*model.CalendarCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.creds[userID]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (m *mockCreds) SaveCredential(_ context.Context, cred *model.CalendarCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.creds[cred.UserID] = cred.Clone()
	return nil
}

func (m *mockCreds) get(userID string) *model.CalendarCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[userID].Clone()
}

// --- Mock Reminder Source -----------------------------------------------------

type mockReminders struct {
	mu    sync.Mutex
	items map[string]*model.Reminder // messageID → reminder
}

func newMockReminders(items ...*model.Reminder) *mockReminders {
	m := &mockReminders{items: make(map[string]*model.Reminder)}
	for _, r := range items {
		m.items[r.MessageID] = r
	}
	return m
}

func (m *mockReminders) GetByMessageID(_ context.Context, messageID, userID string) (*model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[messageID]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockReminders) delete(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, messageID)
}

// --- Mock Notifier ------------------------------------------------------------

type mockNotifier struct {
	mu     sync.Mutex
	phones []string
}

func (n *mockNotifier) NotifyReconnectRequired(_ context.Context, phone string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phones = append(n.phones, phone)
	return nil
}

func (n *mockNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.phones...)
}

// --- Mock Retrier ---------------------------------------------------------------

type mockRetrier struct {
	mu       sync.Mutex
	outcomes map[string]RetryOutcome // messageID → outcome
	panicOn  string
	errOn    string
	calls    []string
	block    chan struct{} // when non-nil, each call waits on it
	started  chan struct{} // when non-nil, signalled as each call starts
}

func (r *mockRetrier) RetryFailedSync(_ context.Context, rec *model.SyncRecord) (RetryOutcome, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rec.MessageID)
	if rec.MessageID == r.panicOn {
		panic("boom")
	}
	if rec.MessageID == r.errOn {
		return RetryFailed, fmt.Errorf("store unavailable")
	}
	if o, ok := r.outcomes[rec.MessageID]; ok {
		return o, nil
	}
	return RetryOK, nil
}

func (r *mockRetrier) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
