package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/joaopcouto/adapsync/internal/model"
)

// --- Mock Reminder Store --------------------------------------------------------

type mockStore struct {
	mu        sync.Mutex
	reminders map[string]*model.Reminder
	nextID    uint
	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{reminders: make(map[string]*model.Reminder)}
}

func (m *mockStore) Create(_ context.Context, rem *model.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.reminders[rem.MessageID]; ok {
		return errors.New("duplicate message id")
	}
	m.nextID++
	rem.ID = m.nextID
	cp := *rem
	m.reminders[rem.MessageID] = &cp
	return nil
}

func (m *mockStore) GetByMessageID(_ context.Context, messageID, userID string) (*model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[messageID]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) ListByUser(_ context.Context, userID string) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reminder
	for _, r := range m.reminders {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *mockStore) DeleteByMessageID(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[messageID]
	if !ok || r.UserID != userID {
		return false, nil
	}
	delete(m.reminders, messageID)
	return true, nil
}

func (m *mockStore) ClearEarlyReminder(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[messageID]
	if !ok || r.UserID != userID || r.EarlyReminderAt == nil {
		return false, nil
	}
	r.EarlyReminderAt = nil
	return true, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reminders)
}

// --- Mock Sync Records ------------------------------------------------------------

type mockRecords struct {
	mu        sync.Mutex
	records   map[string]*model.SyncRecord // messageID → record
	deleteErr error
	readErr   error
	deletes   int
}

func newMockRecords() *mockRecords {
	return &mockRecords{records: make(map[string]*model.SyncRecord)}
}

func (m *mockRecords) put(rec *model.SyncRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.MessageID] = &cp
}

func (m *mockRecords) GetRecord(_ context.Context, messageID, userID string) (*model.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	r, ok := m.records[messageID]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockRecords) ListForUser(_ context.Context, userID string) (map[string]*model.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make(map[string]*model.SyncRecord)
	for id, r := range m.records {
		if r.UserID == userID {
			cp := *r
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *mockRecords) DeleteRecord(_ context.Context, messageID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.records, messageID)
	return nil
}

// --- Mock Syncer --------------------------------------------------------------------

type mockSyncer struct {
	mu      sync.Mutex
	calls   []string
	ctxErrs []error
	err     error
	panics  bool
	block   chan struct{}
	done    chan struct{}
}

func (m *mockSyncer) SyncReminder(ctx context.Context, rem *model.Reminder) (*model.SyncRecord, error) {
	defer func() {
		if m.done != nil {
			m.done <- struct{}{}
		}
	}()
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.calls = append(m.calls, rem.MessageID)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	m.mu.Unlock()
	if m.panics {
		panic("calendar exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	return &model.SyncRecord{MessageID: rem.MessageID, UserID: rem.UserID, Status: model.SyncOK}, nil
}

func (m *mockSyncer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
