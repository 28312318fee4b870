package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"fundsettle/internal/models"
	"fundsettle/internal/repository"
)

// ============================================================
// Mock EventStore
// ============================================================

// MockEventStore - журнал в памяти с управляемыми сбоями записи
type MockEventStore struct {
	*MemoryEventStore

	mu         sync.Mutex
	failFirst  int // сколько первых Append завершатся ошибкой
	appendErr  error
	appendCall int
}

func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		MemoryEventStore: NewMemoryEventStore(0),
		appendErr:        errors.New("connection refused"),
	}
}

func (m *MockEventStore) Append(ctx context.Context, ev *models.Event) error {
	m.mu.Lock()
	m.appendCall++
	fail := m.appendCall <= m.failFirst
	m.mu.Unlock()

	if fail {
		return m.appendErr
	}
	return m.MemoryEventStore.Append(ctx, ev)
}

func (m *MockEventStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCall
}

// ============================================================
// Mock SettlementStore
// ============================================================

type MockSettlementStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*models.SettlementRecord
	saveErr   error
	saveCalls int
}

func NewMockSettlementStore() *MockSettlementStore {
	return &MockSettlementStore{records: make(map[uuid.UUID]*models.SettlementRecord)}
}

func (m *MockSettlementStore) Save(_ context.Context, rec *models.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, exists := m.records[rec.ID]; exists {
		return repository.ErrSettlementExists
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MockSettlementStore) GetByID(_ context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrSettlementNotFound
	}
	return rec, nil
}

func (m *MockSettlementStore) ListByVault(_ context.Context, vault models.Address, _ int) ([]*models.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SettlementRecord
	for _, rec := range m.records {
		if rec.Vault == vault {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MockSettlementStore) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// ============================================================
// Mock EventBroadcaster
// ============================================================

type MockBroadcaster struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *MockBroadcaster) BroadcastEvents(events []models.Event) {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
}

func (m *MockBroadcaster) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}
