package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundsettle/internal/models"
	"fundsettle/internal/repository"
)

// defaultMemoryCapacity - сколько последних событий хранит MemoryEventStore
const defaultMemoryCapacity = 10000

// MemoryEventStore - журнал событий в памяти (DB_ENABLED=false)
//
// Хранит последние capacity событий, старые вытесняются.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   []*models.Event
	capacity int
	nextID   int64
}

// NewMemoryEventStore создает журнал в памяти
func NewMemoryEventStore(capacity int) *MemoryEventStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryEventStore{capacity: capacity}
}

// Append записывает событие и проставляет ему ID
func (s *MemoryEventStore) Append(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	cp := *ev
	s.events = append(s.events, &cp)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

// GetByID возвращает событие по ID
func (s *MemoryEventStore) GetByID(_ context.Context, id int64) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ev := range s.events {
		if ev.ID == id {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, repository.ErrEventNotFound
}

// List возвращает события по фильтру в порядке возрастания id
func (s *MemoryEventStore) List(_ context.Context, f repository.EventFilter) ([]*models.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = repository.DefaultEventLimit
	}
	if limit > repository.MaxEventLimit {
		limit = repository.MaxEventLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Event{}
	for _, ev := range s.events {
		if f.AfterID > 0 && ev.ID <= f.AfterID {
			continue
		}
		if !matchEvent(f, ev) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count возвращает количество событий по фильтру
func (s *MemoryEventStore) Count(_ context.Context, f repository.EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.events {
		if matchEvent(f, ev) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan удаляет события старше before
func (s *MemoryEventStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, ev := range s.events {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	removed := int64(len(s.events) - len(kept))
	s.events = kept
	return removed, nil
}

func matchEvent(f repository.EventFilter, ev *models.Event) bool {
	if !f.Vault.IsZero() && ev.Vault != f.Vault {
		return false
	}
	if !f.Fund.IsZero() && ev.Fund != f.Fund {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// MemorySettlementStore - записи расчётов в памяти (DB_ENABLED=false)
type MemorySettlementStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.SettlementRecord
	order   []uuid.UUID
}

// NewMemorySettlementStore создает хранилище расчётов в памяти
func NewMemorySettlementStore() *MemorySettlementStore {
	return &MemorySettlementStore{records: make(map[uuid.UUID]*models.SettlementRecord)}
}

// Save записывает расчёт
func (s *MemorySettlementStore) Save(_ context.Context, rec *models.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return repository.ErrSettlementExists
	}
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

// GetByID возвращает расчёт по ID
func (s *MemorySettlementStore) GetByID(_ context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrSettlementNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListByVault возвращает последние расчёты фонда (новые первыми)
func (s *MemorySettlementStore) ListByVault(_ context.Context, vault models.Address, limit int) ([]*models.SettlementRecord, error) {
	if limit <= 0 {
		limit = repository.DefaultEventLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.SettlementRecord{}
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[s.order[i]]
		if rec.Vault == vault {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
