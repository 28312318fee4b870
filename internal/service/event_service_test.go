package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"fundsettle/internal/models"
	"fundsettle/internal/repository"
)

func sampleEvents(vault models.Address, types ...string) []models.Event {
	out := make([]models.Event, 0, len(types))
	for _, typ := range types {
		out = append(out, models.Event{
			Type:      typ,
			Vault:     vault,
			Fund:      "0xrouter",
			Timestamp: testStart,
			Data:      map[string]interface{}{"k": "v"},
		})
	}
	return out
}

func TestEventService_PersistsThenBroadcasts(t *testing.T) {
	store := NewMockEventStore()
	hub := &MockBroadcaster{}
	svc := NewEventService(store, 8, fastRetry)
	svc.SetBroadcaster(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	svc.HandleEvents(sampleEvents("0xvault", models.EventFundCreated, models.EventSharesBought))
	cancel()
	svc.Wait()

	got := hub.Events()
	if len(got) != 2 {
		t.Fatalf("broadcast events = %d, want 2", len(got))
	}
	for i, ev := range got {
		if ev.ID != int64(i+1) {
			t.Errorf("event %d ID = %d, want %d", i, ev.ID, i+1)
		}
	}
}

func TestEventService_RetriesFailedAppend(t *testing.T) {
	store := NewMockEventStore()
	store.failFirst = 2
	svc := NewEventService(store, 8, fastRetry)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	svc.HandleEvents(sampleEvents("0xvault", models.EventSharesBought))
	cancel()
	svc.Wait()

	if store.Calls() != 3 {
		t.Errorf("Append calls = %d, want 3", store.Calls())
	}
	n, err := svc.CountEvents(context.Background(), repository.EventFilter{})
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}

func TestEventService_GivesUpAfterMaxRetries(t *testing.T) {
	store := NewMockEventStore()
	store.failFirst = 100
	hub := &MockBroadcaster{}
	svc := NewEventService(store, 8, fastRetry)
	svc.SetBroadcaster(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	svc.HandleEvents(sampleEvents("0xvault", models.EventSharesBought))
	cancel()
	svc.Wait()

	if store.Calls() != fastRetry.MaxRetries {
		t.Errorf("Append calls = %d, want %d", store.Calls(), fastRetry.MaxRetries)
	}
	// Событие рассылается даже без записи в журнал
	if len(hub.Events()) != 1 {
		t.Errorf("broadcast events = %d, want 1", len(hub.Events()))
	}
}

func TestEventService_QueueFullBroadcastsImmediately(t *testing.T) {
	store := NewMockEventStore()
	hub := &MockBroadcaster{}
	svc := NewEventService(store, 1, fastRetry)
	svc.SetBroadcaster(hub)

	// Run не запущен: первый пакет занимает очередь, второй не помещается
	svc.HandleEvents(sampleEvents("0xvault", models.EventSharesBought))
	svc.HandleEvents(sampleEvents("0xvault", models.EventSharesRedeemed))

	got := hub.Events()
	if len(got) != 1 || got[0].Type != models.EventSharesRedeemed {
		t.Fatalf("broadcast events = %+v, want only SHARES_REDEEMED", got)
	}
	if got[0].ID != 0 {
		t.Errorf("unpersisted event must have no ID, got %d", got[0].ID)
	}
	if store.Calls() != 0 {
		t.Errorf("Append calls = %d, want 0", store.Calls())
	}
}

func TestEventService_HandleEventsCopiesBatch(t *testing.T) {
	store := NewMockEventStore()
	svc := NewEventService(store, 4, fastRetry)

	batch := sampleEvents("0xvault", models.EventSharesBought)
	svc.HandleEvents(batch)
	batch[0].Type = "MUTATED"

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	cancel()
	svc.Wait()

	ev, err := svc.GetEvent(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev.Type != models.EventSharesBought {
		t.Errorf("stored type = %s, want %s", ev.Type, models.EventSharesBought)
	}
}

func TestEventService_ListEvents(t *testing.T) {
	store := NewMockEventStore()
	svc := NewEventService(store, 4, fastRetry)
	ctx := context.Background()

	for _, ev := range append(
		sampleEvents("0xvault", models.EventFundCreated, models.EventSharesBought, models.EventSharesBought),
		sampleEvents("0xother", models.EventSharesBought)...,
	) {
		ev := ev
		if err := store.Append(ctx, &ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter repository.EventFilter
		want   int
	}{
		{"all", repository.EventFilter{}, 4},
		{"by vault", repository.EventFilter{Vault: "0xvault"}, 3},
		{"lower case type", repository.EventFilter{Types: []string{" shares_bought "}}, 3},
		{"blank types ignored", repository.EventFilter{Types: []string{"", " "}}, 4},
		{"vault and type", repository.EventFilter{Vault: "0xvault", Types: []string{"fund_created"}}, 1},
		{"after id", repository.EventFilter{AfterID: 2}, 2},
		{"limit", repository.EventFilter{Limit: 1}, 1},
		{"time window", repository.EventFilter{From: testStart.Add(time.Hour)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := svc.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEvents() error = %v", err)
			}
			if events == nil {
				t.Fatal("ListEvents() must return empty slice, not nil")
			}
			if len(events) != tt.want {
				t.Errorf("ListEvents() len = %d, want %d", len(events), tt.want)
			}
		})
	}

	if _, err := svc.GetEvent(ctx, 99); !errors.Is(err, repository.ErrEventNotFound) {
		t.Errorf("GetEvent() error = %v, want ErrEventNotFound", err)
	}
}

func TestMemoryEventStore_EvictsOldest(t *testing.T) {
	store := NewMemoryEventStore(2)
	ctx := context.Background()

	for _, ev := range sampleEvents("0xvault", "A", "B", "C") {
		ev := ev
		if err := store.Append(ctx, &ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	events, _ := store.List(ctx, repository.EventFilter{})
	if len(events) != 2 || events[0].Type != "B" || events[1].Type != "C" {
		t.Errorf("events = %+v, want B and C", events)
	}
	if _, err := store.GetByID(ctx, 1); !errors.Is(err, repository.ErrEventNotFound) {
		t.Errorf("evicted event must be gone, got %v", err)
	}
}

func TestMemorySettlementStore(t *testing.T) {
	store := NewMemorySettlementStore()
	ctx := context.Background()

	first := &models.SettlementRecord{ID: uuid.New(), Vault: "0xvault"}
	second := &models.SettlementRecord{ID: uuid.New(), Vault: "0xvault"}
	other := &models.SettlementRecord{ID: uuid.New(), Vault: "0xother"}
	for _, rec := range []*models.SettlementRecord{first, second, other} {
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	if err := store.Save(ctx, first); !errors.Is(err, repository.ErrSettlementExists) {
		t.Errorf("duplicate Save() error = %v, want ErrSettlementExists", err)
	}

	list, err := store.ListByVault(ctx, "0xvault", 10)
	if err != nil {
		t.Fatalf("ListByVault() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("ListByVault() must return newest first, got %+v", list)
	}

	if _, err := store.GetByID(ctx, other.ID); err != nil {
		t.Errorf("GetByID() error = %v", err)
	}
}

func TestEventService_Prune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore(10)
	events := sampleEvents("0xvault", "OLD", "NEW")
	events[1].Timestamp = testStart.Add(2 * time.Hour)
	for i := range events {
		if err := store.Append(ctx, &events[i]); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	svc := NewEventService(store, 4, fastRetry)
	n, err := svc.Prune(ctx, testStart.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v, want 1", n, err)
	}
	left, _ := store.List(ctx, repository.EventFilter{})
	if len(left) != 1 || left[0].Type != "NEW" {
		t.Errorf("events = %+v, want only NEW", left)
	}

	// Хранилище без удаления
	plain := NewEventService(struct{ EventStore }{store}, 4, fastRetry)
	if n, err := plain.Prune(ctx, testStart.Add(3*time.Hour)); err != nil || n != 0 {
		t.Errorf("Prune() without pruner = %d, %v", n, err)
	}
}
