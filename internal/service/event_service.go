package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundsettle/internal/metrics"
	"fundsettle/internal/models"
	"fundsettle/internal/repository"
	"fundsettle/pkg/retry"
	"fundsettle/pkg/utils"
)

// DefaultEventBufferSize - ёмкость очереди пакетов на запись
const DefaultEventBufferSize = 1024

// EventService - подписчик на зафиксированные события ядра (chain.EventSink)
//
// Отвечает за:
// - Структурированный лог каждого события
// - Метрики по типам событий (metrics.RecordEvent)
// - Асинхронную запись в журнал с повторами (pkg/retry)
// - Broadcast через WebSocket после записи, уже с ID
//
// HandleEvents вызывается под блокировкой FundService и не должен
// блокироваться: при переполненной очереди пакет пишется в лог и
// учитывается в EventPersistFailures, но всё равно рассылается.
type EventService struct {
	store   EventStore
	hub     EventBroadcaster
	persist retry.Config
	logger  *utils.Logger

	queue chan []models.Event
	done  chan struct{}
	mu    sync.RWMutex
}

// NewEventService создает сервис событий
func NewEventService(store EventStore, bufferSize int, persist retry.Config) *EventService {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBufferSize
	}
	s := &EventService{
		store:   store,
		persist: persist,
		logger:  utils.L().WithComponent("events"),
		queue:   make(chan []models.Event, bufferSize),
		done:    make(chan struct{}),
	}
	s.persist.OnRetry = func(attempt int, err error, _ time.Duration) {
		s.logger.Warn("event persist retry", zap.Int("attempt", attempt), zap.Error(err))
	}
	return s
}

// SetBroadcaster устанавливает WebSocket hub для рассылки событий.
func (s *EventService) SetBroadcaster(b EventBroadcaster) {
	s.mu.Lock()
	s.hub = b
	s.mu.Unlock()
}

// HandleEvents реализует chain.EventSink
func (s *EventService) HandleEvents(events []models.Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		metrics.RecordEvent(ev)
		s.logger.Info("event",
			utils.EventType(ev.Type),
			utils.Vault(ev.Vault.String()),
			utils.Fund(ev.Fund.String()),
			zap.Any("data", ev.Data),
		)
	}

	batch := append([]models.Event(nil), events...)
	select {
	case s.queue <- batch:
	default:
		metrics.EventPersistFailures.Add(float64(len(batch)))
		s.logger.Error("event queue full, batch not persisted", zap.Int("events", len(batch)))
		s.broadcast(batch)
	}
}

// Run обрабатывает очередь до отмены ctx, затем дописывает оставшееся
func (s *EventService) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case batch := <-s.queue:
			s.process(ctx, batch)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// Wait ждёт завершения Run
func (s *EventService) Wait() {
	<-s.done
}

// Prune удаляет из журнала события старше before; 0 если хранилище не умеет
func (s *EventService) Prune(ctx context.Context, before time.Time) (int64, error) {
	pruner, ok := s.store.(EventPruner)
	if !ok {
		return 0, nil
	}
	return pruner.DeleteOlderThan(ctx, before)
}

// RunRetention раз в interval удаляет события старше retention
func (s *EventService) RunRetention(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n, err := s.Prune(ctx, now.Add(-retention))
			if err != nil {
				s.logger.Warn("event retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("old events pruned", zap.Int64("count", n), zap.Duration("retention", retention))
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain дописывает очередь с новым контекстом (исходный уже отменён)
func (s *EventService) drain() {
	ctx := context.Background()
	for {
		select {
		case batch := <-s.queue:
			s.process(ctx, batch)
		default:
			return
		}
	}
}

func (s *EventService) process(ctx context.Context, batch []models.Event) {
	for i := range batch {
		ev := &batch[i]
		err := retry.Do(ctx, func() error {
			return s.store.Append(ctx, ev)
		}, s.persist)
		if err != nil {
			metrics.EventPersistFailures.Inc()
			s.logger.Error("event persist failed",
				utils.EventType(ev.Type),
				utils.Vault(ev.Vault.String()),
				zap.Error(err),
			)
		}
	}
	s.broadcast(batch)
}

func (s *EventService) broadcast(batch []models.Event) {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub != nil {
		hub.BroadcastEvents(batch)
	}
}

// ListEvents возвращает журнал по фильтру
//
// Типы нормализуются к верхнему регистру, пустые отбрасываются.
func (s *EventService) ListEvents(ctx context.Context, f repository.EventFilter) ([]*models.Event, error) {
	f.Types = normalizeTypes(f.Types)
	events, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.Event{}
	}
	return events, nil
}

// CountEvents возвращает количество событий по фильтру
func (s *EventService) CountEvents(ctx context.Context, f repository.EventFilter) (int64, error) {
	f.Types = normalizeTypes(f.Types)
	return s.store.Count(ctx, f)
}

// GetEvent возвращает событие по ID
func (s *EventService) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	return s.store.GetByID(ctx, id)
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
