package chain

import (
	"sync"
	"time"

	"fundsettle/internal/models"
)

// Clock - источник текущего времени для таймлоков и политик
type Clock interface {
	Now() time.Time
}

// SystemClock - реальное время (UTC)
type SystemClock struct{}

// Now возвращает текущее время
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock - управляемое время для тестов и симуляций
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock создает часы, остановленные на start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now возвращает текущее значение часов
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set устанавливает время
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance сдвигает время вперёд на d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Stateful - компонент, состояние которого откатывается вместе с единицей работы
//
// Snapshot должен возвращать независимую (глубокую) копию состояния,
// Restore - полностью заменять текущее состояние копией.
type Stateful interface {
	Snapshot() interface{}
	Restore(snapshot interface{})
}

// EventSink получает события зафиксированной единицы работы
type EventSink interface {
	HandleEvents(events []models.Event)
}

// Env - среда исполнения ядра расчётов
//
// Модель исполнения:
// - Каждая публичная операция ядра выполняется через Atomic как единица работы
// - Перед началом снимается снимок всех зарегистрированных компонентов
// - Любая ошибка внутри возвращает ВСЕ компоненты к снимку и отбрасывает события
// - Вложенные вызовы Atomic образуют вложенные фреймы (как call frames в EVM)
// - События внешнего фрейма доставляются подписчикам только после фиксации
//
// Env НЕ потокобезопасен: вызовы не должны перемежаться, сериализацию
// обеспечивает вызывающая сторона (см. service.FundService).
type Env struct {
	clock      Clock
	components []Stateful
	sinks      []EventSink

	pending []models.Event
	depth   int
}

// NewEnv создает среду исполнения
func NewEnv(clock Clock) *Env {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Env{clock: clock}
}

// Now возвращает текущее время среды
func (e *Env) Now() time.Time {
	return e.clock.Now()
}

// Clock возвращает часы среды
func (e *Env) Clock() Clock {
	return e.clock
}

// Track регистрирует компонент для снимков состояния
func (e *Env) Track(component Stateful) {
	e.components = append(e.components, component)
}

// AddSink добавляет подписчика на зафиксированные события
func (e *Env) AddSink(sink EventSink) {
	e.sinks = append(e.sinks, sink)
}

// Emit добавляет событие в буфер текущей единицы работы
//
// Вне Atomic событие доставляется сразу.
func (e *Env) Emit(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	if e.depth == 0 {
		e.deliver([]models.Event{event})
		return
	}
	e.pending = append(e.pending, event)
}

// InUnit сообщает, выполняется ли сейчас единица работы
func (e *Env) InUnit() bool {
	return e.depth > 0
}

// Atomic выполняет fn как неделимую единицу работы
//
// При ошибке все компоненты возвращаются к состоянию до вызова,
// события фрейма отбрасываются, ошибка возвращается как есть.
// Паника также откатывает состояние и пробрасывается дальше.
func (e *Env) Atomic(fn func() error) (err error) {
	snapshots := make([]interface{}, len(e.components))
	for i, c := range e.components {
		snapshots[i] = c.Snapshot()
	}
	// Компоненты, зарегистрированные внутри фрейма (новый фонд, роутер),
	// при откате удаляются из списка
	registered := len(e.components)
	eventMark := len(e.pending)

	e.depth++

	rollback := func() {
		for i := 0; i < registered; i++ {
			e.components[i].Restore(snapshots[i])
		}
		e.components = e.components[:registered]
		e.pending = e.pending[:eventMark]
	}

	defer func() {
		e.depth--
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
		if err != nil {
			rollback()
			return
		}
		if e.depth == 0 && len(e.pending) > 0 {
			committed := e.pending
			e.pending = nil
			e.deliver(committed)
		}
	}()

	return fn()
}

func (e *Env) deliver(events []models.Event) {
	for _, sink := range e.sinks {
		sink.HandleEvents(events)
	}
}

// EventRecorder - подписчик, накапливающий события в памяти
//
// Используется в тестах и для отдачи последних событий без БД.
type EventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

// HandleEvents сохраняет события
func (r *EventRecorder) HandleEvents(events []models.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

// Events возвращает копию накопленных событий
func (r *EventRecorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType возвращает события заданного типа
func (r *EventRecorder) OfType(eventType string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Reset очищает накопленные события
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
