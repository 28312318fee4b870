package websocket

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundsettle/internal/metrics"
	"fundsettle/internal/models"
	"fundsettle/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize - ёмкость очереди broadcast
const broadcastBufferSize = 256

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Filter - подписка клиента
//
// Пустой Vault - все фонды, пустой набор типов - все события.
type Filter struct {
	Vault models.Address
	Types map[string]bool
}

// Match проверяет, подходит ли событие под подписку
func (f Filter) Match(ev *models.Event) bool {
	if !f.Vault.IsZero() && ev.Vault != f.Vault {
		return false
	}
	if len(f.Types) > 0 && !f.Types[ev.Type] {
		return false
	}
	return true
}

func (f Filter) typeList() []string {
	if len(f.Types) == 0 {
		return nil
	}
	out := make([]string, 0, len(f.Types))
	for t := range f.Types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// outbound - сериализованное сообщение вместе с событием для фильтрации
type outbound struct {
	event *models.Event
	data  []byte
}

// Hub управляет всеми активными WebSocket соединениями
//
// Получает зафиксированные события от service.EventService и рассылает их
// подписанным клиентам. Медленные клиенты отключаются, переполненная
// очередь broadcast отбрасывает сообщения (счётчик DroppedMessages).
//
// Использование:
// 1. hub := NewHub()
// 2. go hub.Run()
// 3. hub.BroadcastEvent(ev)
// 4. hub.Stop() при завершении
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	dropped atomic.Int64
	logger  *utils.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     utils.L().WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине, завершается после Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			metrics.WebsocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.logger.Debug("client disconnected", zap.Int("clients", total))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver рассылает сообщение подходящим клиентам и отключает медленных
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		if msg.event != nil && !client.filter.Match(msg.event) {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range toRemove {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(total))
	h.logger.Warn("removed slow clients", zap.Int("removed", len(toRemove)), zap.Int("clients", total))
}

// Stop останавливает Run и закрывает каналы клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast отправляет сообщение всем подключенным клиентам (без фильтрации)
func (h *Hub) Broadcast(message interface{}) {
	h.enqueue(nil, message)
}

// BroadcastEvent отправляет событие клиентам, чья подписка его допускает
func (h *Hub) BroadcastEvent(ev *models.Event) {
	h.enqueue(ev, NewEventMessage(ev))
}

// BroadcastEvents отправляет события зафиксированной единицы работы по порядку
func (h *Hub) BroadcastEvents(events []models.Event) {
	for i := range events {
		ev := events[i]
		h.BroadcastEvent(&ev)
	}
}

func (h *Hub) enqueue(ev *models.Event, message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.logger.Error("encode broadcast message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- outbound{event: ev, data: data}:
	case <-h.stop:
	default:
		h.dropped.Add(1)
	}
}

// encode сериализует сообщение через буфер из пула
func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает количество отброшенных при переполнении сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
