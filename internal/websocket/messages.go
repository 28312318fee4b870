package websocket

import (
	"time"

	"fundsettle/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeEvent - зафиксированное событие ядра
	MessageTypeEvent MessageType = "event"

	// MessageTypeHello - первое сообщение после подключения (параметры подписки)
	MessageTypeHello MessageType = "hello"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - событие журнала аудита
//
// Отправляется только после фиксации единицы работы: откаченные
// операции в поток не попадают.
type EventMessage struct {
	BaseMessage
	Event *models.Event `json:"event"`
}

// HelloMessage - подтверждение подписки
type HelloMessage struct {
	BaseMessage
	Vault models.Address `json:"vault,omitempty"`
	Types []string       `json:"types,omitempty"`
}

// NewEventMessage создает сообщение с событием
func NewEventMessage(ev *models.Event) *EventMessage {
	return &EventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeEvent, Timestamp: ev.Timestamp},
		Event:       ev,
	}
}

// NewHelloMessage создает подтверждение подписки
func NewHelloMessage(f Filter, now time.Time) *HelloMessage {
	return &HelloMessage{
		BaseMessage: BaseMessage{Type: MessageTypeHello, Timestamp: now},
		Vault:       f.Vault,
		Types:       f.typeList(),
	}
}
