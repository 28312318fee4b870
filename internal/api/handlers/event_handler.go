package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"fundsettle/internal/models"
	"fundsettle/internal/repository"
	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// EventHandler отвечает за журнал событий ядра
//
// Endpoints:
// - GET /api/v1/events        - события с фильтрацией
// - GET /api/v1/events/{id}   - событие по ID
//
// Поток событий в реальном времени - WebSocket /ws (те же фильтры vault, types).
type EventHandler struct {
	events service.EventServiceInterface
}

// NewEventHandler создает новый EventHandler с внедрением зависимости
func NewEventHandler(events service.EventServiceInterface) *EventHandler {
	return &EventHandler{events: events}
}

// EventsResponse - страница журнала
type EventsResponse struct {
	Events []*models.Event `json:"events"`
	Total  int64           `json:"total"`   // всего по фильтру без учёта after_id и limit
	NextID int64           `json:"next_id"` // after_id для следующей страницы (0 - больше нет)
}

// ListEvents возвращает события с фильтрацией
//
// GET /api/v1/events
//
// Query параметры:
// - vault (string): адрес хранилища фонда
// - fund (string): адрес роутера (конкретной конфигурации фонда)
// - types (string): типы через запятую (shares_bought,policy_state_updated)
// - from, to (RFC3339): временной диапазон
// - after_id (int): курсор пагинации
// - limit (int): количество записей (по умолчанию 100, максимум 1000)
//
// Примеры запросов:
// - GET /api/v1/events?vault=0xabc&types=call_on_integration_executed
// - GET /api/v1/events?after_id=500&limit=100
//
// HTTP коды:
// - 200 OK: успешно
// - 400 Bad Request: невалидный фильтр
// - 500 Internal Server Error: ошибка журнала
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f repository.EventFilter

	if raw := q.Get("vault"); raw != "" {
		vault, err := parseAddress("vault", raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Vault = vault
	}
	if raw := q.Get("fund"); raw != "" {
		fund, err := parseAddress("fund", raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Fund = fund
	}
	if raw := q.Get("types"); raw != "" {
		f.Types = strings.Split(raw, ",")
	}

	tr, err := utils.ParseTimeRange(q.Get("from"), q.Get("to"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.From, f.To = tr.Start, tr.End

	if raw := q.Get("after_id"); raw != "" {
		afterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || afterID < 0 {
			respondWithError(w, http.StatusBadRequest, "after_id: must be a non-negative integer")
			return
		}
		f.AfterID = afterID
	}
	f.Limit = parseLimit(r, repository.DefaultEventLimit, repository.MaxEventLimit)

	events, err := h.events.ListEvents(r.Context(), f)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get events: "+err.Error())
		return
	}
	total, err := h.events.CountEvents(r.Context(), f)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to count events: "+err.Error())
		return
	}

	resp := EventsResponse{Events: events, Total: total}
	if len(events) == f.Limit {
		resp.NextID = events[len(events)-1].ID
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// GetEvent возвращает событие по ID
// GET /api/v1/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	ev, err := h.events.GetEvent(r.Context(), id)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ev)
}
