package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"fundsettle/internal/models"
	"fundsettle/internal/repository"
	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// IntegrationHandler отвечает за вызовы адаптеров и записи расчётов
//
// Endpoints:
// - POST /api/v1/funds/{vault}/integrations     - вызов действия адаптера
// - GET /api/v1/funds/{vault}/settlements       - последние расчёты фонда
// - GET /api/v1/settlements/{id}                - запись расчёта
// - GET /api/v1/integrations/selectors          - разрешённые пары (адаптер, селектор)
// - POST /api/v1/integrations/selectors         - разрешить пару (владелец протокола)
// - DELETE /api/v1/integrations/selectors       - запретить пару (владелец протокола)
type IntegrationHandler struct {
	funds service.FundServiceInterface
}

// NewIntegrationHandler создает новый IntegrationHandler
func NewIntegrationHandler(funds service.FundServiceInterface) *IntegrationHandler {
	return &IntegrationHandler{funds: funds}
}

// CallOnIntegrationRequest - вызов действия адаптера
type CallOnIntegrationRequest struct {
	Adapter  string              `json:"adapter"`
	Selector string              `json:"selector"`
	Args     jsoniter.RawMessage `json:"args"`
}

// SelectorRequest - пара (адаптер, селектор)
type SelectorRequest struct {
	Adapter  string `json:"adapter"`
	Selector string `json:"selector"`
}

// CallOnIntegration выполняет действие адаптера от имени фонда
// POST /api/v1/funds/{vault}/integrations
//
// Request Body:
//
//	{
//	  "adapter": "0xswapadapter",
//	  "selector": "takeOrder",
//	  "args": {"outgoing_asset": "0xusdc", "outgoing_amount": "1000", "incoming_asset": "0xweth"}
//	}
//
// HTTP коды:
// - 200 OK: расчёт выполнен, возвращает запись расчёта
// - 403 Forbidden: вызывающий не владелец и не управляющий
// - 422 Unprocessable Entity: вето политики или нарушение границ расчёта
func (h *IntegrationHandler) CallOnIntegration(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req CallOnIntegrationRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	adapter, err := parseAddress("adapter", req.Adapter)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := utils.ValidateSelector(req.Selector); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Args) == 0 {
		respondWithError(w, http.StatusBadRequest, "args: required")
		return
	}

	record, err := h.funds.CallOnIntegration(r.Context(), caller(r), vault, adapter, models.Selector(req.Selector), req.Args)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

// ListSettlements возвращает последние расчёты фонда (новые первыми)
// GET /api/v1/funds/{vault}/settlements?limit=50
func (h *IntegrationHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := parseLimit(r, repository.DefaultEventLimit, repository.MaxEventLimit)

	records, err := h.funds.ListSettlements(r.Context(), vault, limit)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ListResponse{Items: records, Total: len(records)})
}

// GetSettlement возвращает запись расчёта по ID
// GET /api/v1/settlements/{id}
func (h *IntegrationHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid settlement id")
		return
	}
	record, err := h.funds.GetSettlement(r.Context(), id)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

// AllowedSelectors возвращает разрешённые пары
// GET /api/v1/integrations/selectors
func (h *IntegrationHandler) AllowedSelectors(w http.ResponseWriter, r *http.Request) {
	selectors := h.funds.AllowedSelectors()
	respondWithJSON(w, http.StatusOK, ListResponse{Items: selectors, Total: len(selectors)})
}

// AllowSelector разрешает пару (адаптер, селектор)
// POST /api/v1/integrations/selectors
func (h *IntegrationHandler) AllowSelector(w http.ResponseWriter, r *http.Request) {
	adapter, selector, ok := h.parseSelector(w, r)
	if !ok {
		return
	}
	if err := h.funds.AllowAdapterSelector(r.Context(), caller(r), adapter, selector); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "selector allowed"})
}

// DisallowSelector запрещает пару (адаптер, селектор)
// DELETE /api/v1/integrations/selectors
func (h *IntegrationHandler) DisallowSelector(w http.ResponseWriter, r *http.Request) {
	adapter, selector, ok := h.parseSelector(w, r)
	if !ok {
		return
	}
	if err := h.funds.DisallowAdapterSelector(r.Context(), caller(r), adapter, selector); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "selector disallowed"})
}

func (h *IntegrationHandler) parseSelector(w http.ResponseWriter, r *http.Request) (models.Address, models.Selector, bool) {
	var req SelectorRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	adapter, err := parseAddress("adapter", req.Adapter)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if err := utils.ValidateSelector(req.Selector); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return adapter, models.Selector(req.Selector), true
}
