package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"fundsettle/internal/models"
	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// OracleHandler отвечает за курсы оценки активов
//
// Endpoints:
// - GET /api/v1/oracle/rates                               - все курсы
// - PUT /api/v1/oracle/rates/{asset}                       - установить курс (владелец протокола)
// - DELETE /api/v1/oracle/rates/{asset}                    - удалить курс (владелец протокола)
// - GET /api/v1/oracle/value?base=&amount=&quote=          - оценка суммы
type OracleHandler struct {
	funds service.FundServiceInterface
}

// NewOracleHandler создает новый OracleHandler
func NewOracleHandler(funds service.FundServiceInterface) *OracleHandler {
	return &OracleHandler{funds: funds}
}

// SetRateRequest - курс актива в единицах учёта
type SetRateRequest struct {
	Value decimal.Decimal `json:"value"`
}

// ValueResponse - результат оценки; valid=false если у актива нет свежего курса
type ValueResponse struct {
	Base   models.Address  `json:"base"`
	Quote  models.Address  `json:"quote"`
	Amount decimal.Decimal `json:"amount"`
	Value  decimal.Decimal `json:"value"`
	Valid  bool            `json:"valid"`
}

// Rates возвращает все курсы
// GET /api/v1/oracle/rates
func (h *OracleHandler) Rates(w http.ResponseWriter, r *http.Request) {
	rates := h.funds.Rates()
	respondWithJSON(w, http.StatusOK, ListResponse{Items: rates, Total: len(rates)})
}

// SetRate устанавливает курс актива
// PUT /api/v1/oracle/rates/{asset}
//
// Request Body: {"value": "2000.5"}
func (h *OracleHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req SetRateRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.funds.SetRate(r.Context(), caller(r), asset, req.Value); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "rate updated", Data: asset})
}

// RemoveRate удаляет курс: актив становится неоценимым
// DELETE /api/v1/oracle/rates/{asset}
func (h *OracleHandler) RemoveRate(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.funds.RemoveRate(r.Context(), caller(r), asset); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "rate removed", Data: asset})
}

// Value оценивает amount актива base в активе quote
// GET /api/v1/oracle/value?base=0xweth&amount=1.5&quote=0xusdc
func (h *OracleHandler) Value(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, err := parseAddress("base", q.Get("base"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := parseAddress("quote", q.Get("quote"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := utils.ParseAmount(q.Get("amount"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	value, valid := h.funds.Value(base, amount, quote)
	respondWithJSON(w, http.StatusOK, ValueResponse{Base: base, Quote: quote, Amount: amount, Value: value, Valid: valid})
}
