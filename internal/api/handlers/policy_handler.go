package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// PolicyHandler отвечает за политики фондов
//
// Endpoints:
// - GET /api/v1/policies                                  - зарегистрированные политики
// - POST /api/v1/funds/{vault}/policies                   - включить политику
// - PATCH /api/v1/funds/{vault}/policies/{id}             - обновить настройки
// - DELETE /api/v1/funds/{vault}/policies/{id}            - выключить политику
// - GET /api/v1/funds/{vault}/policies/slippage           - состояние допуска проскальзывания
// - POST /api/v1/funds/{vault}/policies/slippage/bypass   - таймлок обхода неоценимого актива
// - PUT /api/v1/policies/slippage/bypassable-adapters     - адаптеры без проверки (владелец протокола)
type PolicyHandler struct {
	funds service.FundServiceInterface
}

// NewPolicyHandler создает новый PolicyHandler
func NewPolicyHandler(funds service.FundServiceInterface) *PolicyHandler {
	return &PolicyHandler{funds: funds}
}

// EnablePolicyRequest - включение политики
type EnablePolicyRequest struct {
	Policy   string              `json:"policy"`
	Settings jsoniter.RawMessage `json:"settings,omitempty"`
}

// PolicySettingsRequest - новые настройки политики
type PolicySettingsRequest struct {
	Settings jsoniter.RawMessage `json:"settings"`
}

// AssetBypassRequest - запуск таймлока обхода актива
type AssetBypassRequest struct {
	Asset string `json:"asset"`
}

// BypassableAdaptersRequest - добавление (bypass=true) или удаление адаптеров
type BypassableAdaptersRequest struct {
	Adapters []string `json:"adapters"`
	Bypass   bool     `json:"bypass"`
}

// SlippageResponse - состояние политики для API (длительности строками)
type SlippageResponse struct {
	*service.SlippageView
	TolerancePeriod string `json:"tolerance_period"`
}

// RegisteredPolicies возвращает идентификаторы политик
// GET /api/v1/policies
func (h *PolicyHandler) RegisteredPolicies(w http.ResponseWriter, r *http.Request) {
	ids := h.funds.RegisteredPolicies()
	respondWithJSON(w, http.StatusOK, ListResponse{Items: ids, Total: len(ids)})
}

// EnablePolicy включает политику для фонда (только владелец фонда)
// POST /api/v1/funds/{vault}/policies
func (h *PolicyHandler) EnablePolicy(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req EnablePolicyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Policy == "" {
		respondWithError(w, http.StatusBadRequest, "policy: required")
		return
	}

	if err := h.funds.EnablePolicy(r.Context(), caller(r), vault, req.Policy, req.Settings); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, SuccessResponse{Message: "policy enabled", Data: req.Policy})
}

// UpdatePolicySettings обновляет настройки политики
// PATCH /api/v1/funds/{vault}/policies/{id}
//
// Допуск проскальзывания неизменяем: 422 ErrUpdateNotAllowed.
func (h *PolicyHandler) UpdatePolicySettings(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req PolicySettingsRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.funds.UpdatePolicySettings(r.Context(), caller(r), vault, id, req.Settings); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "policy settings updated", Data: id})
}

// DisablePolicy выключает политику
// DELETE /api/v1/funds/{vault}/policies/{id}
func (h *PolicyHandler) DisablePolicy(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.funds.DisablePolicy(r.Context(), caller(r), vault, id); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "policy disabled", Data: id})
}

// SlippageState возвращает допуск, накопленное и затухшее проскальзывание
// GET /api/v1/funds/{vault}/policies/slippage
func (h *PolicyHandler) SlippageState(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.funds.SlippageState(vault)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SlippageResponse{
		SlippageView:    view,
		TolerancePeriod: utils.FormatDuration(view.TolerancePeriod),
	})
}

// StartAssetBypass запускает таймлок обхода неоценимого актива (только владелец фонда)
// POST /api/v1/funds/{vault}/policies/slippage/bypass
func (h *PolicyHandler) StartAssetBypass(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req AssetBypassRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.funds.StartAssetBypass(r.Context(), caller(r), vault, asset); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, SuccessResponse{Message: "asset bypass timelock started", Data: asset})
}

// SetBypassableAdapters управляет списком адаптеров без проверки проскальзывания
// PUT /api/v1/policies/slippage/bypassable-adapters
func (h *PolicyHandler) SetBypassableAdapters(w http.ResponseWriter, r *http.Request) {
	var req BypassableAdaptersRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	adapters, err := parseAddresses("adapters", req.Adapters)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.funds.SetBypassableAdapters(r.Context(), caller(r), adapters, req.Bypass); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "bypassable adapters updated", Data: adapters})
}
