package handlers

import (
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"fundsettle/internal/accessor"
	"fundsettle/internal/models"
	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// FundHandler отвечает за фонды и операции с долями
//
// Endpoints:
// - GET /api/v1/funds                             - список фондов
// - POST /api/v1/funds                            - создание фонда
// - GET /api/v1/funds/{vault}                     - состояние фонда
// - GET /api/v1/funds/{vault}/shares/{account}    - доли аккаунта
// - POST /api/v1/funds/{vault}/shares/buy         - покупка долей
// - POST /api/v1/funds/{vault}/shares/redeem      - выкуп долей в натуре
// - POST /api/v1/funds/{vault}/shares/transfer    - перевод долей
// - POST /api/v1/funds/{vault}/managers           - добавить управляющих
// - DELETE /api/v1/funds/{vault}/managers         - удалить управляющих
type FundHandler struct {
	funds service.FundServiceInterface
}

// NewFundHandler создает новый FundHandler с внедрением зависимости
func NewFundHandler(funds service.FundServiceInterface) *FundHandler {
	return &FundHandler{funds: funds}
}

// PolicySettingRequest - включение политики при создании фонда
type PolicySettingRequest struct {
	Policy   string              `json:"policy"`
	Settings jsoniter.RawMessage `json:"settings,omitempty"`
}

// FundConfigRequest - конфигурация фонда (создание, реконфигурация, миграция)
type FundConfigRequest struct {
	Name                 string                 `json:"name"`
	DenominationAsset    string                 `json:"denomination_asset"`
	SharesActionTimelock string                 `json:"shares_action_timelock,omitempty"` // "24h", "7d"
	Policies             []PolicySettingRequest `json:"policies,omitempty"`
}

// toConfig проверяет запрос и собирает models.FundConfig
func (req FundConfigRequest) toConfig() (models.FundConfig, error) {
	timelock, err := parseOptionalDuration("shares_action_timelock", req.SharesActionTimelock)
	if err != nil {
		return models.FundConfig{}, err
	}

	ids := make([]string, 0, len(req.Policies))
	for _, p := range req.Policies {
		ids = append(ids, p.Policy)
	}
	if err := utils.ValidateFundConfig(utils.FundConfigValidation{
		Name:                 req.Name,
		DenominationAsset:    req.DenominationAsset,
		SharesActionTimelock: timelock,
		Policies:             ids,
	}); err != nil {
		return models.FundConfig{}, err
	}

	cfg := models.FundConfig{
		Name:                 req.Name,
		DenominationAsset:    models.Address(utils.NormalizeAddress(req.DenominationAsset)),
		SharesActionTimelock: timelock,
	}
	for _, p := range req.Policies {
		cfg.Policies = append(cfg.Policies, models.PolicySetting{Policy: p.Policy, Settings: p.Settings})
	}
	return cfg, nil
}

// BuySharesRequest - покупка долей
type BuySharesRequest struct {
	Investment decimal.Decimal `json:"investment"`
	MinShares  decimal.Decimal `json:"min_shares"`
}

// BuySharesResponse - результат покупки
type BuySharesResponse struct {
	Vault  models.Address  `json:"vault"`
	Buyer  models.Address  `json:"buyer"`
	Shares decimal.Decimal `json:"shares"`
}

// RedeemSharesRequest - выкуп долей; пустой recipient - сам вызывающий
type RedeemSharesRequest struct {
	Shares    decimal.Decimal `json:"shares"`
	Recipient string          `json:"recipient,omitempty"`
}

// RedeemSharesResponse - выплаты по выкупу
type RedeemSharesResponse struct {
	Vault   models.Address    `json:"vault"`
	Shares  decimal.Decimal   `json:"shares"`
	Payouts []accessor.Payout `json:"payouts"`
}

// TransferSharesRequest - перевод долей
type TransferSharesRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ManagersRequest - список управляющих активами
type ManagersRequest struct {
	Managers []string `json:"managers"`
}

// MigratorRequest - мигратор фонда; пустая строка снимает
type MigratorRequest struct {
	Migrator string `json:"migrator"`
}

// SharesBalanceResponse - доли аккаунта
type SharesBalanceResponse struct {
	Vault   models.Address  `json:"vault"`
	Account models.Address  `json:"account"`
	Shares  decimal.Decimal `json:"shares"`
}

// ListFunds возвращает все фонды
// GET /api/v1/funds
func (h *FundHandler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds := h.funds.ListFunds()
	respondWithJSON(w, http.StatusOK, ListResponse{Items: funds, Total: len(funds)})
}

// CreateFund создает фонд на текущем релизе, вызывающий становится владельцем
// POST /api/v1/funds
//
// Request Body:
//
//	{
//	  "name": "Stable Yield",
//	  "denomination_asset": "0xusdc",
//	  "shares_action_timelock": "24h",
//	  "policies": [
//	    {"policy": "cumulative-slippage-tolerance", "settings": {"tolerance": "0.1"}}
//	  ]
//	}
//
// HTTP коды:
// - 201 Created: фонд создан
// - 400 Bad Request: невалидная конфигурация
// - 404 Not Found: неизвестная политика или нет текущего релиза
func (h *FundHandler) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req FundConfigRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		respondWithConfigError(w, err)
		return
	}

	fund, err := h.funds.CreateFund(r.Context(), caller(r), cfg)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, fund)
}

// GetFund возвращает состояние фонда: роутер, GAV, цена доли, активы, политики
// GET /api/v1/funds/{vault}
func (h *FundHandler) GetFund(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.funds.GetFund(vault)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// SharesBalance возвращает доли аккаунта
// GET /api/v1/funds/{vault}/shares/{account}
func (h *FundHandler) SharesBalance(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := pathAddress(r, "account")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := h.funds.SharesBalance(vault, account)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SharesBalanceResponse{Vault: vault, Account: account, Shares: shares})
}

// BuyShares покупает доли за актив фонда
// POST /api/v1/funds/{vault}/shares/buy
//
// Request Body: {"investment": "1000", "min_shares": "990"}
func (h *FundHandler) BuyShares(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req BuySharesRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := utils.ValidateAmount(req.Investment); err != nil {
		respondWithError(w, http.StatusBadRequest, "investment: "+err.Error())
		return
	}
	if err := utils.ValidateNonNegative(req.MinShares); err != nil {
		respondWithError(w, http.StatusBadRequest, "min_shares: "+err.Error())
		return
	}

	buyer := caller(r)
	shares, err := h.funds.BuyShares(r.Context(), buyer, vault, req.Investment, req.MinShares)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, BuySharesResponse{Vault: vault, Buyer: buyer, Shares: shares})
}

// RedeemShares выкупает доли пропорциональной долей каждого актива
// POST /api/v1/funds/{vault}/shares/redeem
//
// Request Body: {"shares": "100", "recipient": "0xabc"}
func (h *FundHandler) RedeemShares(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req RedeemSharesRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := utils.ValidateAmount(req.Shares); err != nil {
		respondWithError(w, http.StatusBadRequest, "shares: "+err.Error())
		return
	}
	var recipient models.Address
	if req.Recipient != "" {
		if recipient, err = parseAddress("recipient", req.Recipient); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	payouts, err := h.funds.RedeemShares(r.Context(), caller(r), vault, recipient, req.Shares)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	if payouts == nil {
		payouts = []accessor.Payout{}
	}
	respondWithJSON(w, http.StatusOK, RedeemSharesResponse{Vault: vault, Shares: req.Shares, Payouts: payouts})
}

// TransferShares переводит доли другому аккаунту
// POST /api/v1/funds/{vault}/shares/transfer
func (h *FundHandler) TransferShares(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req TransferSharesRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := utils.ValidateAmount(req.Amount); err != nil {
		respondWithError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}

	if err := h.funds.TransferShares(r.Context(), caller(r), vault, to, req.Amount); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "shares transferred"})
}

// AddAssetManagers добавляет управляющих активами (только владелец фонда)
// POST /api/v1/funds/{vault}/managers
func (h *FundHandler) AddAssetManagers(w http.ResponseWriter, r *http.Request) {
	h.changeManagers(w, r, h.funds.AddAssetManagers, "asset managers added")
}

// RemoveAssetManagers удаляет управляющих активами (только владелец фонда)
// DELETE /api/v1/funds/{vault}/managers
func (h *FundHandler) RemoveAssetManagers(w http.ResponseWriter, r *http.Request) {
	h.changeManagers(w, r, h.funds.RemoveAssetManagers, "asset managers removed")
}

// SetMigrator назначает мигратора (только владелец фонда)
// PUT /api/v1/funds/{vault}/migrator
func (h *FundHandler) SetMigrator(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req MigratorRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var migrator models.Address
	if req.Migrator != "" {
		if migrator, err = parseAddress("migrator", req.Migrator); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.funds.SetMigrator(r.Context(), caller(r), vault, migrator); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "migrator set", Data: migrator})
}

type managersFunc func(ctx context.Context, caller, vault models.Address, managers []models.Address) error

func (h *FundHandler) changeManagers(w http.ResponseWriter, r *http.Request, apply managersFunc, message string) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ManagersRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	managers, err := parseAddresses("managers", req.Managers)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := apply(r.Context(), caller(r), vault, managers); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: message, Data: managers})
}

// respondWithConfigError - ошибки разбора конфигурации фонда
func respondWithConfigError(w http.ResponseWriter, err error) {
	if _, ok := err.(utils.ValidationErrors); ok {
		respondWithFault(w, err)
		return
	}
	respondWithError(w, http.StatusBadRequest, err.Error())
}
