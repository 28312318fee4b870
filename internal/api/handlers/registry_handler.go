package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fundsettle/internal/models"
	"fundsettle/internal/registry"
	"fundsettle/internal/service"
	"fundsettle/pkg/utils"
)

// RegistryHandler отвечает за релизы и запросы смены роутера фонда
//
// Endpoints:
// - GET /api/v1/releases                                    - релизы, текущий, таймлок миграции
// - POST /api/v1/releases                                   - регистрация релиза
// - PUT /api/v1/releases/current                            - смена текущего релиза
// - PUT /api/v1/releases/migration-timelock                 - таймлок миграции
// - PUT /api/v1/releases/{id}/reconfiguration-timelock      - таймлок реконфигурации релиза
// - GET /api/v1/funds/{vault}/requests                      - ожидающие запросы
// - POST /api/v1/funds/{vault}/requests/{kind}              - создать запрос
// - POST /api/v1/funds/{vault}/requests/{kind}/execute      - исполнить запрос
// - DELETE /api/v1/funds/{vault}/requests/{kind}            - отменить запрос
//
// kind: reconfiguration | migration
type RegistryHandler struct {
	funds service.FundServiceInterface
}

// NewRegistryHandler создает новый RegistryHandler
func NewRegistryHandler(funds service.FundServiceInterface) *RegistryHandler {
	return &RegistryHandler{funds: funds}
}

// ReleaseDTO - релиз в API
type ReleaseDTO struct {
	ID                      string    `json:"id"`
	ReconfigurationTimelock string    `json:"reconfiguration_timelock"`
	RegisteredAt            time.Time `json:"registered_at"`
	Current                 bool      `json:"current"`
}

// ReleasesResponse - состояние реестра релизов
type ReleasesResponse struct {
	Releases          []ReleaseDTO `json:"releases"`
	CurrentRelease    string       `json:"current_release"`
	MigrationTimelock string       `json:"migration_timelock"`
}

// RegisterReleaseRequest - регистрация релиза
type RegisterReleaseRequest struct {
	ID                      string `json:"id"`
	ReconfigurationTimelock string `json:"reconfiguration_timelock"`
}

// CurrentReleaseRequest - смена текущего релиза
type CurrentReleaseRequest struct {
	ID string `json:"id"`
}

// TimelockRequest - новое значение таймлока
type TimelockRequest struct {
	Timelock string `json:"timelock"`
}

// ExecuteRequestRequest - исполнение запроса
type ExecuteRequestRequest struct {
	// BypassFailure - только для миграции: не блокироваться ошибкой хука старого роутера
	BypassFailure bool `json:"bypass_failure"`
}

// Releases возвращает релизы
// GET /api/v1/releases
func (h *RegistryHandler) Releases(w http.ResponseWriter, r *http.Request) {
	releases, current, timelock := h.funds.Releases()
	dtos := make([]ReleaseDTO, 0, len(releases))
	for _, rel := range releases {
		dtos = append(dtos, toReleaseDTO(rel, current))
	}
	respondWithJSON(w, http.StatusOK, ReleasesResponse{
		Releases:          dtos,
		CurrentRelease:    current,
		MigrationTimelock: utils.FormatDuration(timelock),
	})
}

// RegisterRelease регистрирует релиз (только владелец протокола)
// POST /api/v1/releases
//
// Request Body: {"id": "v2", "reconfiguration_timelock": "2d"}
func (h *RegistryHandler) RegisterRelease(w http.ResponseWriter, r *http.Request) {
	var req RegisterReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		respondWithError(w, http.StatusBadRequest, "id: required")
		return
	}
	timelock, err := parseOptionalDuration("reconfiguration_timelock", req.ReconfigurationTimelock)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.funds.RegisterRelease(r.Context(), caller(r), req.ID, timelock); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, SuccessResponse{Message: "release registered", Data: req.ID})
}

// SetCurrentRelease делает релиз текущим: новые фонды и миграции идут на него
// PUT /api/v1/releases/current
func (h *RegistryHandler) SetCurrentRelease(w http.ResponseWriter, r *http.Request) {
	var req CurrentReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.funds.SetCurrentRelease(r.Context(), caller(r), req.ID); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "current release set", Data: req.ID})
}

// SetMigrationTimelock меняет таймлок миграции (действует на новые запросы)
// PUT /api/v1/releases/migration-timelock
func (h *RegistryHandler) SetMigrationTimelock(w http.ResponseWriter, r *http.Request) {
	timelock, ok := decodeTimelock(w, r)
	if !ok {
		return
	}
	if err := h.funds.SetMigrationTimelock(r.Context(), caller(r), timelock); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "migration timelock updated", Data: utils.FormatDuration(timelock)})
}

// SetReconfigurationTimelock меняет таймлок реконфигурации релиза
// PUT /api/v1/releases/{id}/reconfiguration-timelock
func (h *RegistryHandler) SetReconfigurationTimelock(w http.ResponseWriter, r *http.Request) {
	timelock, ok := decodeTimelock(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.funds.SetReconfigurationTimelock(r.Context(), caller(r), id, timelock); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "reconfiguration timelock updated", Data: utils.FormatDuration(timelock)})
}

// PendingRequests возвращает ожидающие запросы фонда
// GET /api/v1/funds/{vault}/requests
func (h *RegistryHandler) PendingRequests(w http.ResponseWriter, r *http.Request) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	requests, err := h.funds.PendingRequests(vault)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ListResponse{Items: requests, Total: len(requests)})
}

// CreateRequest создает запрос реконфигурации или миграции
// POST /api/v1/funds/{vault}/requests/{kind}
//
// Request Body: конфигурация нового роутера (как при создании фонда).
//
// HTTP коды:
// - 201 Created: запрос создан, executable_timestamp в ответе
// - 403 Forbidden: вызывающий не владелец фонда и не мигратор
// - 422 Unprocessable Entity: запрос этого типа уже ожидает
func (h *RegistryHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	vault, kind, ok := requestTarget(w, r)
	if !ok {
		return
	}
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

	pending, err := h.funds.CreateRequest(r.Context(), caller(r), vault, kind, cfg)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pending)
}

// ExecuteRequest исполняет запрос после таймлока
// POST /api/v1/funds/{vault}/requests/{kind}/execute
//
// HTTP коды:
// - 200 OK: фонд переключен на новый роутер
// - 409 Conflict: фонд уже на другом релизе, запрос устарел
// - 425 Too Early: таймлок не истёк
func (h *RegistryHandler) ExecuteRequest(w http.ResponseWriter, r *http.Request) {
	vault, kind, ok := requestTarget(w, r)
	if !ok {
		return
	}
	var req ExecuteRequestRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.funds.ExecuteRequest(r.Context(), caller(r), vault, kind, req.BypassFailure); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: string(kind) + " executed"})
}

// CancelRequest отменяет ожидающий запрос
// DELETE /api/v1/funds/{vault}/requests/{kind}
func (h *RegistryHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	vault, kind, ok := requestTarget(w, r)
	if !ok {
		return
	}
	if err := h.funds.CancelRequest(r.Context(), caller(r), vault, kind); err != nil {
		respondWithFault(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: string(kind) + " cancelled"})
}

func requestTarget(w http.ResponseWriter, r *http.Request) (models.Address, models.RequestKind, bool) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	kind := models.RequestKind(mux.Vars(r)["kind"])
	if kind != models.RequestReconfiguration && kind != models.RequestMigration {
		respondWithError(w, http.StatusBadRequest, "kind must be reconfiguration or migration")
		return "", "", false
	}
	return vault, kind, true
}

func decodeTimelock(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	var req TimelockRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	if req.Timelock == "" {
		respondWithError(w, http.StatusBadRequest, "timelock: required")
		return 0, false
	}
	timelock, err := parseOptionalDuration("timelock", req.Timelock)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return timelock, true
}

func toReleaseDTO(rel registry.Release, current string) ReleaseDTO {
	return ReleaseDTO{
		ID:                      rel.ID,
		ReconfigurationTimelock: utils.FormatDuration(rel.ReconfigurationTimelock),
		RegisteredAt:            rel.RegisteredAt,
		Current:                 rel.ID == current,
	}
}
