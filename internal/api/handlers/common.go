package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"fundsettle/internal/api/middleware"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/repository"
	"fundsettle/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodySize - ограничение тела запроса
const maxBodySize = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Code      string                  `json:"code,omitempty"` // класс ошибки ядра
	Retryable bool                    `json:"retryable,omitempty"`
	Details   []utils.ValidationError `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse - список с количеством элементов
type ListResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

// statusForError сопоставляет класс ошибки ядра HTTP статусу
//
//   - authorization -> 403
//   - invariant, settlement, policy -> 422
//   - timelock -> 425 (повторить после executable_timestamp)
//   - stale_linkage -> 409
//   - invalid -> 400
//   - not_found -> 404
//   - остальное -> 500
func statusForError(err error) int {
	if errors.Is(err, repository.ErrEventNotFound) || errors.Is(err, repository.ErrSettlementNotFound) {
		return http.StatusNotFound
	}
	var verr utils.ValidationErrors
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}

	switch fault.Class(err) {
	case fault.ClassAuthorization:
		return http.StatusForbidden
	case fault.ClassInvariant, fault.ClassSettlement, fault.ClassPolicy:
		return http.StatusUnprocessableEntity
	case fault.ClassTimelock:
		return http.StatusTooEarly
	case fault.ClassStaleLinkage:
		return http.StatusConflict
	case fault.ClassInvalid:
		return http.StatusBadRequest
	case fault.ClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondWithFault отправляет ошибку операции с кодом по её классу
func respondWithFault(w http.ResponseWriter, err error) {
	code := statusForError(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr utils.ValidationErrors
	switch {
	case errors.As(err, &verr):
		resp.Error = "validation failed"
		resp.Details = verr
	case code == http.StatusInternalServerError:
		resp.Error = "internal error"
		resp.Code = fault.ClassInternal
	default:
		resp.Code = fault.Class(err)
		resp.Retryable = fault.IsRetryable(err)
	}
	respondWithJSON(w, code, resp)
}

// respondWithError отправляет JSON ошибку
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// decodeBody разбирает JSON тело запроса; неизвестные поля - ошибка
func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// caller возвращает адрес вызывающего из context (см. middleware.Auth)
func caller(r *http.Request) models.Address {
	return middleware.CallerFromContext(r.Context())
}

// pathAddress разбирает адрес из переменной маршрута
func pathAddress(r *http.Request, name string) (models.Address, error) {
	raw := mux.Vars(r)[name]
	if err := utils.ValidateAddress(raw); err != nil {
		return "", err
	}
	return models.Address(utils.NormalizeAddress(raw)), nil
}

// parseAddress проверяет и нормализует адрес из тела запроса
func parseAddress(field, raw string) (models.Address, error) {
	if err := utils.ValidateAddress(raw); err != nil {
		return "", errors.New(field + ": " + err.Error())
	}
	return models.Address(utils.NormalizeAddress(raw)), nil
}

// parseAddresses проверяет список адресов (формат и дубликаты)
func parseAddresses(field string, raw []string) ([]models.Address, error) {
	if len(raw) == 0 {
		return nil, errors.New(field + ": empty list")
	}
	if err := utils.ValidateAddresses(raw); err != nil {
		return nil, errors.New(field + ": " + err.Error())
	}
	out := make([]models.Address, len(raw))
	for i, s := range raw {
		out[i] = models.Address(utils.NormalizeAddress(s))
	}
	return out, nil
}

// parseOptionalDuration разбирает длительность ("48h", "7d"); пусто = 0
func parseOptionalDuration(field, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := utils.ParseDuration(raw)
	if err != nil {
		return 0, errors.New(field + ": " + err.Error())
	}
	if err := utils.ValidateTimelock(d); err != nil {
		return 0, errors.New(field + ": " + err.Error())
	}
	return d, nil
}

// parseLimit разбирает ?limit (по умолчанию def, максимум max)
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
