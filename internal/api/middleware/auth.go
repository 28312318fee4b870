package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"fundsettle/internal/models"
	"fundsettle/pkg/crypto"
	"fundsettle/pkg/utils"
)

// APIKeyHeader - заголовок с API ключом оператора
const APIKeyHeader = "X-API-Key"

// DefaultCallerHeader - заголовок с адресом вызывающего по умолчанию
const DefaultCallerHeader = "X-Caller-Address"

type contextKey int

const callerKey contextKey = iota

// AuthConfig - настройки аутентификации API
type AuthConfig struct {
	// CallerHeader - заголовок с адресом вызывающего (по умолчанию X-Caller-Address)
	CallerHeader string
	// APIKeyHash - bcrypt хеш ключа оператора; пусто = ключ не проверяется
	APIKeyHash string
}

// Auth - middleware для аутентификации запросов
//
// Назначение:
// Ядро расчётов авторизует операции по адресу вызывающего (владелец
// фонда, управляющий, владелец протокола). Адрес передаётся в заголовке
// и кладётся в context запроса, откуда его берут handlers.
//
// Функции:
// - Проверка API ключа оператора (bcrypt, pkg/crypto), если хеш настроен
// - Нормализация и проверка формата адреса вызывающего
// - Изменяющие запросы (POST, PUT, PATCH, DELETE) без адреса получают 401
// - Чтение доступно без адреса
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.Auth(middleware.AuthConfig{APIKeyHash: cfg.Security.APIKeyHash}))
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	header := cfg.CallerHeader
	if header == "" {
		header = DefaultCallerHeader
	}
	logger := utils.L().WithComponent("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKeyHash != "" {
				key := r.Header.Get(APIKeyHeader)
				if utils.ValidateAPIKey(key) != nil || !crypto.CheckAPIKey(key, cfg.APIKeyHash) {
					logger.Warn("api key rejected", zap.String("remote_addr", r.RemoteAddr), zap.String("path", r.URL.Path))
					writeError(w, http.StatusUnauthorized, "invalid or missing api key")
					return
				}
			}

			raw := r.Header.Get(header)
			if raw == "" {
				if isMutating(r.Method) {
					writeError(w, http.StatusUnauthorized, "missing "+header+" header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if err := utils.ValidateAddress(raw); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			caller := models.Address(utils.NormalizeAddress(raw))
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// WithCaller кладёт адрес вызывающего в context
func WithCaller(ctx context.Context, caller models.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext возвращает адрес вызывающего (пустой, если не передан)
func CallerFromContext(ctx context.Context) models.Address {
	caller, _ := ctx.Value(callerKey).(models.Address)
	return caller
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// writeError отправляет JSON ошибку из middleware
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
