package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundsettle/internal/api/handlers"
	"fundsettle/internal/api/middleware"
	"fundsettle/internal/config"
	"fundsettle/internal/service"
	"fundsettle/internal/websocket"
	"fundsettle/pkg/ratelimit"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Funds    service.FundServiceInterface
	Events   service.EventServiceInterface
	Hub      *websocket.Hub
	Limiter  *ratelimit.KeyedLimiter // nil - без ограничения частоты
	Security config.SecurityConfig
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /funds/
//	│   ├── GET / - список фондов
//	│   ├── POST / - создать фонд
//	│   ├── GET /{vault} - состояние фонда
//	│   ├── GET /{vault}/shares/{account} - доли аккаунта
//	│   ├── POST /{vault}/shares/buy|redeem|transfer - операции с долями
//	│   ├── POST|DELETE /{vault}/managers - управляющие активами
//	│   ├── POST /{vault}/integrations - вызов адаптера
//	│   ├── GET /{vault}/settlements - расчёты фонда
//	│   ├── POST /{vault}/policies - включить политику
//	│   ├── GET /{vault}/policies/slippage - состояние допуска проскальзывания
//	│   ├── POST /{vault}/policies/slippage/bypass - обход неоценимого актива
//	│   ├── PATCH|DELETE /{vault}/policies/{id} - настройки / выключение
//	│   ├── GET /{vault}/requests - ожидающие запросы
//	│   └── POST|DELETE /{vault}/requests/{kind}[/execute] - реконфигурация и миграция
//	├── /settlements/{id} - запись расчёта
//	├── /integrations/selectors - разрешённые пары (адаптер, селектор)
//	├── /policies/ - реестр политик, адаптеры без проверки проскальзывания
//	├── /releases/ - релизы и таймлоки
//	├── /oracle/ - курсы и оценка
//	└── /events/ - журнал событий
//
// /ws - WebSocket поток событий (?vault=&types=)
// /metrics - Prometheus
// /health - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth и RateLimit (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS(deps.Security.CORSOrigins, deps.Security.CallerHeader))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(middleware.AuthConfig{
		CallerHeader: deps.Security.CallerHeader,
		APIKeyHash:   deps.Security.APIKeyHash,
	}))
	if deps.Limiter != nil {
		api.Use(middleware.RateLimit(deps.Limiter))
	}
	// Preflight до Auth: mux применяет middleware только к совпавшим маршрутам
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if deps.Funds != nil {
		registerFundRoutes(api, deps.Funds)
	}

	if deps.Events != nil {
		eventHandler := handlers.NewEventHandler(deps.Events)
		api.HandleFunc("/events", eventHandler.ListEvents).Methods("GET")
		api.HandleFunc("/events/{id:[0-9]+}", eventHandler.GetEvent).Methods("GET")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws", deps.Hub.Handler(websocket.NewOriginChecker(deps.Security.CORSOrigins))).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}

func registerFundRoutes(api *mux.Router, funds service.FundServiceInterface) {
	fundHandler := handlers.NewFundHandler(funds)
	integrationHandler := handlers.NewIntegrationHandler(funds)
	policyHandler := handlers.NewPolicyHandler(funds)
	registryHandler := handlers.NewRegistryHandler(funds)
	oracleHandler := handlers.NewOracleHandler(funds)

	// Fund routes
	api.HandleFunc("/funds", fundHandler.ListFunds).Methods("GET")
	api.HandleFunc("/funds", fundHandler.CreateFund).Methods("POST")
	api.HandleFunc("/funds/{vault}", fundHandler.GetFund).Methods("GET")
	api.HandleFunc("/funds/{vault}/shares/buy", fundHandler.BuyShares).Methods("POST")
	api.HandleFunc("/funds/{vault}/shares/redeem", fundHandler.RedeemShares).Methods("POST")
	api.HandleFunc("/funds/{vault}/shares/transfer", fundHandler.TransferShares).Methods("POST")
	api.HandleFunc("/funds/{vault}/shares/{account}", fundHandler.SharesBalance).Methods("GET")
	api.HandleFunc("/funds/{vault}/managers", fundHandler.AddAssetManagers).Methods("POST")
	api.HandleFunc("/funds/{vault}/managers", fundHandler.RemoveAssetManagers).Methods("DELETE")
	api.HandleFunc("/funds/{vault}/migrator", fundHandler.SetMigrator).Methods("PUT")

	// Integration routes
	api.HandleFunc("/funds/{vault}/integrations", integrationHandler.CallOnIntegration).Methods("POST")
	api.HandleFunc("/funds/{vault}/settlements", integrationHandler.ListSettlements).Methods("GET")
	api.HandleFunc("/settlements/{id}", integrationHandler.GetSettlement).Methods("GET")
	api.HandleFunc("/integrations/selectors", integrationHandler.AllowedSelectors).Methods("GET")
	api.HandleFunc("/integrations/selectors", integrationHandler.AllowSelector).Methods("POST")
	api.HandleFunc("/integrations/selectors", integrationHandler.DisallowSelector).Methods("DELETE")

	// Policy routes
	api.HandleFunc("/policies", policyHandler.RegisteredPolicies).Methods("GET")
	api.HandleFunc("/policies/slippage/bypassable-adapters", policyHandler.SetBypassableAdapters).Methods("PUT")
	api.HandleFunc("/funds/{vault}/policies", policyHandler.EnablePolicy).Methods("POST")
	api.HandleFunc("/funds/{vault}/policies/slippage", policyHandler.SlippageState).Methods("GET")
	api.HandleFunc("/funds/{vault}/policies/slippage/bypass", policyHandler.StartAssetBypass).Methods("POST")
	api.HandleFunc("/funds/{vault}/policies/{id}", policyHandler.UpdatePolicySettings).Methods("PATCH")
	api.HandleFunc("/funds/{vault}/policies/{id}", policyHandler.DisablePolicy).Methods("DELETE")

	// Registry routes
	api.HandleFunc("/releases", registryHandler.Releases).Methods("GET")
	api.HandleFunc("/releases", registryHandler.RegisterRelease).Methods("POST")
	api.HandleFunc("/releases/current", registryHandler.SetCurrentRelease).Methods("PUT")
	api.HandleFunc("/releases/migration-timelock", registryHandler.SetMigrationTimelock).Methods("PUT")
	api.HandleFunc("/releases/{id}/reconfiguration-timelock", registryHandler.SetReconfigurationTimelock).Methods("PUT")
	api.HandleFunc("/funds/{vault}/requests", registryHandler.PendingRequests).Methods("GET")
	api.HandleFunc("/funds/{vault}/requests/{kind}", registryHandler.CreateRequest).Methods("POST")
	api.HandleFunc("/funds/{vault}/requests/{kind}/execute", registryHandler.ExecuteRequest).Methods("POST")
	api.HandleFunc("/funds/{vault}/requests/{kind}", registryHandler.CancelRequest).Methods("DELETE")

	// Oracle routes
	api.HandleFunc("/oracle/rates", oracleHandler.Rates).Methods("GET")
	api.HandleFunc("/oracle/rates/{asset}", oracleHandler.SetRate).Methods("PUT")
	api.HandleFunc("/oracle/rates/{asset}", oracleHandler.RemoveRate).Methods("DELETE")
	api.HandleFunc("/oracle/value", oracleHandler.Value).Methods("GET")
}
