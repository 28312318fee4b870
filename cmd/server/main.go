package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"fundsettle/internal/adapter"
	"fundsettle/internal/api"
	"fundsettle/internal/chain"
	"fundsettle/internal/config"
	"fundsettle/internal/exchange"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/registry"
	"fundsettle/internal/repository"
	"fundsettle/internal/service"
	"fundsettle/internal/token"
	"fundsettle/internal/websocket"
	"fundsettle/pkg/ratelimit"
	"fundsettle/pkg/retry"
	"fundsettle/pkg/utils"
)

// Эталонные площадки и адаптеры, доступные фондам сразу после старта
var defaultVenues = []struct {
	venue    exchange.VenueConfig
	adapters []adapterBinding
}{
	{
		venue: exchange.VenueConfig{Kind: exchange.KindDex, Name: "dex", Address: "0xdex"},
		adapters: []adapterBinding{
			{address: "0xswapadapter", selectors: []models.Selector{models.SelectorTakeOrder}},
		},
	},
	{
		venue: exchange.VenueConfig{Kind: exchange.KindLending, Name: "lending", Address: "0xlendingpool", RewardAsset: "0xreward"},
		adapters: []adapterBinding{
			{address: "0xlendingadapter", selectors: []models.Selector{models.SelectorLend, models.SelectorRedeem}},
			{address: "0xrewardsadapter", selectors: []models.Selector{models.SelectorClaimRewards}},
		},
	},
}

type adapterBinding struct {
	address   models.Address
	selectors []models.Selector
}

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer logger.Sync()

	// Хранилища журнала и расчётов
	var (
		eventStore      service.EventStore
		settlementStore service.SettlementStore
	)
	if cfg.Database.Enabled {
		db, err := initDatabase(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()), zap.Error(err))
		}
		defer db.Close()
		logger.Info("Connected to database successfully")

		eventStore = repository.NewEventRepository(db)
		settlementStore = repository.NewSettlementRepository(db)
	} else {
		logger.Warn("Database disabled, audit log is kept in memory")
		eventStore = service.NewMemoryEventStore(10000)
		settlementStore = service.NewMemorySettlementStore()
	}

	owner := models.Address(utils.NormalizeAddress(cfg.Protocol.Owner))
	registryAddr := models.Address(utils.NormalizeAddress(cfg.Protocol.RegistryAddress))
	gatewayAddr := models.Address(utils.NormalizeAddress(cfg.Protocol.GatewayAddress))

	// Ядро
	env := chain.NewEnv(chain.SystemClock{})
	bank := token.NewBank()
	env.Track(bank)
	feed := oracle.NewPriceFeed(chain.SystemClock{}, cfg.Protocol.PriceMaxStaleness)

	manager := policy.NewManager(env, owner, registryAddr)
	slippage := policy.NewCumulativeSlippageTolerancePolicy(env, feed, manager, owner, policy.SlippageConfig{
		TolerancePeriod: cfg.Protocol.SlippageTolerancePeriod,
		DustThreshold:   cfg.Protocol.SlippageDustThreshold,
		BypassTimelock:  cfg.Protocol.AssetBypassTimelock,
		BypassTimeLimit: cfg.Protocol.AssetBypassTimeLimit,
	})
	for _, p := range []policy.Policy{
		slippage,
		policy.NewAllowedAdaptersPolicy(),
		policy.NewDisallowedAssetsPolicy(),
		policy.NewRedemptionWindowPolicy(env),
	} {
		if err := manager.RegisterPolicy(owner, p); err != nil {
			logger.Fatal("Failed to register policy", utils.Policy(p.Identifier()), zap.Error(err))
		}
	}

	gateway := integration.NewGateway(env, gatewayAddr, owner)
	reg := registry.New(env, registry.Params{
		Address:           registryAddr,
		Owner:             owner,
		MigrationTimelock: cfg.Protocol.MigrationTimelock,
		MaxTrackedAssets:  cfg.Protocol.MaxTrackedAssets,
	}, registry.Deps{
		Bank:        bank,
		Policies:    manager,
		Valuation:   feed,
		Integration: gateway,
		Extensions:  []models.Address{gatewayAddr},
	})
	manager.SetFundResolver(reg)

	release := cfg.Protocol.InitialRelease
	if err := reg.RegisterRelease(owner, release, cfg.Protocol.ReconfigurationTimelock); err != nil {
		logger.Fatal("Failed to register release", utils.Release(release), zap.Error(err))
	}
	if err := reg.SetCurrentRelease(owner, release); err != nil {
		logger.Fatal("Failed to set current release", utils.Release(release), zap.Error(err))
	}

	if err := registerVenues(env, bank, gateway, owner); err != nil {
		logger.Fatal("Failed to register venues", zap.Error(err))
	}

	// Журнал событий и поток websocket
	hub := websocket.NewHub()
	go hub.Run()

	persist := retry.PersistConfig()
	persist.MaxRetries = cfg.Events.PersistRetries
	events := service.NewEventService(eventStore, cfg.Events.BufferSize, persist)
	events.SetBroadcaster(hub)
	env.AddSink(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go events.Run(ctx)
	if cfg.Events.Retention > 0 {
		go events.RunRetention(ctx, cfg.Events.Retention, time.Hour)
	}

	funds := service.NewFundService(service.FundDeps{
		Env:         env,
		Registry:    reg,
		Gateway:     gateway,
		Policies:    manager,
		Slippage:    slippage,
		Feed:        feed,
		Settlements: settlementStore,
		Persist:     retry.DefaultConfig(),
	})

	var limiter *ratelimit.KeyedLimiter
	if cfg.Security.RateLimit > 0 {
		limiter = ratelimit.NewKeyedLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst)
		go limiter.RunCleanup(ctx, time.Minute, 10*time.Minute)
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		Funds:    funds,
		Events:   events,
		Hub:      hub,
		Limiter:  limiter,
		Security: cfg.Security,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Info("Starting server",
			zap.String("addr", server.Addr),
			utils.Release(release),
			zap.String("owner", owner.String()),
		)
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Дописываем журнал и закрываем клиентов
	cancel()
	events.Wait()
	hub.Stop()

	logger.Info("Server exited")
}

// registerVenues создает эталонные площадки и разрешает их адаптеры
func registerVenues(env *chain.Env, bank *token.Bank, gateway *integration.Gateway, owner models.Address) error {
	for _, def := range defaultVenues {
		venue, err := exchange.NewVenue(bank, def.venue)
		if err != nil {
			return err
		}
		env.Track(venue)

		for _, binding := range def.adapters {
			a, err := newAdapter(binding.address, venue)
			if err != nil {
				return err
			}
			if err := gateway.RegisterAdapter(owner, a); err != nil {
				return fmt.Errorf("adapter %s: %w", binding.address, err)
			}
			for _, sel := range binding.selectors {
				if err := gateway.AllowAdapterSelector(owner, binding.address, sel); err != nil {
					return fmt.Errorf("adapter %s selector %s: %w", binding.address, sel, err)
				}
			}
		}
	}
	return nil
}

// newAdapter подбирает адаптер по площадке и селекторам привязки
func newAdapter(address models.Address, venue exchange.Venue) (integration.Adapter, error) {
	switch v := venue.(type) {
	case *exchange.Dex:
		return adapter.NewSwapAdapter(address, v), nil
	case *exchange.LendingPool:
		if address == "0xrewardsadapter" {
			return adapter.NewRewardsAdapter(address, v), nil
		}
		return adapter.NewLendingAdapter(address, v), nil
	default:
		return nil, fmt.Errorf("no adapter for venue %s", venue.GetName())
	}
}

// initDatabase создает подключение к базе данных и применяет схему
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}
