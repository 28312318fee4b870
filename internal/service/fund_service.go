package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundsettle/internal/accessor"
	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/integration"
	"fundsettle/internal/metrics"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/registry"
	"fundsettle/internal/repository"
	"fundsettle/pkg/retry"
	"fundsettle/pkg/utils"
)

// FundDeps - компоненты ядра, которые обслуживает FundService
type FundDeps struct {
	Env         *chain.Env
	Registry    *registry.Registry
	Gateway     *integration.Gateway
	Policies    *policy.Manager
	Slippage    *policy.CumulativeSlippageTolerancePolicy
	Feed        *oracle.PriceFeed
	Settlements SettlementStore
	Persist     retry.Config
}

// Holding - позиция фонда в одном активе
type Holding struct {
	Asset      models.Address  `json:"asset"`
	Balance    decimal.Decimal `json:"balance"`
	Persistent bool            `json:"persistent"`
}

// FundView - полное состояние фонда для API
type FundView struct {
	registry.Fund
	Status               models.RouterStatus     `json:"status"`
	Migrator             models.Address          `json:"migrator,omitempty"`
	SharesActionTimelock time.Duration           `json:"shares_action_timelock"`
	TotalShares          decimal.Decimal         `json:"total_shares"`
	GAV                  *decimal.Decimal        `json:"gav"`         // nil - нет валидной оценки
	SharePrice           *decimal.Decimal        `json:"share_price"` // nil - нет валидной оценки
	Holdings             []Holding               `json:"holdings"`
	Policies             []string                `json:"policies"`
	PendingRequests      []models.PendingRequest `json:"pending_requests"`
}

// SlippageView - состояние политики проскальзывания фонда с учётом затухания
type SlippageView struct {
	Router             models.Address  `json:"router"`
	Tolerance          decimal.Decimal `json:"tolerance"`
	CumulativeSlippage decimal.Decimal `json:"cumulative_slippage"`
	DecayedSlippage    decimal.Decimal `json:"decayed_slippage"`
	LastSlippageAt     *time.Time      `json:"last_slippage_at,omitempty"`
	TolerancePeriod    time.Duration   `json:"tolerance_period"`
}

// FundService - точка входа во все операции ядра расчётов
//
// Env однопоточен, поэтому каждая операция выполняется под мьютексом и
// внутри Env.Atomic: ошибка откатывает всё, события доставляются
// подписчикам (EventService) только после фиксации.
//
// Отвечает за:
// - Создание фондов и операции с долями
// - Вызовы интеграций и сохранение записей расчётов
// - Управление политиками, релизами и запросами смены роутера
// - Курсы оракула
// - Метрики и логи по исходу операций
type FundService struct {
	mu sync.Mutex

	env         *chain.Env
	registry    *registry.Registry
	gateway     *integration.Gateway
	policies    *policy.Manager
	slippage    *policy.CumulativeSlippageTolerancePolicy
	feed        *oracle.PriceFeed
	settlements SettlementStore
	persist     retry.Config

	logger *utils.Logger
}

// NewFundService создает новый экземпляр FundService.
func NewFundService(deps FundDeps) *FundService {
	persist := deps.Persist
	persist.RetryIf = retry.IfNot(func(err error) bool {
		return errors.Is(err, repository.ErrSettlementExists)
	})
	return &FundService{
		env:         deps.Env,
		registry:    deps.Registry,
		gateway:     deps.Gateway,
		policies:    deps.Policies,
		slippage:    deps.Slippage,
		feed:        deps.Feed,
		settlements: deps.Settlements,
		persist:     persist,
		logger:      utils.L().WithComponent("fund_service"),
	}
}

// Owner возвращает владельца протокола
func (s *FundService) Owner() models.Address {
	return s.registry.Owner()
}

// exec выполняет операцию как единицу работы под блокировкой
func (s *FundService) exec(op string, fn func() error, fields ...zap.Field) error {
	s.mu.Lock()
	err := s.env.Atomic(fn)
	s.mu.Unlock()

	if err != nil {
		metrics.RecordFailure(op, err)
		fields = append(fields, zap.String("operation", op), utils.ErrorClass(fault.Class(err)), zap.Error(err))
		switch fault.Class(err) {
		case fault.ClassInternal:
			s.logger.Error("operation failed", fields...)
		default:
			s.logger.Warn("operation rejected", fields...)
		}
		return err
	}
	s.logger.Debug("operation committed", append(fields, zap.String("operation", op))...)
	return nil
}

// read выполняет чтение под блокировкой
func (s *FundService) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *FundService) router(vault models.Address) (*accessor.ActionRouter, error) {
	router, ok := s.registry.RouterForVault(vault)
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrUnknownFund, vault)
	}
	return router, nil
}

// ============ Фонды ============

// CreateFund создает фонд на текущем релизе; вызывающий становится владельцем
func (s *FundService) CreateFund(_ context.Context, caller models.Address, cfg models.FundConfig) (registry.Fund, error) {
	var fund registry.Fund
	err := s.exec("create_fund", func() error {
		f, err := s.registry.CreateFund(caller, cfg)
		fund = f
		return err
	}, utils.Caller(caller.String()))
	if err != nil {
		return registry.Fund{}, err
	}
	s.logger.WithFund(fund.Router.String()).WithRelease(fund.Release).Info("fund created",
		utils.Vault(fund.Vault.String()),
		utils.Caller(caller.String()),
	)
	return fund, nil
}

// ListFunds возвращает все фонды в порядке создания
func (s *FundService) ListFunds() []registry.Fund {
	var funds []registry.Fund
	s.read(func() { funds = s.registry.Funds() })
	if funds == nil {
		funds = []registry.Fund{}
	}
	return funds
}

// GetFund возвращает состояние фонда
func (s *FundService) GetFund(vault models.Address) (*FundView, error) {
	var (
		view *FundView
		err  error
	)
	s.read(func() {
		fund, ok := s.registry.Fund(vault)
		if !ok {
			err = fmt.Errorf("%w: %s", fault.ErrUnknownFund, vault)
			return
		}
		router, _ := s.registry.RouterForVault(vault)
		v := router.Vault()

		view = &FundView{
			Fund:                 fund,
			Status:               router.Status(),
			Migrator:             v.Migrator(),
			SharesActionTimelock: router.SharesActionTimelock(),
			TotalShares:          v.TotalShares(),
			Policies:             s.policies.EnabledPoliciesForFund(router.Address()),
			PendingRequests:      s.registry.PendingRequests(vault),
		}
		if gav, valid := router.CalcGav(); valid {
			view.GAV = &gav
		}
		if price, valid := router.CalcGrossShareValue(); valid {
			view.SharePrice = &price
		}
		for _, asset := range v.TrackedAssets() {
			view.Holdings = append(view.Holdings, Holding{
				Asset:      asset,
				Balance:    v.AssetBalance(asset),
				Persistent: v.IsPersistentlyTrackedAsset(asset),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	if view.Holdings == nil {
		view.Holdings = []Holding{}
	}
	if view.PendingRequests == nil {
		view.PendingRequests = []models.PendingRequest{}
	}
	return view, nil
}

// SharesBalance возвращает доли аккаунта в фонде
func (s *FundService) SharesBalance(vault, account models.Address) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		err     error
	)
	s.read(func() {
		v, ok := s.registry.Vault(vault)
		if !ok {
			err = fmt.Errorf("%w: %s", fault.ErrUnknownFund, vault)
			return
		}
		balance = v.SharesBalanceOf(account)
	})
	return balance, err
}

// ============ Доли ============

// BuyShares покупает доли за investment в валюте фонда
func (s *FundService) BuyShares(_ context.Context, caller, vault models.Address, investment, minShares decimal.Decimal) (decimal.Decimal, error) {
	var shares decimal.Decimal
	err := s.exec("buy_shares", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		shares, err = router.BuyShares(caller, investment, minShares)
		return err
	}, utils.Vault(vault.String()), utils.Caller(caller.String()), utils.Amount(investment))
	return shares, err
}

// RedeemShares выкупает доли в натуре; пустой recipient - сам вызывающий
func (s *FundService) RedeemShares(_ context.Context, caller, vault, recipient models.Address, shares decimal.Decimal) ([]accessor.Payout, error) {
	if recipient.IsZero() {
		recipient = caller
	}
	var payouts []accessor.Payout
	err := s.exec("redeem_shares", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		payouts, err = router.RedeemSharesInKind(caller, recipient, shares)
		return err
	}, utils.Vault(vault.String()), utils.Caller(caller.String()), utils.Amount(shares))
	return payouts, err
}

// TransferShares переводит доли другому аккаунту
func (s *FundService) TransferShares(_ context.Context, caller, vault, to models.Address, amount decimal.Decimal) error {
	return s.exec("transfer_shares", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return router.TransferShares(caller, to, amount)
	}, utils.Vault(vault.String()), utils.Caller(caller.String()), utils.Amount(amount))
}

// ============ Управляющие активами ============

// SetMigrator назначает мигратора реестра активов (только владелец фонда); нулевой адрес снимает
func (s *FundService) SetMigrator(_ context.Context, caller, vault, migrator models.Address) error {
	return s.exec("set_migrator", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return router.Vault().SetMigrator(caller, migrator)
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
}

// AddAssetManagers добавляет управляющих активами (только владелец фонда)
func (s *FundService) AddAssetManagers(_ context.Context, caller, vault models.Address, managers []models.Address) error {
	return s.exec("add_asset_managers", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return router.AddAssetManagers(caller, managers...)
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
}

// RemoveAssetManagers удаляет управляющих активами (только владелец фонда)
func (s *FundService) RemoveAssetManagers(_ context.Context, caller, vault models.Address, managers []models.Address) error {
	return s.exec("remove_asset_managers", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return router.RemoveAssetManagers(caller, managers...)
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
}

// ============ Интеграции ============

// CallOnIntegration выполняет действие адаптера от имени фонда
//
// После фиксации запись расчёта сохраняется в хранилище с повторами;
// ошибка записи не отменяет расчёт, а только логируется.
func (s *FundService) CallOnIntegration(
	ctx context.Context,
	caller, vault, adapter models.Address,
	selector models.Selector,
	args []byte,
) (*models.SettlementRecord, error) {
	start := time.Now()
	var record *models.SettlementRecord
	err := s.exec("call_on_integration", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		record, err = router.CallOnIntegration(ctx, caller, adapter, selector, args)
		return err
	},
		utils.Vault(vault.String()),
		utils.Caller(caller.String()),
		utils.Adapter(adapter.String()),
		utils.Selector(string(selector)),
	)
	metrics.RecordSettlement(string(selector), err, time.Since(start))
	if err != nil {
		return nil, err
	}

	s.logger.WithFund(record.Fund.String()).WithAdapter(adapter.String()).Info("settlement executed",
		utils.Vault(vault.String()),
		utils.Selector(string(selector)),
		zap.String("settlement_id", record.ID.String()),
		utils.Latency(time.Since(start)),
	)
	s.saveSettlement(ctx, record)
	return record, nil
}

func (s *FundService) saveSettlement(ctx context.Context, record *models.SettlementRecord) {
	if s.settlements == nil {
		return
	}
	err := retry.Do(ctx, func() error {
		return s.settlements.Save(ctx, record)
	}, s.persist)
	if err != nil && !errors.Is(err, repository.ErrSettlementExists) {
		metrics.EventPersistFailures.Inc()
		s.logger.Error("settlement persist failed",
			zap.String("settlement_id", record.ID.String()),
			utils.Vault(record.Vault.String()),
			zap.Error(err),
		)
	}
}

// GetSettlement возвращает запись расчёта
func (s *FundService) GetSettlement(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	if s.settlements == nil {
		return nil, repository.ErrSettlementNotFound
	}
	return s.settlements.GetByID(ctx, id)
}

// ListSettlements возвращает последние расчёты фонда
func (s *FundService) ListSettlements(ctx context.Context, vault models.Address, limit int) ([]*models.SettlementRecord, error) {
	if s.settlements == nil {
		return []*models.SettlementRecord{}, nil
	}
	records, err := s.settlements.ListByVault(ctx, vault, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.SettlementRecord{}
	}
	return records, nil
}

// AllowAdapterSelector разрешает пару (адаптер, селектор) (только владелец протокола)
func (s *FundService) AllowAdapterSelector(_ context.Context, caller, adapter models.Address, selector models.Selector) error {
	return s.exec("allow_adapter_selector", func() error {
		return s.gateway.AllowAdapterSelector(caller, adapter, selector)
	}, utils.Adapter(adapter.String()), utils.Selector(string(selector)))
}

// DisallowAdapterSelector запрещает пару (адаптер, селектор) (только владелец протокола)
func (s *FundService) DisallowAdapterSelector(_ context.Context, caller, adapter models.Address, selector models.Selector) error {
	return s.exec("disallow_adapter_selector", func() error {
		return s.gateway.DisallowAdapterSelector(caller, adapter, selector)
	}, utils.Adapter(adapter.String()), utils.Selector(string(selector)))
}

// AllowedSelectors возвращает разрешённые пары
func (s *FundService) AllowedSelectors() []integration.AllowedSelector {
	var out []integration.AllowedSelector
	s.read(func() { out = s.gateway.AllowedSelectors() })
	if out == nil {
		out = []integration.AllowedSelector{}
	}
	return out
}

// ============ Политики ============

// RegisteredPolicies возвращает идентификаторы зарегистрированных политик
func (s *FundService) RegisteredPolicies() []string {
	var out []string
	s.read(func() { out = s.policies.RegisteredPolicies() })
	return out
}

// EnablePolicy включает политику для текущей конфигурации фонда (только владелец фонда)
func (s *FundService) EnablePolicy(_ context.Context, caller, vault models.Address, id string, settings []byte) error {
	return s.exec("enable_policy", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return s.policies.EnablePolicyForFund(caller, router.Address(), id, settings)
	}, utils.Vault(vault.String()), utils.Policy(id))
}

// DisablePolicy выключает политику (только владелец фонда)
func (s *FundService) DisablePolicy(_ context.Context, caller, vault models.Address, id string) error {
	return s.exec("disable_policy", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return s.policies.DisablePolicyForFund(caller, router.Address(), id)
	}, utils.Vault(vault.String()), utils.Policy(id))
}

// UpdatePolicySettings обновляет настройки политики (только владелец фонда)
func (s *FundService) UpdatePolicySettings(_ context.Context, caller, vault models.Address, id string, settings []byte) error {
	return s.exec("update_policy_settings", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return s.policies.UpdatePolicySettingsForFund(caller, router.Address(), id, settings)
	}, utils.Vault(vault.String()), utils.Policy(id))
}

// SlippageState возвращает состояние политики проскальзывания фонда
func (s *FundService) SlippageState(vault models.Address) (*SlippageView, error) {
	var (
		view *SlippageView
		err  error
	)
	s.read(func() {
		router, rerr := s.router(vault)
		if rerr != nil {
			err = rerr
			return
		}
		state, ok := s.slippage.FundState(router.Address())
		if !ok {
			err = fmt.Errorf("%w: %s not enabled", fault.ErrUnknownPolicy, policy.CumulativeSlippagePolicyID)
			return
		}
		period := s.slippage.Config().TolerancePeriod
		view = &SlippageView{
			Router:             router.Address(),
			Tolerance:          state.Tolerance,
			CumulativeSlippage: state.CumulativeSlippage,
			DecayedSlippage:    state.CumulativeSlippage,
			TolerancePeriod:    period,
		}
		if !state.LastSlippageTimestamp.IsZero() {
			last := state.LastSlippageTimestamp
			view.LastSlippageAt = &last
			view.DecayedSlippage = policy.DecayedSlippage(state.CumulativeSlippage, s.env.Now().Sub(last), period)
		}
	})
	return view, err
}

// StartAssetBypass запускает таймлок обхода неоценимого актива (только владелец фонда)
func (s *FundService) StartAssetBypass(_ context.Context, caller, vault, asset models.Address) error {
	return s.exec("start_asset_bypass", func() error {
		router, err := s.router(vault)
		if err != nil {
			return err
		}
		return s.slippage.StartAssetBypassTimelock(caller, router.Address(), asset)
	}, utils.Vault(vault.String()), utils.Asset(asset.String()))
}

// SetBypassableAdapters добавляет или убирает адаптеры, освобождённые от проверки проскальзывания
func (s *FundService) SetBypassableAdapters(_ context.Context, caller models.Address, adapters []models.Address, bypass bool) error {
	return s.exec("set_bypassable_adapters", func() error {
		if bypass {
			return s.slippage.AddBypassableAdapters(caller, adapters...)
		}
		return s.slippage.RemoveBypassableAdapters(caller, adapters...)
	}, zap.Bool("bypass", bypass))
}

// ============ Релизы ============

// Releases возвращает зарегистрированные релизы и текущий
func (s *FundService) Releases() ([]registry.Release, string, time.Duration) {
	var (
		releases []registry.Release
		current  string
		timelock time.Duration
	)
	s.read(func() {
		releases = s.registry.Releases()
		current = s.registry.CurrentRelease()
		timelock = s.registry.MigrationTimelock()
	})
	if releases == nil {
		releases = []registry.Release{}
	}
	return releases, current, timelock
}

// RegisterRelease регистрирует релиз (только владелец протокола)
func (s *FundService) RegisterRelease(_ context.Context, caller models.Address, id string, reconfigurationTimelock time.Duration) error {
	return s.exec("register_release", func() error {
		return s.registry.RegisterRelease(caller, id, reconfigurationTimelock)
	}, utils.Release(id))
}

// SetCurrentRelease делает релиз текущим (только владелец протокола)
func (s *FundService) SetCurrentRelease(_ context.Context, caller models.Address, id string) error {
	return s.exec("set_current_release", func() error {
		return s.registry.SetCurrentRelease(caller, id)
	}, utils.Release(id))
}

// SetMigrationTimelock меняет таймлок миграции для новых запросов
func (s *FundService) SetMigrationTimelock(_ context.Context, caller models.Address, timelock time.Duration) error {
	return s.exec("set_migration_timelock", func() error {
		return s.registry.SetMigrationTimelock(caller, timelock)
	}, zap.Duration("timelock", timelock))
}

// SetReconfigurationTimelock меняет таймлок реконфигурации релиза для новых запросов
func (s *FundService) SetReconfigurationTimelock(_ context.Context, caller models.Address, releaseID string, timelock time.Duration) error {
	return s.exec("set_reconfiguration_timelock", func() error {
		return s.registry.SetReconfigurationTimelock(caller, releaseID, timelock)
	}, utils.Release(releaseID), zap.Duration("timelock", timelock))
}

// ============ Запросы смены роутера ============

// CreateRequest создает запрос реконфигурации или миграции
func (s *FundService) CreateRequest(_ context.Context, caller, vault models.Address, kind models.RequestKind, cfg models.FundConfig) (models.PendingRequest, error) {
	var req models.PendingRequest
	err := s.exec("create_"+string(kind), func() error {
		var err error
		switch kind {
		case models.RequestReconfiguration:
			req, err = s.registry.CreateReconfigurationRequest(caller, vault, cfg)
		case models.RequestMigration:
			req, err = s.registry.CreateMigrationRequest(caller, vault, cfg)
		default:
			err = fmt.Errorf("%w: request kind %q", fault.ErrInvalidArgs, kind)
		}
		return err
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
	return req, err
}

// ExecuteRequest исполняет запрос после истечения таймлока
//
// bypassFailure действует только для миграции: ошибка хука уничтожения
// старого роутера не блокирует переключение.
func (s *FundService) ExecuteRequest(_ context.Context, caller, vault models.Address, kind models.RequestKind, bypassFailure bool) error {
	return s.exec("execute_"+string(kind), func() error {
		switch kind {
		case models.RequestReconfiguration:
			return s.registry.ExecuteReconfiguration(caller, vault)
		case models.RequestMigration:
			return s.registry.ExecuteMigration(caller, vault, bypassFailure)
		default:
			return fmt.Errorf("%w: request kind %q", fault.ErrInvalidArgs, kind)
		}
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
}

// CancelRequest отменяет ожидающий запрос
func (s *FundService) CancelRequest(_ context.Context, caller, vault models.Address, kind models.RequestKind) error {
	return s.exec("cancel_"+string(kind), func() error {
		switch kind {
		case models.RequestReconfiguration:
			return s.registry.CancelReconfiguration(caller, vault)
		case models.RequestMigration:
			return s.registry.CancelMigration(caller, vault)
		default:
			return fmt.Errorf("%w: request kind %q", fault.ErrInvalidArgs, kind)
		}
	}, utils.Vault(vault.String()), utils.Caller(caller.String()))
}

// PendingRequests возвращает ожидающие запросы фонда
func (s *FundService) PendingRequests(vault models.Address) ([]models.PendingRequest, error) {
	var (
		out []models.PendingRequest
		err error
	)
	s.read(func() {
		if _, ok := s.registry.Fund(vault); !ok {
			err = fmt.Errorf("%w: %s", fault.ErrUnknownFund, vault)
			return
		}
		out = s.registry.PendingRequests(vault)
	})
	if err == nil && out == nil {
		out = []models.PendingRequest{}
	}
	return out, err
}

// ============ Оракул ============

// SetRate обновляет курс актива (только владелец протокола)
func (s *FundService) SetRate(_ context.Context, caller, asset models.Address, value decimal.Decimal) error {
	if caller != s.registry.Owner() {
		metrics.RecordFailure("set_rate", fault.ErrUnauthorized)
		return fault.ErrUnauthorized
	}
	if !value.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", fault.ErrInvalidAmount)
	}
	s.read(func() { s.feed.SetRate(asset, value) })
	s.logger.Info("rate updated", utils.Asset(asset.String()), utils.Amount(value))
	return nil
}

// RemoveRate удаляет курс актива (только владелец протокола)
func (s *FundService) RemoveRate(_ context.Context, caller, asset models.Address) error {
	if caller != s.registry.Owner() {
		metrics.RecordFailure("remove_rate", fault.ErrUnauthorized)
		return fault.ErrUnauthorized
	}
	s.read(func() { s.feed.RemoveRate(asset) })
	s.logger.Info("rate removed", utils.Asset(asset.String()))
	return nil
}

// Rates возвращает все курсы
func (s *FundService) Rates() []oracle.Rate {
	out := s.feed.Rates()
	if out == nil {
		out = []oracle.Rate{}
	}
	return out
}

// Value оценивает amount актива base в активе quote
func (s *FundService) Value(base models.Address, amount decimal.Decimal, quote models.Address) (decimal.Decimal, bool) {
	return s.feed.CalcCanonicalValue(base, amount, quote)
}
