package accessor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/token"
	"fundsettle/internal/vault"
)

// PolicyValidator - проверка политик фонда в хуке
type PolicyValidator interface {
	ValidatePolicies(fund models.Address, hook policy.Hook, args policy.RuleArgs) error
}

// IntegrationCaller - шлюз интеграций, которому роутер передаёт вызов адаптера
type IntegrationCaller interface {
	CallOnIntegration(
		ctx context.Context,
		router *ActionRouter,
		caller, adapter models.Address,
		selector models.Selector,
		args []byte,
	) (*models.SettlementRecord, error)
}

// Params - параметры экземпляра роутера
type Params struct {
	Address              models.Address
	Deployer             models.Address // реестр релизов
	Release              string
	DenominationAsset    models.Address
	SharesActionTimelock time.Duration
	Extensions           []models.Address // шлюз интеграций

	Bank        *token.Bank
	Policies    PolicyValidator
	Valuation   oracle.ValuationOracle
	FeeEngine   FeeEngine
	Integration IntegrationCaller
}

// Payout - выплата актива при выкупе в натуре
type Payout struct {
	Asset  models.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// ActionRouter - роутер действий (accessor) фонда
//
// Единственная сущность, которой реестр активов разрешает изменения.
// Экземпляр привязан к одной конфигурации фонда: при реконфигурации или
// миграции создаётся новый роутер, а старый уничтожается.
//
// Жизненный цикл: Unconfigured → Activated → Destroyed.
type ActionRouter struct {
	env  *chain.Env
	bank *token.Bank

	address              models.Address
	deployer             models.Address
	release              string
	denominationAsset    models.Address
	sharesActionTimelock time.Duration
	extensions           map[models.Address]bool

	policies    PolicyValidator
	valuation   oracle.ValuationOracle
	feeEngine   FeeEngine
	integration IntegrationCaller

	state routerState
}

type routerState struct {
	status           models.RouterStatus
	vault            *vault.Vault
	assetManagers    map[models.Address]bool
	lastSharesAction map[models.Address]time.Time
}

func (s routerState) clone() routerState {
	cp := routerState{
		status:           s.status,
		vault:            s.vault,
		assetManagers:    make(map[models.Address]bool, len(s.assetManagers)),
		lastSharesAction: make(map[models.Address]time.Time, len(s.lastSharesAction)),
	}
	for k, v := range s.assetManagers {
		cp.assetManagers[k] = v
	}
	for k, v := range s.lastSharesAction {
		cp.lastSharesAction[k] = v
	}
	return cp
}

// New создает роутер в состоянии Unconfigured
func New(env *chain.Env, p Params) *ActionRouter {
	feeEngine := p.FeeEngine
	if feeEngine == nil {
		feeEngine = NoopFeeEngine{}
	}

	r := &ActionRouter{
		env:                  env,
		bank:                 p.Bank,
		address:              p.Address,
		deployer:             p.Deployer,
		release:              p.Release,
		denominationAsset:    p.DenominationAsset,
		sharesActionTimelock: p.SharesActionTimelock,
		extensions:           make(map[models.Address]bool, len(p.Extensions)),
		policies:             p.Policies,
		valuation:            p.Valuation,
		feeEngine:            feeEngine,
		integration:          p.Integration,
		state: routerState{
			status:           models.RouterUnconfigured,
			assetManagers:    make(map[models.Address]bool),
			lastSharesAction: make(map[models.Address]time.Time),
		},
	}
	for _, ext := range p.Extensions {
		r.extensions[ext] = true
	}
	env.Track(r)
	return r
}

// ============ Чтение ============

// Address возвращает адрес роутера (идентификатор конфигурации фонда)
func (r *ActionRouter) Address() models.Address { return r.address }

// Release возвращает релиз, которому принадлежит роутер
func (r *ActionRouter) Release() string { return r.release }

// DenominationAsset возвращает валюту фонда
func (r *ActionRouter) DenominationAsset() models.Address { return r.denominationAsset }

// SharesActionTimelock возвращает таймлок между покупкой и выкупом долей
func (r *ActionRouter) SharesActionTimelock() time.Duration { return r.sharesActionTimelock }

// Status возвращает состояние роутера
func (r *ActionRouter) Status() models.RouterStatus { return r.state.status }

// Vault возвращает привязанный реестр активов (nil до SetVaultProxy)
func (r *ActionRouter) Vault() *vault.Vault { return r.state.vault }

// Owner возвращает владельца фонда
func (r *ActionRouter) Owner() models.Address {
	if r.state.vault == nil {
		return ""
	}
	return r.state.vault.Owner()
}

// IsExtension проверяет, зарегистрировано ли расширение
func (r *ActionRouter) IsExtension(addr models.Address) bool {
	return r.extensions[addr]
}

// CanManageAssets - владелец фонда или назначенный управляющий активами
func (r *ActionRouter) CanManageAssets(who models.Address) bool {
	if who.IsZero() {
		return false
	}
	return who == r.Owner() || r.state.assetManagers[who]
}

// LastSharesAction возвращает время последней покупки долей account
func (r *ActionRouter) LastSharesAction(account models.Address) (time.Time, bool) {
	t, ok := r.state.lastSharesAction[account]
	return t, ok
}

// ============ Жизненный цикл ============

// SetVaultProxy привязывает неактивированный роутер к реестру активов (один раз)
func (r *ActionRouter) SetVaultProxy(caller models.Address, v *vault.Vault) error {
	if caller != r.deployer {
		return fault.ErrUnauthorized
	}
	if r.state.status == models.RouterDestroyed {
		return fault.ErrRouterDestroyed
	}
	if r.state.status != models.RouterUnconfigured || r.state.vault != nil {
		return fault.ErrAlreadyConfigured
	}
	if v == nil {
		return fault.ErrInvalidAddress
	}
	r.state.vault = v
	return nil
}

// Activate переводит роутер в Activated
//
// Роутер к этому моменту должен быть accessor реестра: активация помечает
// валюту фонда как persistent.
func (r *ActionRouter) Activate(caller models.Address, isMigration bool) error {
	if caller != r.deployer {
		return fault.ErrUnauthorized
	}
	switch r.state.status {
	case models.RouterActivated:
		return fault.ErrAlreadyActivated
	case models.RouterDestroyed:
		return fault.ErrRouterDestroyed
	}
	if r.state.vault == nil {
		return fault.ErrNotConfigured
	}

	return r.env.Atomic(func() error {
		if err := r.state.vault.AddPersistentlyTrackedAsset(r.address, r.denominationAsset); err != nil {
			return fmt.Errorf("track denomination asset: %w", err)
		}
		if err := r.feeEngine.ActivateForFund(r.address, isMigration); err != nil {
			return err
		}
		if err := r.setStatus(models.RouterActivated); err != nil {
			return err
		}
		r.emit(models.EventRouterActivated, map[string]interface{}{
			"release":      r.release,
			"is_migration": isMigration,
		})
		return nil
	})
}

// DestructActivated уничтожает активированный роутер, пока он ещё accessor
//
// Перед уничтожением рассчитываются комиссии. При bypassFailure ошибка
// расчёта не прерывает уничтожение (миграция с отказавшим старым релизом),
// а фиксируется событием.
func (r *ActionRouter) DestructActivated(caller models.Address, bypassFailure bool) error {
	if caller != r.deployer {
		return fault.ErrUnauthorized
	}
	if r.state.status != models.RouterActivated {
		return fault.ErrNotActivated
	}

	return r.env.Atomic(func() error {
		if err := r.env.Atomic(func() error {
			return r.feeEngine.SettleFees(r.address, FeeHookDestruct)
		}); err != nil {
			if !bypassFailure {
				return fmt.Errorf("settle fees: %w", err)
			}
			r.emit(models.EventMigrationHookFailureBypassed, map[string]interface{}{
				"hook":  string(FeeHookDestruct),
				"error": err.Error(),
			})
		}

		// Флаг снимается, пока роутер ещё может менять реестр
		if err := r.state.vault.RemovePersistentlyTrackedAsset(r.address, r.denominationAsset); err != nil {
			return err
		}
		if err := r.setStatus(models.RouterDestroyed); err != nil {
			return err
		}
		r.emit(models.EventRouterDestroyed, map[string]interface{}{"activated": true})
		return nil
	})
}

// DestructUnactivated уничтожает роутер, так и не ставший accessor
func (r *ActionRouter) DestructUnactivated(caller models.Address) error {
	if caller != r.deployer {
		return fault.ErrUnauthorized
	}
	switch r.state.status {
	case models.RouterActivated:
		return fault.ErrAlreadyActivated
	case models.RouterDestroyed:
		return fault.ErrRouterDestroyed
	}
	if err := r.setStatus(models.RouterDestroyed); err != nil {
		return err
	}
	r.emit(models.EventRouterDestroyed, map[string]interface{}{"activated": false})
	return nil
}

// ============ Управляющие активами ============

// AddAssetManagers назначает управляющих активами (только владелец фонда)
func (r *ActionRouter) AddAssetManagers(caller models.Address, managers ...models.Address) error {
	if caller.IsZero() || caller != r.Owner() {
		return fault.ErrUnauthorized
	}
	for _, m := range managers {
		if m.IsZero() {
			return fault.ErrInvalidAddress
		}
	}
	for _, m := range managers {
		r.state.assetManagers[m] = true
	}
	return nil
}

// RemoveAssetManagers снимает управляющих активами (только владелец фонда)
func (r *ActionRouter) RemoveAssetManagers(caller models.Address, managers ...models.Address) error {
	if caller.IsZero() || caller != r.Owner() {
		return fault.ErrUnauthorized
	}
	for _, m := range managers {
		delete(r.state.assetManagers, m)
	}
	return nil
}

// ============ Интеграции ============

// CallOnIntegration передаёт вызов адаптера шлюзу интеграций
func (r *ActionRouter) CallOnIntegration(
	ctx context.Context,
	caller, adapter models.Address,
	selector models.Selector,
	args []byte,
) (*models.SettlementRecord, error) {
	if err := r.assertActive(); err != nil {
		return nil, err
	}
	if !r.CanManageAssets(caller) {
		return nil, fault.ErrUnauthorized
	}
	if r.integration == nil {
		return nil, fmt.Errorf("%w: no integration gateway", fault.ErrUnknownAdapter)
	}
	return r.integration.CallOnIntegration(ctx, r, caller, adapter, selector, args)
}

// ValidatePolicies прогоняет политики фонда в хуке
func (r *ActionRouter) ValidatePolicies(hook policy.Hook, args policy.RuleArgs) error {
	if r.policies == nil {
		return nil
	}
	return r.policies.ValidatePolicies(r.address, hook, args)
}

// ============ Оценка ============

// CalcGav возвращает стоимость всех отслеживаемых активов в валюте фонда
//
// valid=false, если хотя бы один актив с ненулевым балансом не оценивается.
func (r *ActionRouter) CalcGav() (decimal.Decimal, bool) {
	if r.state.vault == nil || r.valuation == nil {
		return decimal.Zero, false
	}
	gav := decimal.Zero
	for _, asset := range r.state.vault.TrackedAssets() {
		bal := r.state.vault.AssetBalance(asset)
		if bal.IsZero() {
			continue
		}
		value, valid := r.valuation.CalcCanonicalValue(asset, bal, r.denominationAsset)
		if !valid {
			return decimal.Zero, false
		}
		gav = gav.Add(value)
	}
	return gav, true
}

// CalcGrossShareValue возвращает стоимость одной доли в валюте фонда
//
// До первого выпуска доля стоит одну единицу валюты фонда.
func (r *ActionRouter) CalcGrossShareValue() (decimal.Decimal, bool) {
	gav, valid := r.CalcGav()
	if !valid {
		return decimal.Zero, false
	}
	total := r.state.vault.TotalShares()
	if total.IsZero() {
		return decimal.NewFromInt(1), true
	}
	return gav.Div(total), true
}

// ============ Внутренние ============

// setStatus переводит роутер в новое состояние по таблице переходов
func (r *ActionRouter) setStatus(to models.RouterStatus) error {
	if !models.CanTransition(r.state.status, to) {
		return fmt.Errorf("%w: %s -> %s", fault.ErrInvalidTransition, r.state.status, to)
	}
	r.state.status = to
	return nil
}

func (r *ActionRouter) assertActive() error {
	switch r.state.status {
	case models.RouterActivated:
		return nil
	case models.RouterDestroyed:
		return fault.ErrRouterDestroyed
	default:
		return fault.ErrNotActivated
	}
}

func (r *ActionRouter) emit(eventType string, data map[string]interface{}) {
	ev := models.Event{Type: eventType, Fund: r.address, Data: data}
	if r.state.vault != nil {
		ev.Vault = r.state.vault.Address()
	}
	r.env.Emit(ev)
}

// Snapshot реализует chain.Stateful
func (r *ActionRouter) Snapshot() interface{} {
	return r.state.clone()
}

// Restore реализует chain.Stateful
func (r *ActionRouter) Restore(snapshot interface{}) {
	r.state = snapshot.(routerState)
}
