package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/pkg/utils"
)

// CumulativeSlippagePolicyID - идентификатор политики накопленного проскальзывания
const CumulativeSlippagePolicyID = "cumulative-slippage-tolerance"

// Значения по умолчанию
const (
	DefaultTolerancePeriod = 7 * 24 * time.Hour
	DefaultBypassTimelock  = 7 * 24 * time.Hour
	DefaultBypassTimeLimit = 2 * 24 * time.Hour
)

// DefaultDustThreshold - проскальзывание ниже порога не обновляет состояние
var DefaultDustThreshold = decimal.New(1, -6)

// SlippageConfig - параметры политики уровня протокола
type SlippageConfig struct {
	TolerancePeriod time.Duration   // период полного "прощения" накопленного проскальзывания
	DustThreshold   decimal.Decimal // минимальное проскальзывание сделки для записи состояния
	BypassTimelock  time.Duration   // задержка перед окном обхода неоценимого актива
	BypassTimeLimit time.Duration   // длительность окна обхода
}

// SlippageFundState - состояние политики для фонда
type SlippageFundState struct {
	Tolerance             decimal.Decimal `json:"tolerance"`
	CumulativeSlippage    decimal.Decimal `json:"cumulative_slippage"`
	LastSlippageTimestamp time.Time       `json:"last_slippage_timestamp"`
}

type slippageSettings struct {
	Tolerance decimal.Decimal `json:"tolerance"`
}

type bypassKey struct {
	Fund  models.Address
	Asset models.Address
}

type slippageState struct {
	funds      map[models.Address]SlippageFundState
	bypassable map[models.Address]bool
	bypassSet  map[bypassKey]time.Time
}

func (s slippageState) clone() slippageState {
	cp := slippageState{
		funds:      make(map[models.Address]SlippageFundState, len(s.funds)),
		bypassable: make(map[models.Address]bool, len(s.bypassable)),
		bypassSet:  make(map[bypassKey]time.Time, len(s.bypassSet)),
	}
	for k, v := range s.funds {
		cp.funds[k] = v
	}
	for k, v := range s.bypassable {
		cp.bypassable[k] = v
	}
	for k, v := range s.bypassSet {
		cp.bypassSet[k] = v
	}
	return cp
}

// CumulativeSlippageTolerancePolicy - ограничение накопленного проскальзывания
//
// После каждого расчёта сравнивает стоимость ушедших и пришедших активов
// в валюте фонда. Проскальзывание сделки прибавляется к накопленному,
// которое линейно "заживает" за TolerancePeriod. Если сумма превышает
// допуск фонда - расчёт отменяется целиком.
//
// Выходы:
//   - адаптеры из списка bypassable (владелец протокола) не проверяются
//   - актив без валидного курса можно обойти только после таймлока,
//     запущенного владельцем фонда, и только в ограниченном окне
type CumulativeSlippageTolerancePolicy struct {
	env       *chain.Env
	valuation oracle.ValuationOracle
	resolver  FundResolver
	owner     models.Address
	cfg       SlippageConfig

	state slippageState
}

// NewCumulativeSlippageTolerancePolicy создает политику
func NewCumulativeSlippageTolerancePolicy(
	env *chain.Env,
	valuation oracle.ValuationOracle,
	resolver FundResolver,
	owner models.Address,
	cfg SlippageConfig,
) *CumulativeSlippageTolerancePolicy {
	if cfg.TolerancePeriod <= 0 {
		cfg.TolerancePeriod = DefaultTolerancePeriod
	}
	if cfg.DustThreshold.IsNegative() || cfg.DustThreshold.IsZero() {
		cfg.DustThreshold = DefaultDustThreshold
	}
	if cfg.BypassTimelock <= 0 {
		cfg.BypassTimelock = DefaultBypassTimelock
	}
	if cfg.BypassTimeLimit <= 0 {
		cfg.BypassTimeLimit = DefaultBypassTimeLimit
	}

	return &CumulativeSlippageTolerancePolicy{
		env:       env,
		valuation: valuation,
		resolver:  resolver,
		owner:     owner,
		cfg:       cfg,
		state: slippageState{
			funds:      make(map[models.Address]SlippageFundState),
			bypassable: make(map[models.Address]bool),
			bypassSet:  make(map[bypassKey]time.Time),
		},
	}
}

// Identifier реализует Policy
func (p *CumulativeSlippageTolerancePolicy) Identifier() string {
	return CumulativeSlippagePolicyID
}

// ImplementedHooks реализует Policy
func (p *CumulativeSlippageTolerancePolicy) ImplementedHooks() []Hook {
	return []Hook{HookPostCallOnIntegration}
}

// CanDisable реализует Policy
func (p *CumulativeSlippageTolerancePolicy) CanDisable() bool {
	return false
}

// Config возвращает параметры политики
func (p *CumulativeSlippageTolerancePolicy) Config() SlippageConfig {
	return p.cfg
}

// AddFundSettings реализует Policy. Настройки: {"tolerance": "0.1"}
func (p *CumulativeSlippageTolerancePolicy) AddFundSettings(fund models.Address, settings []byte) error {
	var s slippageSettings
	if err := decodeSettings(settings, &s); err != nil {
		return err
	}
	if err := utils.ValidateTolerance(s.Tolerance); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidSettings, err)
	}

	p.state.funds[fund] = SlippageFundState{
		Tolerance:          s.Tolerance,
		CumulativeSlippage: decimal.Zero,
	}
	p.env.Emit(models.Event{
		Type: models.EventPolicySettingsUpdated,
		Fund: fund,
		Data: map[string]interface{}{"policy": CumulativeSlippagePolicyID, "tolerance": s.Tolerance.String()},
	})
	return nil
}

// UpdateFundSettings реализует Policy: обновления запрещены
func (p *CumulativeSlippageTolerancePolicy) UpdateFundSettings(models.Address, []byte) error {
	return fault.ErrUpdateNotAllowed
}

// FundState возвращает состояние политики для фонда
func (p *CumulativeSlippageTolerancePolicy) FundState(fund models.Address) (SlippageFundState, bool) {
	s, ok := p.state.funds[fund]
	return s, ok
}

// ============ Bypassable адаптеры ============

// AddBypassableAdapters добавляет адаптеры без проверки проскальзывания (только владелец протокола)
func (p *CumulativeSlippageTolerancePolicy) AddBypassableAdapters(caller models.Address, adapters ...models.Address) error {
	if caller != p.owner {
		return fault.ErrUnauthorized
	}
	for _, a := range adapters {
		p.state.bypassable[a] = true
	}
	return nil
}

// RemoveBypassableAdapters удаляет адаптеры из списка (только владелец протокола)
func (p *CumulativeSlippageTolerancePolicy) RemoveBypassableAdapters(caller models.Address, adapters ...models.Address) error {
	if caller != p.owner {
		return fault.ErrUnauthorized
	}
	for _, a := range adapters {
		delete(p.state.bypassable, a)
	}
	return nil
}

// IsBypassableAdapter проверяет, пропускается ли адаптер
func (p *CumulativeSlippageTolerancePolicy) IsBypassableAdapter(adapter models.Address) bool {
	return p.state.bypassable[adapter]
}

// ============ Обход неоценимого актива ============

// StartAssetBypassTimelock запускает таймлок обхода актива без валидного курса
//
// Доступно только владельцу фонда и только для актива, у которого сейчас
// нет валидного курса. Окно обхода открывается через BypassTimelock
// и длится BypassTimeLimit.
func (p *CumulativeSlippageTolerancePolicy) StartAssetBypassTimelock(caller, fund, asset models.Address) error {
	info, ok := p.resolver.FundInfo(fund)
	if !ok {
		return fault.ErrUnknownFund
	}
	if caller != info.Owner {
		return fault.ErrUnauthorized
	}
	if _, valid := p.valuation.CalcCanonicalValue(asset, decimal.NewFromInt(1), info.DenominationAsset); valid {
		return fmt.Errorf("%w: asset %s has a valid price", fault.ErrInvalidArgs, asset)
	}

	now := p.env.Now()
	p.state.bypassSet[bypassKey{fund, asset}] = now
	p.env.Emit(models.Event{
		Type:  models.EventAssetBypassTimelockSet,
		Fund:  fund,
		Vault: info.Vault,
		Data: map[string]interface{}{
			"asset":        asset,
			"window_start": now.Add(p.cfg.BypassTimelock),
			"window_end":   now.Add(p.cfg.BypassTimelock + p.cfg.BypassTimeLimit),
		},
	})
	return nil
}

// AssetBypassWindow возвращает окно обхода актива (ok=false если таймлок не запускался)
func (p *CumulativeSlippageTolerancePolicy) AssetBypassWindow(fund, asset models.Address) (start, end time.Time, ok bool) {
	setAt, ok := p.state.bypassSet[bypassKey{fund, asset}]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	start = setAt.Add(p.cfg.BypassTimelock)
	return start, start.Add(p.cfg.BypassTimeLimit), true
}

// IsAssetBypassable проверяет, открыто ли сейчас окно обхода актива
func (p *CumulativeSlippageTolerancePolicy) IsAssetBypassable(fund, asset models.Address) bool {
	start, end, ok := p.AssetBypassWindow(fund, asset)
	if !ok {
		return false
	}
	now := p.env.Now()
	return !now.Before(start) && now.Before(end)
}

// ============ Проверка ============

// ValidateRule реализует Policy
func (p *CumulativeSlippageTolerancePolicy) ValidateRule(fund models.Address, hook Hook, args RuleArgs) (bool, error) {
	if hook != HookPostCallOnIntegration {
		return true, nil
	}
	st, ok := p.state.funds[fund]
	if !ok {
		return true, nil
	}
	if p.IsBypassableAdapter(args.Adapter) {
		return true, nil
	}

	info, ok := p.resolver.FundInfo(fund)
	if !ok {
		return false, fault.ErrUnknownFund
	}

	expected, err := p.totalValue(fund, args.SpendAssets, args.SpendAmounts, info.DenominationAsset)
	if err != nil {
		return false, err
	}
	if !expected.IsPositive() {
		return true, nil
	}
	actual, err := p.totalValue(fund, args.IncomingAssets, args.IncomingAmounts, info.DenominationAsset)
	if err != nil {
		return false, err
	}

	tradeSlippage := TradeSlippage(expected, actual)
	now := p.env.Now()
	next := DecayedSlippage(st.CumulativeSlippage, now.Sub(st.LastSlippageTimestamp), p.cfg.TolerancePeriod).Add(tradeSlippage)

	if next.GreaterThan(st.Tolerance) {
		return false, fmt.Errorf("%w: %s > %s", ErrSlippageToleranceExceeded,
			utils.FormatPercent(next, 4), utils.FormatPercent(st.Tolerance, 4))
	}

	if tradeSlippage.LessThan(p.cfg.DustThreshold) {
		return true, nil
	}

	st.CumulativeSlippage = next
	st.LastSlippageTimestamp = now
	p.state.funds[fund] = st
	p.env.Emit(models.Event{
		Type:  models.EventPolicyStateUpdated,
		Fund:  fund,
		Vault: info.Vault,
		Data: map[string]interface{}{
			"policy":              CumulativeSlippagePolicyID,
			"trade_slippage":      tradeSlippage.String(),
			"cumulative_slippage": next.String(),
		},
	})
	return true, nil
}

func (p *CumulativeSlippageTolerancePolicy) totalValue(
	fund models.Address,
	assets []models.Address,
	amounts []decimal.Decimal,
	quote models.Address,
) (decimal.Decimal, error) {
	total := decimal.Zero
	for i, asset := range assets {
		if i >= len(amounts) || !amounts[i].IsPositive() {
			continue
		}
		value, valid := p.valuation.CalcCanonicalValue(asset, amounts[i], quote)
		if !valid {
			if p.IsAssetBypassable(fund, asset) {
				continue
			}
			return decimal.Zero, fmt.Errorf("%w: %s", fault.ErrUnpricedAsset, asset)
		}
		total = total.Add(value)
	}
	return total, nil
}

// TradeSlippage возвращает max(0, (expected-actual)/expected), ограниченное [0, 1]
func TradeSlippage(expected, actual decimal.Decimal) decimal.Decimal {
	if !actual.LessThan(expected) {
		return decimal.Zero
	}
	return utils.ClampUnit(utils.Ratio(expected.Sub(actual), expected))
}

// DecayedSlippage применяет линейное заживление:
// cumulative * max(0, 1 - elapsed/period)
func DecayedSlippage(cumulative decimal.Decimal, elapsed, period time.Duration) decimal.Decimal {
	if cumulative.IsZero() || period <= 0 || elapsed >= period {
		return decimal.Zero
	}
	if elapsed <= 0 {
		return cumulative
	}
	remaining := decimal.NewFromInt(int64(period - elapsed)).Div(decimal.NewFromInt(int64(period)))
	return cumulative.Mul(remaining)
}

// Snapshot реализует chain.Stateful
func (p *CumulativeSlippageTolerancePolicy) Snapshot() interface{} {
	return p.state.clone()
}

// Restore реализует chain.Stateful
func (p *CumulativeSlippageTolerancePolicy) Restore(snapshot interface{}) {
	p.state = snapshot.(slippageState)
}
