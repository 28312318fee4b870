package integration

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"fundsettle/internal/accessor"
	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/policy"
	"fundsettle/pkg/crypto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type selectorKey struct {
	Adapter  models.Address
	Selector models.Selector
}

// AllowedSelector - разрешённая пара (адаптер, селектор)
type AllowedSelector struct {
	Adapter    models.Address  `json:"adapter"`
	Identifier string          `json:"identifier"`
	Selector   models.Selector `json:"selector"`
}

// Gateway - шлюз интеграций
//
// Переводит вызов "выполнить действие во внешнем протоколе" в движение
// активов фонда. Фактические суммы определяются по разнице балансов
// реестра до и после вызова, заявленные адаптером суммы служат только
// границами (минимум полученного, максимум потраченного).
type Gateway struct {
	env     *chain.Env
	address models.Address
	owner   models.Address

	adapters map[models.Address]Adapter
	allowed  map[selectorKey]bool

	newID func() uuid.UUID
}

// NewGateway создает шлюз
//
// address - адрес шлюза как расширения роутеров, owner - владелец протокола,
// управляющий списком разрешённых адаптеров.
func NewGateway(env *chain.Env, address, owner models.Address) *Gateway {
	g := &Gateway{
		env:      env,
		address:  address,
		owner:    owner,
		adapters: make(map[models.Address]Adapter),
		allowed:  make(map[selectorKey]bool),
		newID:    uuid.New,
	}
	env.Track(g)
	return g
}

// Address возвращает адрес шлюза
func (g *Gateway) Address() models.Address { return g.address }

// ============ Список разрешённых адаптеров ============

// RegisterAdapter регистрирует адаптер (только владелец протокола)
func (g *Gateway) RegisterAdapter(caller models.Address, adapter Adapter) error {
	if caller != g.owner {
		return fault.ErrUnauthorized
	}
	addr := adapter.Address()
	if addr.IsZero() {
		return fault.ErrInvalidAddress
	}
	g.adapters[addr] = adapter
	return nil
}

// Adapter возвращает зарегистрированный адаптер
func (g *Gateway) Adapter(addr models.Address) (Adapter, bool) {
	a, ok := g.adapters[addr]
	return a, ok
}

// AllowAdapterSelector разрешает пару (адаптер, селектор)
func (g *Gateway) AllowAdapterSelector(caller, adapter models.Address, selector models.Selector) error {
	if caller != g.owner {
		return fault.ErrUnauthorized
	}
	if _, ok := g.adapters[adapter]; !ok {
		return fmt.Errorf("%w: %s", fault.ErrUnknownAdapter, adapter)
	}
	if selector == "" {
		return fault.ErrUnknownSelector
	}
	key := selectorKey{adapter, selector}
	if g.allowed[key] {
		return nil
	}
	g.allowed[key] = true
	g.env.Emit(models.Event{
		Type: models.EventAdapterSelectorAllowed,
		Data: map[string]interface{}{"adapter": adapter, "selector": selector},
	})
	return nil
}

// DisallowAdapterSelector запрещает пару (адаптер, селектор)
func (g *Gateway) DisallowAdapterSelector(caller, adapter models.Address, selector models.Selector) error {
	if caller != g.owner {
		return fault.ErrUnauthorized
	}
	key := selectorKey{adapter, selector}
	if !g.allowed[key] {
		return nil
	}
	delete(g.allowed, key)
	g.env.Emit(models.Event{
		Type: models.EventAdapterSelectorDisallowed,
		Data: map[string]interface{}{"adapter": adapter, "selector": selector},
	})
	return nil
}

// IsAllowed проверяет пару (адаптер, селектор)
func (g *Gateway) IsAllowed(adapter models.Address, selector models.Selector) bool {
	return g.allowed[selectorKey{adapter, selector}]
}

// AllowedSelectors возвращает разрешённые пары, отсортированные по адаптеру и селектору
func (g *Gateway) AllowedSelectors() []AllowedSelector {
	out := make([]AllowedSelector, 0, len(g.allowed))
	for key := range g.allowed {
		entry := AllowedSelector{Adapter: key.Adapter, Selector: key.Selector}
		if a, ok := g.adapters[key.Adapter]; ok {
			entry.Identifier = a.Identifier()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Adapter != out[j].Adapter {
			return out[i].Adapter < out[j].Adapter
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// ============ Расчёт ============

// CallOnIntegration выполняет расчёт через адаптер как единую единицу работы
//
// Шаги: allow-list → pre-хук → разбор → балансы до → передача активов →
// вызов адаптера → сверка полученного и потраченного → обновление набора
// активов → post-хук → запись расчёта. Ошибка на любом шаге откатывает всё.
func (g *Gateway) CallOnIntegration(
	ctx context.Context,
	router *accessor.ActionRouter,
	caller, adapterAddr models.Address,
	selector models.Selector,
	args []byte,
) (*models.SettlementRecord, error) {
	if router == nil || router.Vault() == nil {
		return nil, fault.ErrUnknownFund
	}
	if router.Status() != models.RouterActivated {
		if router.Status() == models.RouterDestroyed {
			return nil, fault.ErrRouterDestroyed
		}
		return nil, fault.ErrNotActivated
	}
	if !router.CanManageAssets(caller) || !router.IsExtension(g.address) {
		return nil, fault.ErrUnauthorized
	}

	// 1. allow-list
	if !g.IsAllowed(adapterAddr, selector) {
		return nil, fmt.Errorf("%w: %s/%s", fault.ErrAdapterNotAllowed, adapterAddr, selector)
	}
	adapter, ok := g.adapters[adapterAddr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrUnknownAdapter, adapterAddr)
	}

	var record *models.SettlementRecord
	err := g.env.Atomic(func() error {
		rec, err := g.settle(ctx, router, caller, adapter, selector, args)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (g *Gateway) settle(
	ctx context.Context,
	router *accessor.ActionRouter,
	caller models.Address,
	adapter Adapter,
	selector models.Selector,
	args []byte,
) (*models.SettlementRecord, error) {
	v := router.Vault()
	vaultAddr := v.Address()
	adapterAddr := adapter.Address()

	// 2. pre-хук
	if err := router.ValidatePolicies(policy.HookPreCallOnIntegration, policy.RuleArgs{
		Caller:      caller,
		Adapter:     adapterAddr,
		Selector:    selector,
		EncodedArgs: args,
	}); err != nil {
		return nil, err
	}

	// 3. разбор
	assets, err := adapter.ParseAssetsForAction(vaultAddr, selector, args)
	if err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", adapter.Identifier(), selector, err)
	}
	if err := assets.Validate(); err != nil {
		return nil, err
	}
	for _, a := range append(append([]models.Address(nil), assets.SpendAssets...), assets.IncomingAssets...) {
		if a == vaultAddr {
			return nil, fault.ErrCannotActOnShares
		}
	}

	// 4. балансы до вызова
	spendPre := balances(v.AssetBalance, assets.SpendAssets)
	incomingPre := balances(v.AssetBalance, assets.IncomingAssets)

	// 5. передача активов адаптеру
	var approved []models.Address
	for i, asset := range assets.SpendAssets {
		amount := assets.SpendAmounts[i]
		if amount.IsZero() {
			continue
		}
		switch assets.HandleType {
		case models.HandleTransfer:
			err = router.PermissionedVaultAction(g.address, accessor.ActionWithdrawAssetTo, accessor.VaultActionArgs{
				Asset: asset, Target: adapterAddr, Amount: amount,
			})
		case models.HandleApprove:
			err = router.PermissionedVaultAction(g.address, accessor.ActionApproveAssetSpender, accessor.VaultActionArgs{
				Asset: asset, Target: adapterAddr, Amount: amount,
			})
			approved = append(approved, asset)
		}
		if err != nil {
			return nil, err
		}
	}

	// 6. вызов внешнего протокола
	if err := adapter.Execute(ctx, vaultAddr, selector, args, assets); err != nil {
		return nil, fmt.Errorf("execute %s/%s: %w", adapter.Identifier(), selector, err)
	}

	// Неизрасходованные разрешения отзываются
	for _, asset := range approved {
		if err := router.PermissionedVaultAction(g.address, accessor.ActionApproveAssetSpender, accessor.VaultActionArgs{
			Asset: asset, Target: adapterAddr, Amount: decimal.Zero,
		}); err != nil {
			return nil, err
		}
	}

	// 7. сверка полученного
	var (
		incomingAssets  []models.Address
		incomingAmounts []decimal.Decimal
		spendAssets     []models.Address
		spendAmounts    []decimal.Decimal
	)
	for i, asset := range assets.IncomingAssets {
		received := v.AssetBalance(asset).Sub(incomingPre[i])
		if received.LessThan(assets.MinIncomingAmounts[i]) {
			return nil, fmt.Errorf("%w: %s received %s, min %s",
				fault.ErrReceivedBelowMinimum, asset, received, assets.MinIncomingAmounts[i])
		}
		if received.IsPositive() {
			incomingAssets = append(incomingAssets, asset)
			incomingAmounts = append(incomingAmounts, received)
		}
	}

	// 8. сверка потраченного
	for i, asset := range assets.SpendAssets {
		post := v.AssetBalance(asset)
		spent := spendPre[i].Sub(post)
		switch {
		case spent.IsNegative():
			// Спенд-актив вернулся с прибытком: учитывается как полученный
			incomingAssets = append(incomingAssets, asset)
			incomingAmounts = append(incomingAmounts, spent.Neg())
		case spent.GreaterThan(assets.SpendAmounts[i]):
			return nil, fmt.Errorf("%w: %s spent %s, declared %s",
				fault.ErrOverspentAsset, asset, spent, assets.SpendAmounts[i])
		case spent.IsPositive():
			spendAssets = append(spendAssets, asset)
			spendAmounts = append(spendAmounts, spent)
		}
	}

	// 9. обновление набора активов: сначала освобождаем, затем добавляем
	for _, asset := range assets.SpendAssets {
		if v.AssetBalance(asset).IsZero() {
			if err := router.PermissionedVaultAction(g.address, accessor.ActionRemoveTrackedAsset, accessor.VaultActionArgs{Asset: asset}); err != nil {
				return nil, err
			}
		}
	}
	for _, asset := range append(append([]models.Address(nil), assets.IncomingAssets...), assets.SpendAssets...) {
		if v.AssetBalance(asset).IsPositive() && !v.IsTrackedAsset(asset) {
			if err := router.PermissionedVaultAction(g.address, accessor.ActionAddTrackedAsset, accessor.VaultActionArgs{Asset: asset}); err != nil {
				return nil, err
			}
		}
	}

	if err := router.ValidatePolicies(policy.HookPostCallOnIntegration, policy.RuleArgs{
		Caller:          caller,
		Adapter:         adapterAddr,
		Selector:        selector,
		EncodedArgs:     args,
		IncomingAssets:  incomingAssets,
		IncomingAmounts: incomingAmounts,
		SpendAssets:     spendAssets,
		SpendAmounts:    spendAmounts,
	}); err != nil {
		return nil, err
	}

	// 10. запись расчёта
	record := &models.SettlementRecord{
		ID:              g.newID(),
		Fund:            router.Address(),
		Vault:           vaultAddr,
		Caller:          caller,
		Adapter:         adapterAddr,
		Selector:        selector,
		IncomingAssets:  incomingAssets,
		IncomingAmounts: incomingAmounts,
		SpendAssets:     spendAssets,
		SpendAmounts:    spendAmounts,
		ExecutedAt:      g.env.Now(),
	}
	digest, err := recordDigest(record)
	if err != nil {
		return nil, err
	}
	record.Digest = digest

	g.env.Emit(models.Event{
		Type:  models.EventCallOnIntegrationExecuted,
		Vault: vaultAddr,
		Fund:  router.Address(),
		Data: map[string]interface{}{
			"settlement_id": record.ID.String(),
			"adapter":       adapterAddr,
			"selector":      selector,
			"caller":        caller,
			"digest":        record.Digest,
			"record":        record,
		},
	})
	return record, nil
}

// recordDigest - keccak256 канонического JSON записи без поля Digest
func recordDigest(record *models.SettlementRecord) (string, error) {
	cp := *record
	cp.Digest = ""
	payload, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("encode settlement record: %w", err)
	}
	return crypto.Keccak256Hex(payload), nil
}

func balances(balanceOf func(models.Address) decimal.Decimal, assets []models.Address) []decimal.Decimal {
	out := make([]decimal.Decimal, len(assets))
	for i, a := range assets {
		out[i] = balanceOf(a)
	}
	return out
}

// Snapshot реализует chain.Stateful
func (g *Gateway) Snapshot() interface{} {
	cp := make(map[selectorKey]bool, len(g.allowed))
	for k, v := range g.allowed {
		cp[k] = v
	}
	return cp
}

// Restore реализует chain.Stateful
func (g *Gateway) Restore(snapshot interface{}) {
	g.allowed = snapshot.(map[selectorKey]bool)
}
