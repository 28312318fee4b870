package vault

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/token"
)

// DefaultMaxTrackedAssets - лимит отслеживаемых активов по умолчанию
//
// Каждый проход учёта (оценка GAV, выкуп в натуре) перебирает весь набор,
// неограниченный набор открывает путь к исчерпанию ресурсов.
const DefaultMaxTrackedAssets = 20

// Vault - реестр активов фонда (хранилище)
//
// Хранит все активы фонда (балансы в token.Bank на адресе фонда) и доли.
// Изменять состояние может ТОЛЬКО текущий accessor (роутер), сменить
// accessor - только dispatcher (реестр релизов).
//
// Инварианты:
//   - len(trackedAssets) <= maxTrackedAssets
//   - актив долей (адрес самого фонда) никогда не отслеживается
//   - отслеживаемый актив с нулевым балансом без флага persistent не задерживается
//     в наборе после вывода
type Vault struct {
	env  *chain.Env
	bank *token.Bank

	address    models.Address
	name       string
	owner      models.Address
	creator    models.Address
	dispatcher models.Address
	maxTracked int

	state vaultState
}

type vaultState struct {
	accessor      models.Address
	migrator      models.Address
	trackedAssets []models.Address
	persistent    map[models.Address]bool
	shares        map[models.Address]decimal.Decimal
	totalShares   decimal.Decimal
}

func (s vaultState) clone() vaultState {
	cp := vaultState{
		accessor:      s.accessor,
		migrator:      s.migrator,
		trackedAssets: append([]models.Address(nil), s.trackedAssets...),
		persistent:    make(map[models.Address]bool, len(s.persistent)),
		shares:        make(map[models.Address]decimal.Decimal, len(s.shares)),
		totalShares:   s.totalShares,
	}
	for k, v := range s.persistent {
		cp.persistent[k] = v
	}
	for k, v := range s.shares {
		cp.shares[k] = v
	}
	return cp
}

// Params - параметры создания фонда
type Params struct {
	Address          models.Address
	Name             string
	Owner            models.Address
	Creator          models.Address
	Dispatcher       models.Address
	Accessor         models.Address
	MaxTrackedAssets int
}

// New создает реестр активов и регистрирует его в среде исполнения
func New(env *chain.Env, bank *token.Bank, p Params) *Vault {
	maxTracked := p.MaxTrackedAssets
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedAssets
	}

	v := &Vault{
		env:        env,
		bank:       bank,
		address:    p.Address,
		name:       p.Name,
		owner:      p.Owner,
		creator:    p.Creator,
		dispatcher: p.Dispatcher,
		maxTracked: maxTracked,
		state: vaultState{
			accessor:   p.Accessor,
			persistent: make(map[models.Address]bool),
			shares:     make(map[models.Address]decimal.Decimal),
		},
	}
	env.Track(v)
	return v
}

// ============ Чтение ============

// Address возвращает адрес фонда (он же адрес актива долей)
func (v *Vault) Address() models.Address { return v.address }

// Name возвращает имя фонда
func (v *Vault) Name() string { return v.name }

// Owner возвращает владельца фонда
func (v *Vault) Owner() models.Address { return v.owner }

// Creator возвращает создателя (релиз, развернувший фонд)
func (v *Vault) Creator() models.Address { return v.creator }

// Accessor возвращает текущий роутер
func (v *Vault) Accessor() models.Address { return v.state.accessor }

// Migrator возвращает делегированного мигратора
func (v *Vault) Migrator() models.Address { return v.state.migrator }

// MaxTrackedAssets возвращает лимит отслеживаемых активов
func (v *Vault) MaxTrackedAssets() int { return v.maxTracked }

// TrackedAssets возвращает копию упорядоченного набора отслеживаемых активов
func (v *Vault) TrackedAssets() []models.Address {
	return append([]models.Address(nil), v.state.trackedAssets...)
}

// IsTrackedAsset проверяет, отслеживается ли актив
func (v *Vault) IsTrackedAsset(asset models.Address) bool {
	return v.indexOf(asset) >= 0
}

// IsPersistentlyTrackedAsset проверяет флаг persistent
func (v *Vault) IsPersistentlyTrackedAsset(asset models.Address) bool {
	return v.state.persistent[asset]
}

// AssetBalance возвращает баланс фонда по активу
func (v *Vault) AssetBalance(asset models.Address) decimal.Decimal {
	return v.bank.BalanceOf(asset, v.address)
}

// SharesBalanceOf возвращает количество долей account
func (v *Vault) SharesBalanceOf(account models.Address) decimal.Decimal {
	if bal, ok := v.state.shares[account]; ok {
		return bal
	}
	return decimal.Zero
}

// TotalShares возвращает общее количество долей
func (v *Vault) TotalShares() decimal.Decimal { return v.state.totalShares }

// CanMigrate проверяет, может ли who управлять миграцией и реконфигурацией
func (v *Vault) CanMigrate(who models.Address) bool {
	if who.IsZero() {
		return false
	}
	return who == v.owner || who == v.state.migrator
}

// ============ Управление доступом ============

// SetAccessor назначает новый роутер (только dispatcher)
func (v *Vault) SetAccessor(caller, next models.Address) error {
	if caller != v.dispatcher {
		return fault.ErrUnauthorized
	}
	prev := v.state.accessor
	v.state.accessor = next
	v.emit(models.EventAccessorSet, map[string]interface{}{
		"prev_accessor": prev,
		"next_accessor": next,
	})
	return nil
}

// SetMigrator назначает делегированного мигратора (только владелец)
func (v *Vault) SetMigrator(caller, migrator models.Address) error {
	if caller != v.owner {
		return fault.ErrUnauthorized
	}
	prev := v.state.migrator
	v.state.migrator = migrator
	v.emit(models.EventMigratorSet, map[string]interface{}{
		"prev_migrator": prev,
		"next_migrator": migrator,
	})
	return nil
}

// ============ Отслеживаемые активы ============

// AddTrackedAsset добавляет актив в набор (no-op если уже отслеживается)
func (v *Vault) AddTrackedAsset(caller, asset models.Address) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	return v.addTrackedAsset(asset)
}

// RemoveTrackedAsset удаляет актив из набора
//
// Операция best-effort: no-op (без ошибки), если актив не отслеживается,
// помечен persistent или на балансе фонда ещё есть остаток.
func (v *Vault) RemoveTrackedAsset(caller, asset models.Address) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	v.removeTrackedAsset(asset)
	return nil
}

// AddPersistentlyTrackedAsset добавляет актив и помечает его persistent
func (v *Vault) AddPersistentlyTrackedAsset(caller, asset models.Address) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if err := v.addTrackedAsset(asset); err != nil {
		return err
	}
	if v.state.persistent[asset] {
		return nil
	}
	v.state.persistent[asset] = true
	v.emit(models.EventPersistentlyTrackedAssetAdded, map[string]interface{}{"asset": asset})
	return nil
}

// RemovePersistentlyTrackedAsset снимает флаг persistent
//
// No-op, если флага нет. После снятия флага применяется то же правило
// очистки, что и в RemoveTrackedAsset.
func (v *Vault) RemovePersistentlyTrackedAsset(caller, asset models.Address) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if !v.state.persistent[asset] {
		return nil
	}
	delete(v.state.persistent, asset)
	v.emit(models.EventPersistentlyTrackedAssetRemoved, map[string]interface{}{"asset": asset})
	v.removeTrackedAsset(asset)
	return nil
}

// ============ Движение активов ============

// WithdrawAssetTo переводит amount актива на target
//
// Если после перевода баланс нулевой и актив не persistent - актив
// неявно удаляется из набора.
func (v *Vault) WithdrawAssetTo(caller, asset, target models.Address, amount decimal.Decimal) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if asset == v.address {
		return fault.ErrCannotActOnShares
	}
	if err := v.bank.Transfer(asset, v.address, target, amount); err != nil {
		return err
	}
	v.emit(models.EventAssetWithdrawn, map[string]interface{}{
		"asset":  asset,
		"target": target,
		"amount": amount.String(),
	})
	v.removeTrackedAsset(asset)
	return nil
}

// ApproveAssetSpender выдаёт spender разрешение на списание актива фонда
func (v *Vault) ApproveAssetSpender(caller, asset, spender models.Address, amount decimal.Decimal) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if asset == v.address {
		return fault.ErrCannotActOnShares
	}
	if err := v.bank.Approve(asset, v.address, spender, amount); err != nil {
		return err
	}
	v.emit(models.EventAssetSpenderApproved, map[string]interface{}{
		"asset":   asset,
		"spender": spender,
		"amount":  amount.String(),
	})
	return nil
}

// ============ Доли ============

// MintShares выпускает amount долей на счёт to
func (v *Vault) MintShares(caller, to models.Address, amount decimal.Decimal) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if to.IsZero() {
		return fault.ErrZeroAccount
	}
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	v.state.shares[to] = v.SharesBalanceOf(to).Add(amount)
	v.state.totalShares = v.state.totalShares.Add(amount)
	v.emit(models.EventSharesMinted, map[string]interface{}{
		"to":     to,
		"amount": amount.String(),
	})
	return nil
}

// BurnShares сжигает amount долей со счёта from
func (v *Vault) BurnShares(caller, from models.Address, amount decimal.Decimal) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if from.IsZero() {
		return fault.ErrZeroAccount
	}
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	bal := v.SharesBalanceOf(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s shares, burn %s", fault.ErrInsufficientBalance, from, bal, amount)
	}
	v.setShares(from, bal.Sub(amount))
	v.state.totalShares = v.state.totalShares.Sub(amount)
	v.emit(models.EventSharesBurned, map[string]interface{}{
		"from":   from,
		"amount": amount.String(),
	})
	return nil
}

// TransferShares переводит amount долей от from к to
func (v *Vault) TransferShares(caller, from, to models.Address, amount decimal.Decimal) error {
	if err := v.onlyAccessor(caller); err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return fault.ErrZeroAccount
	}
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	bal := v.SharesBalanceOf(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s shares, transfer %s", fault.ErrInsufficientBalance, from, bal, amount)
	}
	v.setShares(from, bal.Sub(amount))
	v.setShares(to, v.SharesBalanceOf(to).Add(amount))
	v.emit(models.EventSharesTransferred, map[string]interface{}{
		"from":   from,
		"to":     to,
		"amount": amount.String(),
	})
	return nil
}

// ============ Внутренние ============

func (v *Vault) onlyAccessor(caller models.Address) error {
	if caller.IsZero() || caller != v.state.accessor {
		return fault.ErrUnauthorized
	}
	return nil
}

func (v *Vault) addTrackedAsset(asset models.Address) error {
	if asset == v.address {
		return fault.ErrCannotActOnShares
	}
	if asset.IsZero() {
		return fault.ErrInvalidAddress
	}
	if v.IsTrackedAsset(asset) {
		return nil
	}
	if len(v.state.trackedAssets) >= v.maxTracked {
		return fmt.Errorf("%w: cap %d, adding %s", fault.ErrLimitExceeded, v.maxTracked, asset)
	}
	v.state.trackedAssets = append(v.state.trackedAssets, asset)
	v.emit(models.EventTrackedAssetAdded, map[string]interface{}{"asset": asset})
	return nil
}

func (v *Vault) removeTrackedAsset(asset models.Address) {
	idx := v.indexOf(asset)
	if idx < 0 || v.state.persistent[asset] || !v.AssetBalance(asset).IsZero() {
		return
	}
	// Сохраняем порядок набора
	v.state.trackedAssets = append(v.state.trackedAssets[:idx], v.state.trackedAssets[idx+1:]...)
	v.emit(models.EventTrackedAssetRemoved, map[string]interface{}{"asset": asset})
}

func (v *Vault) indexOf(asset models.Address) int {
	for i, a := range v.state.trackedAssets {
		if a == asset {
			return i
		}
	}
	return -1
}

func (v *Vault) setShares(account models.Address, amount decimal.Decimal) {
	if amount.IsZero() {
		delete(v.state.shares, account)
		return
	}
	v.state.shares[account] = amount
}

func (v *Vault) emit(eventType string, data map[string]interface{}) {
	v.env.Emit(models.Event{
		Type:  eventType,
		Vault: v.address,
		Fund:  v.state.accessor,
		Data:  data,
	})
}

// Snapshot реализует chain.Stateful
func (v *Vault) Snapshot() interface{} {
	return v.state.clone()
}

// Restore реализует chain.Stateful
func (v *Vault) Restore(snapshot interface{}) {
	v.state = snapshot.(vaultState)
}
