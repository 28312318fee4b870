package token

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// Bank - учёт балансов и разрешений (allowance) по всем активам
//
// Это субстрат хранения: балансы фондов, адаптеров, внешних протоколов
// и инвесторов. Все суммы неотрицательны. Состояние откатывается вместе
// с единицей работы (реализует chain.Stateful).
type Bank struct {
	balances   map[models.Address]map[models.Address]decimal.Decimal // asset → holder → amount
	allowances map[allowanceKey]decimal.Decimal
}

type allowanceKey struct {
	Asset   models.Address
	Owner   models.Address
	Spender models.Address
}

type bankSnapshot struct {
	balances   map[models.Address]map[models.Address]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
}

// NewBank создает пустой Bank
func NewBank() *Bank {
	return &Bank{
		balances:   make(map[models.Address]map[models.Address]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
	}
}

// BalanceOf возвращает баланс holder по активу asset
func (b *Bank) BalanceOf(asset, holder models.Address) decimal.Decimal {
	if holders, ok := b.balances[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return bal
		}
	}
	return decimal.Zero
}

// Allowance возвращает разрешение spender на списание с owner
func (b *Bank) Allowance(asset, owner, spender models.Address) decimal.Decimal {
	if v, ok := b.allowances[allowanceKey{asset, owner, spender}]; ok {
		return v
	}
	return decimal.Zero
}

// Mint зачисляет amount на баланс to (эмиссия внешнего актива)
func (b *Bank) Mint(asset, to models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	if to.IsZero() {
		return fault.ErrZeroAccount
	}
	b.setBalance(asset, to, b.BalanceOf(asset, to).Add(amount))
	return nil
}

// Burn списывает amount с баланса from
func (b *Bank) Burn(asset, from models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	bal := b.BalanceOf(asset, from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s of %s, need %s", fault.ErrInsufficientBalance, from, bal, asset, amount)
	}
	b.setBalance(asset, from, bal.Sub(amount))
	return nil
}

// Transfer переводит amount актива asset от from к to
func (b *Bank) Transfer(asset, from, to models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	if to.IsZero() {
		return fault.ErrZeroAccount
	}
	if amount.IsZero() || from == to {
		return nil
	}

	bal := b.BalanceOf(asset, from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s of %s, need %s", fault.ErrInsufficientBalance, from, bal, asset, amount)
	}

	b.setBalance(asset, from, bal.Sub(amount))
	b.setBalance(asset, to, b.BalanceOf(asset, to).Add(amount))
	return nil
}

// Approve устанавливает разрешение spender на списание с owner
//
// Нулевая сумма отзывает разрешение.
func (b *Bank) Approve(asset, owner, spender models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	key := allowanceKey{asset, owner, spender}
	if amount.IsZero() {
		delete(b.allowances, key)
		return nil
	}
	b.allowances[key] = amount
	return nil
}

// TransferFrom переводит amount от from к to в пределах разрешения spender
func (b *Bank) TransferFrom(asset, spender, from, to models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fault.ErrInvalidAmount
	}
	allowed := b.Allowance(asset, from, spender)
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s from %s, need %s",
			ErrInsufficientAllowance, spender, allowed, asset, from, amount)
	}
	if err := b.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	return b.Approve(asset, from, spender, allowed.Sub(amount))
}

// ErrInsufficientAllowance - разрешения на списание недостаточно
var ErrInsufficientAllowance = fault.InvariantError("insufficient allowance")

func (b *Bank) setBalance(asset, holder models.Address, amount decimal.Decimal) {
	holders, ok := b.balances[asset]
	if !ok {
		holders = make(map[models.Address]decimal.Decimal)
		b.balances[asset] = holders
	}
	if amount.IsZero() {
		delete(holders, holder)
		return
	}
	holders[holder] = amount
}

// Snapshot реализует chain.Stateful
func (b *Bank) Snapshot() interface{} {
	s := bankSnapshot{
		balances:   make(map[models.Address]map[models.Address]decimal.Decimal, len(b.balances)),
		allowances: make(map[allowanceKey]decimal.Decimal, len(b.allowances)),
	}
	for asset, holders := range b.balances {
		cp := make(map[models.Address]decimal.Decimal, len(holders))
		for h, v := range holders {
			cp[h] = v
		}
		s.balances[asset] = cp
	}
	for k, v := range b.allowances {
		s.allowances[k] = v
	}
	return s
}

// Restore реализует chain.Stateful
func (b *Bank) Restore(snapshot interface{}) {
	s := snapshot.(bankSnapshot)
	b.balances = s.balances
	b.allowances = s.allowances
}
