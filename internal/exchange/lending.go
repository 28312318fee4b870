package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/models"
	"fundsettle/internal/token"
)

// LendingPool - площадка депозитов с токеном-квитанцией
//
// На каждый базовый актив рынок выпускает квитанцию по курсу
// exchangeRate (квитанций за единицу базового актива). Награды
// начисляются держателям квитанций извне (AccrueRewards) и выдаются
// через ClaimRewards.
type LendingPool struct {
	bank        *token.Bank
	name        string
	address     models.Address
	rewardAsset models.Address

	state poolState
}

// Market - рынок пула
type Market struct {
	Underlying   models.Address  `json:"underlying"`
	Receipt      models.Address  `json:"receipt"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

type poolState struct {
	markets  map[models.Address]Market         // underlying → market
	receipts map[models.Address]models.Address // receipt → underlying
	rewards  map[models.Address]decimal.Decimal
}

// NewLendingPool создает пул; rewardAsset - актив наград
func NewLendingPool(bank *token.Bank, name string, address, rewardAsset models.Address) *LendingPool {
	return &LendingPool{
		bank:        bank,
		name:        name,
		address:     address,
		rewardAsset: rewardAsset,
		state: poolState{
			markets:  make(map[models.Address]Market),
			receipts: make(map[models.Address]models.Address),
			rewards:  make(map[models.Address]decimal.Decimal),
		},
	}
}

// GetName реализует Venue
func (p *LendingPool) GetName() string { return p.name }

// Address реализует Venue
func (p *LendingPool) Address() models.Address { return p.address }

// RewardAsset возвращает актив наград
func (p *LendingPool) RewardAsset() models.Address { return p.rewardAsset }

// ListMarket открывает рынок underlying с квитанцией receipt
func (p *LendingPool) ListMarket(underlying, receipt models.Address, exchangeRate decimal.Decimal) error {
	if !exchangeRate.IsPositive() {
		return venueError(p.name, CodeInvalidAmount, fmt.Sprintf("exchange rate must be positive, got %s", exchangeRate), nil)
	}
	if underlying.IsZero() || receipt.IsZero() || underlying == receipt {
		return venueError(p.name, CodeUnknownMarket, "invalid market assets", ErrUnknownMarket)
	}
	p.state.markets[underlying] = Market{Underlying: underlying, Receipt: receipt, ExchangeRate: exchangeRate}
	p.state.receipts[receipt] = underlying
	return nil
}

// Market возвращает рынок по базовому активу
func (p *LendingPool) Market(underlying models.Address) (Market, error) {
	m, ok := p.state.markets[underlying]
	if !ok {
		return Market{}, venueError(p.name, CodeUnknownMarket, fmt.Sprintf("no market for %s", underlying), ErrUnknownMarket)
	}
	return m, nil
}

// MarketByReceipt возвращает рынок по токену-квитанции
func (p *LendingPool) MarketByReceipt(receipt models.Address) (Market, error) {
	underlying, ok := p.state.receipts[receipt]
	if !ok {
		return Market{}, venueError(p.name, CodeUnknownMarket, fmt.Sprintf("%s is not a receipt token", receipt), ErrUnknownMarket)
	}
	return p.state.markets[underlying], nil
}

// Deposit списывает underlying у from в пределах разрешения spender и выдаёт квитанции recipient
func (p *LendingPool) Deposit(
	ctx context.Context,
	spender, from models.Address,
	underlying models.Address,
	amount decimal.Decimal,
	recipient models.Address,
) (decimal.Decimal, error) {
	if err := checkContext(ctx, p.name); err != nil {
		return decimal.Zero, err
	}
	m, err := p.Market(underlying)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, venueError(p.name, CodeInvalidAmount, "deposit must be positive", nil)
	}
	if err := p.bank.TransferFrom(underlying, spender, from, p.address, amount); err != nil {
		return decimal.Zero, venueError(p.name, CodeInvalidAmount, "collect deposit", err)
	}
	minted := amount.Mul(m.ExchangeRate)
	if err := p.bank.Mint(m.Receipt, recipient, minted); err != nil {
		return decimal.Zero, err
	}
	return minted, nil
}

// Redeem сжигает квитанции holder и выплачивает underlying на recipient
func (p *LendingPool) Redeem(
	ctx context.Context,
	holder models.Address,
	receipt models.Address,
	amount decimal.Decimal,
	recipient models.Address,
) (decimal.Decimal, error) {
	if err := checkContext(ctx, p.name); err != nil {
		return decimal.Zero, err
	}
	m, err := p.MarketByReceipt(receipt)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, venueError(p.name, CodeInvalidAmount, "redeem must be positive", nil)
	}
	out := amount.Div(m.ExchangeRate)
	if reserve := p.bank.BalanceOf(m.Underlying, p.address); reserve.LessThan(out) {
		return decimal.Zero, venueError(p.name, CodeInsufficientLiquidity,
			fmt.Sprintf("reserve %s of %s, need %s", reserve, m.Underlying, out), ErrInsufficientLiquidity)
	}
	if err := p.bank.Burn(receipt, holder, amount); err != nil {
		return decimal.Zero, venueError(p.name, CodeInvalidAmount, "burn receipt", err)
	}
	if err := p.bank.Transfer(m.Underlying, p.address, recipient, out); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// AccrueRewards начисляет награды account
func (p *LendingPool) AccrueRewards(account models.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return venueError(p.name, CodeInvalidAmount, "negative reward", nil)
	}
	p.state.rewards[account] = p.state.rewards[account].Add(amount)
	return nil
}

// AccruedRewards возвращает невыданные награды account
func (p *LendingPool) AccruedRewards(account models.Address) decimal.Decimal {
	return p.state.rewards[account]
}

// ClaimRewards выдаёт накопленные награды account на его же адрес
func (p *LendingPool) ClaimRewards(ctx context.Context, account models.Address) (decimal.Decimal, error) {
	if err := checkContext(ctx, p.name); err != nil {
		return decimal.Zero, err
	}
	amount := p.state.rewards[account]
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if err := p.bank.Mint(p.rewardAsset, account, amount); err != nil {
		return decimal.Zero, err
	}
	delete(p.state.rewards, account)
	return amount, nil
}

// Snapshot реализует chain.Stateful
func (p *LendingPool) Snapshot() interface{} {
	cp := poolState{
		markets:  make(map[models.Address]Market, len(p.state.markets)),
		receipts: make(map[models.Address]models.Address, len(p.state.receipts)),
		rewards:  make(map[models.Address]decimal.Decimal, len(p.state.rewards)),
	}
	for k, v := range p.state.markets {
		cp.markets[k] = v
	}
	for k, v := range p.state.receipts {
		cp.receipts[k] = v
	}
	for k, v := range p.state.rewards {
		cp.rewards[k] = v
	}
	return cp
}

// Restore реализует chain.Stateful
func (p *LendingPool) Restore(snapshot interface{}) {
	p.state = snapshot.(poolState)
}
