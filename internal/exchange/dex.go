package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/models"
	"fundsettle/internal/token"
)

// Dex - площадка обмена по фиксированному курсу
//
// Курс задаётся на направленную пару (sell → buy) как количество buy за
// единицу sell. Комиссия удерживается из полученного. Коэффициент
// исполнения < 1 моделирует площадку, отдающую меньше котировки.
type Dex struct {
	bank    *token.Bank
	name    string
	address models.Address

	state dexState
}

type pairKey struct {
	Sell models.Address
	Buy  models.Address
}

type dexState struct {
	rates    map[pairKey]decimal.Decimal
	fee      decimal.Decimal
	delivery decimal.Decimal
}

// NewDex создает площадку обмена
func NewDex(bank *token.Bank, name string, address models.Address) *Dex {
	return &Dex{
		bank:    bank,
		name:    name,
		address: address,
		state: dexState{
			rates:    make(map[pairKey]decimal.Decimal),
			fee:      decimal.Zero,
			delivery: decimal.NewFromInt(1),
		},
	}
}

// GetName реализует Venue
func (d *Dex) GetName() string { return d.name }

// Address реализует Venue
func (d *Dex) Address() models.Address { return d.address }

// SetRate задает курс пары sell → buy
func (d *Dex) SetRate(sell, buy models.Address, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return venueError(d.name, CodeInvalidAmount, fmt.Sprintf("rate must be positive, got %s", rate), nil)
	}
	d.state.rates[pairKey{sell, buy}] = rate
	return nil
}

// SetFee задает комиссию (доля от полученного, [0, 1))
func (d *Dex) SetFee(fee decimal.Decimal) error {
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return venueError(d.name, CodeInvalidAmount, fmt.Sprintf("fee out of range: %s", fee), nil)
	}
	d.state.fee = fee
	return nil
}

// SetDeliveryFactor задает долю котировки, которую площадка реально отдаёт
func (d *Dex) SetDeliveryFactor(factor decimal.Decimal) error {
	if factor.IsNegative() {
		return venueError(d.name, CodeInvalidAmount, fmt.Sprintf("negative delivery factor: %s", factor), nil)
	}
	d.state.delivery = factor
	return nil
}

// Quote реализует Swapper
func (d *Dex) Quote(sellAsset models.Address, sellAmount decimal.Decimal, buyAsset models.Address) (decimal.Decimal, error) {
	if sellAmount.IsNegative() {
		return decimal.Zero, venueError(d.name, CodeInvalidAmount, "negative sell amount", nil)
	}
	rate, ok := d.state.rates[pairKey{sellAsset, buyAsset}]
	if !ok {
		return decimal.Zero, venueError(d.name, CodeUnknownPair,
			fmt.Sprintf("no market %s/%s", sellAsset, buyAsset), ErrUnknownPair)
	}
	return sellAmount.Mul(rate).Mul(decimal.NewFromInt(1).Sub(d.state.fee)), nil
}

// Swap реализует Swapper
func (d *Dex) Swap(
	ctx context.Context,
	payer models.Address,
	sellAsset models.Address,
	sellAmount decimal.Decimal,
	buyAsset, recipient models.Address,
) (decimal.Decimal, error) {
	if err := checkContext(ctx, d.name); err != nil {
		return decimal.Zero, err
	}
	quoted, err := d.Quote(sellAsset, sellAmount, buyAsset)
	if err != nil {
		return decimal.Zero, err
	}
	bought := quoted.Mul(d.state.delivery)

	if reserve := d.bank.BalanceOf(buyAsset, d.address); reserve.LessThan(bought) {
		return decimal.Zero, venueError(d.name, CodeInsufficientLiquidity,
			fmt.Sprintf("reserve %s of %s, need %s", reserve, buyAsset, bought), ErrInsufficientLiquidity)
	}
	if err := d.bank.Transfer(sellAsset, payer, d.address, sellAmount); err != nil {
		return decimal.Zero, venueError(d.name, CodeInvalidAmount, "collect sell asset", err)
	}
	if err := d.bank.Transfer(buyAsset, d.address, recipient, bought); err != nil {
		return decimal.Zero, venueError(d.name, CodeInsufficientLiquidity, "pay buy asset", err)
	}
	return bought, nil
}

// Snapshot реализует chain.Stateful
func (d *Dex) Snapshot() interface{} {
	cp := dexState{
		rates:    make(map[pairKey]decimal.Decimal, len(d.state.rates)),
		fee:      d.state.fee,
		delivery: d.state.delivery,
	}
	for k, v := range d.state.rates {
		cp.rates[k] = v
	}
	return cp
}

// Restore реализует chain.Stateful
func (d *Dex) Restore(snapshot interface{}) {
	d.state = snapshot.(dexState)
}
