package integration

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// ActionAssets - разбор вызова адаптером: какие активы уйдут и какие придут
type ActionAssets struct {
	IncomingAssets     []models.Address
	MinIncomingAmounts []decimal.Decimal
	SpendAssets        []models.Address
	SpendAmounts       []decimal.Decimal
	HandleType         models.HandleType
}

// Adapter - плагин внешнего протокола
//
// ParseAssetsForAction не меняет состояние. Execute выполняет действие:
// к моменту вызова шлюз уже перевёл спенд-активы адаптеру (Transfer) или
// выдал ему allowance (Approve). Полученные активы адаптер обязан вернуть
// на адрес фонда vault.
type Adapter interface {
	Address() models.Address
	Identifier() string
	ParseAssetsForAction(vault models.Address, selector models.Selector, args []byte) (ActionAssets, error)
	Execute(ctx context.Context, vault models.Address, selector models.Selector, args []byte, assets ActionAssets) error
}

// Validate проверяет согласованность разбора
func (a ActionAssets) Validate() error {
	if !a.HandleType.IsValid() {
		return fmt.Errorf("%w: handle type %q", fault.ErrInvalidArgs, a.HandleType)
	}
	if len(a.IncomingAssets) != len(a.MinIncomingAmounts) || len(a.SpendAssets) != len(a.SpendAmounts) {
		return fault.ErrMismatchedArrays
	}
	if err := assertUnique(a.IncomingAssets); err != nil {
		return err
	}
	if err := assertUnique(a.SpendAssets); err != nil {
		return err
	}
	// Актив с обеих сторон посчитался бы дважды при сверке балансов
	for _, in := range a.IncomingAssets {
		for _, out := range a.SpendAssets {
			if in == out {
				return fmt.Errorf("%w: %s is both spent and incoming", fault.ErrDuplicateAsset, in)
			}
		}
	}
	for _, amt := range a.MinIncomingAmounts {
		if amt.IsNegative() {
			return fault.ErrInvalidAmount
		}
	}
	for _, amt := range a.SpendAmounts {
		if amt.IsNegative() {
			return fault.ErrInvalidAmount
		}
	}
	return nil
}

func assertUnique(assets []models.Address) error {
	seen := make(map[models.Address]struct{}, len(assets))
	for _, a := range assets {
		if a.IsZero() {
			return fault.ErrInvalidAddress
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: %s", fault.ErrDuplicateAsset, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}
