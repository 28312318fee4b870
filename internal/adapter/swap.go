package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"fundsettle/internal/exchange"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
)

// SwapAdapter - обмен через площадку (takeOrder)
//
// Шлюз переводит продаваемый актив на адрес адаптера, адаптер продаёт
// его на площадке с выплатой покупаемого актива сразу фонду.
type SwapAdapter struct {
	address models.Address
	venue   exchange.Swapper
}

// NewSwapAdapter создает адаптер обмена
func NewSwapAdapter(address models.Address, venue exchange.Swapper) *SwapAdapter {
	return &SwapAdapter{address: address, venue: venue}
}

// Address реализует integration.Adapter
func (a *SwapAdapter) Address() models.Address { return a.address }

// Identifier реализует integration.Adapter
func (a *SwapAdapter) Identifier() string { return "swap:" + a.venue.GetName() }

// ParseAssetsForAction реализует integration.Adapter
func (a *SwapAdapter) ParseAssetsForAction(_ models.Address, selector models.Selector, raw []byte) (integration.ActionAssets, error) {
	if selector != models.SelectorTakeOrder {
		return integration.ActionAssets{}, unknownSelector(a.Identifier(), selector)
	}
	args, err := a.decode(raw)
	if err != nil {
		return integration.ActionAssets{}, err
	}
	return integration.ActionAssets{
		SpendAssets:        []models.Address{args.OutgoingAsset},
		SpendAmounts:       []decimal.Decimal{args.OutgoingAmount},
		IncomingAssets:     []models.Address{args.IncomingAsset},
		MinIncomingAmounts: []decimal.Decimal{args.MinIncomingAmount},
		HandleType:         models.HandleTransfer,
	}, nil
}

// Execute реализует integration.Adapter
func (a *SwapAdapter) Execute(ctx context.Context, vault models.Address, selector models.Selector, raw []byte, _ integration.ActionAssets) error {
	if selector != models.SelectorTakeOrder {
		return unknownSelector(a.Identifier(), selector)
	}
	args, err := a.decode(raw)
	if err != nil {
		return err
	}
	_, err = a.venue.Swap(ctx, a.address, args.OutgoingAsset, args.OutgoingAmount, args.IncomingAsset, vault)
	return err
}

func (a *SwapAdapter) decode(raw []byte) (TakeOrderArgs, error) {
	var args TakeOrderArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, err
	}
	var err error
	if args.OutgoingAsset, err = requireAsset("outgoing_asset", args.OutgoingAsset); err != nil {
		return args, err
	}
	if args.IncomingAsset, err = requireAsset("incoming_asset", args.IncomingAsset); err != nil {
		return args, err
	}
	if err := requirePositive("outgoing_amount", args.OutgoingAmount); err != nil {
		return args, err
	}
	return args, nil
}
