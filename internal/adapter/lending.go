package adapter

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/exchange"
	"fundsettle/internal/fault"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
)

// LendingAdapter - депозит в пул (lend) и вывод из него (redeem)
//
// lend работает через разрешение: пул сам списывает базовый актив фонда
// в пределах allowance адаптера. redeem переводит квитанции адаптеру,
// который сжигает их в пуле с выплатой фонду.
type LendingAdapter struct {
	address models.Address
	pool    *exchange.LendingPool
}

// NewLendingAdapter создает адаптер пула
func NewLendingAdapter(address models.Address, pool *exchange.LendingPool) *LendingAdapter {
	return &LendingAdapter{address: address, pool: pool}
}

// Address реализует integration.Adapter
func (a *LendingAdapter) Address() models.Address { return a.address }

// Identifier реализует integration.Adapter
func (a *LendingAdapter) Identifier() string { return "lending:" + a.pool.GetName() }

// ParseAssetsForAction реализует integration.Adapter
func (a *LendingAdapter) ParseAssetsForAction(_ models.Address, selector models.Selector, raw []byte) (integration.ActionAssets, error) {
	switch selector {
	case models.SelectorLend:
		args, market, err := a.decodeLend(raw)
		if err != nil {
			return integration.ActionAssets{}, err
		}
		return integration.ActionAssets{
			SpendAssets:        []models.Address{args.Underlying},
			SpendAmounts:       []decimal.Decimal{args.Amount},
			IncomingAssets:     []models.Address{market.Receipt},
			MinIncomingAmounts: []decimal.Decimal{args.MinReceiptAmount},
			HandleType:         models.HandleApprove,
		}, nil
	case models.SelectorRedeem:
		args, market, err := a.decodeRedeem(raw)
		if err != nil {
			return integration.ActionAssets{}, err
		}
		return integration.ActionAssets{
			SpendAssets:        []models.Address{args.Receipt},
			SpendAmounts:       []decimal.Decimal{args.Amount},
			IncomingAssets:     []models.Address{market.Underlying},
			MinIncomingAmounts: []decimal.Decimal{args.MinUnderlyingAmount},
			HandleType:         models.HandleTransfer,
		}, nil
	default:
		return integration.ActionAssets{}, unknownSelector(a.Identifier(), selector)
	}
}

// Execute реализует integration.Adapter
func (a *LendingAdapter) Execute(ctx context.Context, vault models.Address, selector models.Selector, raw []byte, _ integration.ActionAssets) error {
	switch selector {
	case models.SelectorLend:
		args, _, err := a.decodeLend(raw)
		if err != nil {
			return err
		}
		_, err = a.pool.Deposit(ctx, a.address, vault, args.Underlying, args.Amount, vault)
		return err
	case models.SelectorRedeem:
		args, _, err := a.decodeRedeem(raw)
		if err != nil {
			return err
		}
		_, err = a.pool.Redeem(ctx, a.address, args.Receipt, args.Amount, vault)
		return err
	default:
		return unknownSelector(a.Identifier(), selector)
	}
}

func (a *LendingAdapter) decodeLend(raw []byte) (LendArgs, exchange.Market, error) {
	var args LendArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, exchange.Market{}, err
	}
	var err error
	if args.Underlying, err = requireAsset("underlying", args.Underlying); err != nil {
		return args, exchange.Market{}, err
	}
	if err := requirePositive("amount", args.Amount); err != nil {
		return args, exchange.Market{}, err
	}
	market, err := a.pool.Market(args.Underlying)
	if err != nil {
		return args, exchange.Market{}, fmt.Errorf("%w: %v", fault.ErrInvalidArgs, err)
	}
	return args, market, nil
}

func (a *LendingAdapter) decodeRedeem(raw []byte) (RedeemArgs, exchange.Market, error) {
	var args RedeemArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, exchange.Market{}, err
	}
	var err error
	if args.Receipt, err = requireAsset("receipt", args.Receipt); err != nil {
		return args, exchange.Market{}, err
	}
	if err := requirePositive("amount", args.Amount); err != nil {
		return args, exchange.Market{}, err
	}
	market, err := a.pool.MarketByReceipt(args.Receipt)
	if err != nil {
		return args, exchange.Market{}, fmt.Errorf("%w: %v", fault.ErrInvalidArgs, err)
	}
	return args, market, nil
}
