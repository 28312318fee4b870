package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"fundsettle/internal/exchange"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
)

// RewardsAdapter - получение наград пула (claimRewards)
//
// Активы фонда не двигаются до вызова, награда приходит фонду напрямую.
type RewardsAdapter struct {
	address models.Address
	pool    *exchange.LendingPool
}

// NewRewardsAdapter создает адаптер наград
func NewRewardsAdapter(address models.Address, pool *exchange.LendingPool) *RewardsAdapter {
	return &RewardsAdapter{address: address, pool: pool}
}

// Address реализует integration.Adapter
func (a *RewardsAdapter) Address() models.Address { return a.address }

// Identifier реализует integration.Adapter
func (a *RewardsAdapter) Identifier() string { return "rewards:" + a.pool.GetName() }

// ParseAssetsForAction реализует integration.Adapter
func (a *RewardsAdapter) ParseAssetsForAction(_ models.Address, selector models.Selector, _ []byte) (integration.ActionAssets, error) {
	if selector != models.SelectorClaimRewards {
		return integration.ActionAssets{}, unknownSelector(a.Identifier(), selector)
	}
	return integration.ActionAssets{
		IncomingAssets:     []models.Address{a.pool.RewardAsset()},
		MinIncomingAmounts: []decimal.Decimal{decimal.Zero},
		HandleType:         models.HandleNone,
	}, nil
}

// Execute реализует integration.Adapter
func (a *RewardsAdapter) Execute(ctx context.Context, vault models.Address, selector models.Selector, _ []byte, _ integration.ActionAssets) error {
	if selector != models.SelectorClaimRewards {
		return unknownSelector(a.Identifier(), selector)
	}
	_, err := a.pool.ClaimRewards(ctx, vault)
	return err
}
