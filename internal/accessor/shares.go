package accessor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/policy"
)

// BuyShares выпускает доли в обмен на investment в валюте фонда
//
// Цена доли - GAV / totalShares до вложения; первый выпуск идёт 1:1.
// Возвращает количество выпущенных долей.
func (r *ActionRouter) BuyShares(buyer models.Address, investment, minShares decimal.Decimal) (decimal.Decimal, error) {
	if err := r.assertActive(); err != nil {
		return decimal.Zero, err
	}
	if buyer.IsZero() {
		return decimal.Zero, fault.ErrZeroAccount
	}
	if !investment.IsPositive() {
		return decimal.Zero, fault.ErrInvalidAmount
	}

	var shares decimal.Decimal
	err := r.env.Atomic(func() error {
		if err := r.feeEngine.SettleFees(r.address, FeeHookBuyShares); err != nil {
			return err
		}

		v := r.state.vault
		total := v.TotalShares()
		if total.IsZero() {
			shares = investment
		} else {
			gav, valid := r.CalcGav()
			if !valid {
				return fmt.Errorf("%w: cannot price fund holdings", fault.ErrUnpricedAsset)
			}
			if !gav.IsPositive() {
				return fmt.Errorf("%w: fund has shares but zero value", fault.ErrInvalidAmount)
			}
			shares = investment.Mul(total).Div(gav)
		}
		if shares.LessThan(minShares) {
			return fmt.Errorf("%w: %s < %s", fault.ErrSharesBelowMinimum, shares, minShares)
		}

		if err := r.bank.Transfer(r.denominationAsset, buyer, v.Address(), investment); err != nil {
			return err
		}
		if err := v.MintShares(r.address, buyer, shares); err != nil {
			return err
		}
		r.state.lastSharesAction[buyer] = r.env.Now()

		if err := r.ValidatePolicies(policy.HookPostBuyShares, policy.RuleArgs{
			Caller:     buyer,
			Investor:   buyer,
			Investment: investment,
			Shares:     shares,
		}); err != nil {
			return err
		}

		r.emit(models.EventSharesBought, map[string]interface{}{
			"buyer":      buyer,
			"investment": investment.String(),
			"shares":     shares.String(),
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return shares, nil
}

// RedeemSharesInKind сжигает shares долей и выплачивает пропорциональную
// часть каждого отслеживаемого актива на recipient
func (r *ActionRouter) RedeemSharesInKind(redeemer, recipient models.Address, shares decimal.Decimal) ([]Payout, error) {
	if err := r.assertActive(); err != nil {
		return nil, err
	}
	if !shares.IsPositive() {
		return nil, fault.ErrInvalidAmount
	}
	if recipient.IsZero() {
		recipient = redeemer
	}
	if err := r.assertSharesActionAllowed(redeemer); err != nil {
		return nil, err
	}

	v := r.state.vault
	if bal := v.SharesBalanceOf(redeemer); bal.LessThan(shares) {
		return nil, fmt.Errorf("%w: %s holds %s, redeem %s", fault.ErrInsufficientShares, redeemer, bal, shares)
	}

	var payouts []Payout
	err := r.env.Atomic(func() error {
		if err := r.ValidatePolicies(policy.HookPreRedeemShares, policy.RuleArgs{
			Caller:    redeemer,
			Investor:  redeemer,
			Recipient: recipient,
			Shares:    shares,
		}); err != nil {
			return err
		}
		if err := r.feeEngine.SettleFees(r.address, FeeHookRedeemShares); err != nil {
			return err
		}

		total := v.TotalShares()
		// Суммы считаются до вывода: вывод может убрать актив из набора
		for _, asset := range v.TrackedAssets() {
			bal := v.AssetBalance(asset)
			if bal.IsZero() {
				continue
			}
			amount := bal
			if !shares.Equal(total) {
				amount = decimal.Min(bal, bal.Mul(shares).Div(total))
			}
			if amount.IsPositive() {
				payouts = append(payouts, Payout{Asset: asset, Amount: amount})
			}
		}

		if err := v.BurnShares(r.address, redeemer, shares); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := v.WithdrawAssetTo(r.address, p.Asset, recipient, p.Amount); err != nil {
				return fmt.Errorf("payout %s: %w", p.Asset, err)
			}
		}

		payoutData := make([]map[string]interface{}, 0, len(payouts))
		for _, p := range payouts {
			payoutData = append(payoutData, map[string]interface{}{"asset": p.Asset, "amount": p.Amount.String()})
		}
		r.emit(models.EventSharesRedeemed, map[string]interface{}{
			"redeemer":  redeemer,
			"recipient": recipient,
			"shares":    shares.String(),
			"payouts":   payoutData,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

// TransferShares переводит доли между инвесторами
func (r *ActionRouter) TransferShares(from, to models.Address, amount decimal.Decimal) error {
	if err := r.assertActive(); err != nil {
		return err
	}
	if err := r.assertSharesActionAllowed(from); err != nil {
		return err
	}

	return r.env.Atomic(func() error {
		if err := r.ValidatePolicies(policy.HookPreTransferShares, policy.RuleArgs{
			Caller:    from,
			Investor:  from,
			Recipient: to,
			Shares:    amount,
		}); err != nil {
			return err
		}
		return r.state.vault.TransferShares(r.address, from, to, amount)
	})
}

// assertSharesActionAllowed проверяет таймлок после последней покупки долей
func (r *ActionRouter) assertSharesActionAllowed(account models.Address) error {
	if r.sharesActionTimelock <= 0 {
		return nil
	}
	last, ok := r.state.lastSharesAction[account]
	if !ok {
		return nil
	}
	unlock := last.Add(r.sharesActionTimelock)
	if r.env.Now().Before(unlock) {
		return fmt.Errorf("%w: until %s", fault.ErrSharesActionTimelock, unlock.Format(time.RFC3339))
	}
	return nil
}
