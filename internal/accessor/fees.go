package accessor

import "fundsettle/internal/models"

// FeeHook - момент расчёта комиссий
type FeeHook string

// Моменты расчёта комиссий
const (
	FeeHookBuyShares    FeeHook = "buy_shares"
	FeeHookRedeemShares FeeHook = "redeem_shares"
	FeeHookDestruct     FeeHook = "destruct"
)

// FeeEngine - начисление комиссий фонда
//
// Учёт комиссий вне ядра расчётов, роутер только вызывает движок
// в нужные моменты.
type FeeEngine interface {
	ActivateForFund(fund models.Address, isMigration bool) error
	SettleFees(fund models.Address, hook FeeHook) error
}

// NoopFeeEngine - фонд без комиссий
type NoopFeeEngine struct{}

// ActivateForFund реализует FeeEngine
func (NoopFeeEngine) ActivateForFund(models.Address, bool) error { return nil }

// SettleFees реализует FeeEngine
func (NoopFeeEngine) SettleFees(models.Address, FeeHook) error { return nil }
