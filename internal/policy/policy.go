package policy

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hook - точка вызова политик
type Hook string

// Хуки политик
const (
	HookPostBuyShares         Hook = "post_buy_shares"
	HookPreRedeemShares       Hook = "pre_redeem_shares"
	HookPreTransferShares     Hook = "pre_transfer_shares"
	HookPreCallOnIntegration  Hook = "pre_call_on_integration"
	HookPostCallOnIntegration Hook = "post_call_on_integration"
)

// AllHooks - все хуки в порядке жизненного цикла
var AllHooks = []Hook{
	HookPostBuyShares,
	HookPreRedeemShares,
	HookPreTransferShares,
	HookPreCallOnIntegration,
	HookPostCallOnIntegration,
}

// IsValid проверяет, что хук известен
func (h Hook) IsValid() bool {
	for _, known := range AllHooks {
		if h == known {
			return true
		}
	}
	return false
}

// RuleArgs - аргументы проверки правила
//
// Заполняются поля, относящиеся к хуку:
// - интеграция (pre): Caller, Adapter, Selector, EncodedArgs
// - интеграция (post): плюс фактические Incoming*/Spend*
// - доли: Investor, Recipient, Shares, Investment
type RuleArgs struct {
	Caller      models.Address
	Adapter     models.Address
	Selector    models.Selector
	EncodedArgs []byte

	IncomingAssets  []models.Address
	IncomingAmounts []decimal.Decimal
	SpendAssets     []models.Address
	SpendAmounts    []decimal.Decimal

	Investor   models.Address
	Recipient  models.Address
	Shares     decimal.Decimal
	Investment decimal.Decimal
}

// Policy - подключаемое правило, вызываемое в хуках
//
// fund - адрес роутера фонда: настройки привязаны к конкретной
// конфигурации и при реконфигурации создаются заново.
type Policy interface {
	Identifier() string
	ImplementedHooks() []Hook
	CanDisable() bool
	AddFundSettings(fund models.Address, settings []byte) error
	UpdateFundSettings(fund models.Address, settings []byte) error
	ValidateRule(fund models.Address, hook Hook, args RuleArgs) (bool, error)
}

// FundInfo - сведения о фонде, нужные политикам
type FundInfo struct {
	Router            models.Address
	Vault             models.Address
	Owner             models.Address
	DenominationAsset models.Address
}

// FundResolver разрешает адрес роутера в сведения о фонде (реализует реестр релизов)
type FundResolver interface {
	FundInfo(fund models.Address) (FundInfo, bool)
}

// ErrSlippageToleranceExceeded - накопленное проскальзывание превышает допуск
var ErrSlippageToleranceExceeded = fault.PolicyError("cumulative slippage tolerance exceeded")

func implements(p Policy, hook Hook) bool {
	for _, h := range p.ImplementedHooks() {
		if h == hook {
			return true
		}
	}
	return false
}

func decodeSettings(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return fault.ErrInvalidSettings
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidSettings, err)
	}
	return nil
}
