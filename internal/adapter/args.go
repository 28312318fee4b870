package adapter

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TakeOrderArgs - аргументы takeOrder
type TakeOrderArgs struct {
	OutgoingAsset     models.Address  `json:"outgoing_asset"`
	OutgoingAmount    decimal.Decimal `json:"outgoing_amount"`
	IncomingAsset     models.Address  `json:"incoming_asset"`
	MinIncomingAmount decimal.Decimal `json:"min_incoming_amount"`
}

// LendArgs - аргументы lend
type LendArgs struct {
	Underlying       models.Address  `json:"underlying"`
	Amount           decimal.Decimal `json:"amount"`
	MinReceiptAmount decimal.Decimal `json:"min_receipt_amount"`
}

// RedeemArgs - аргументы redeem
type RedeemArgs struct {
	Receipt             models.Address  `json:"receipt"`
	Amount              decimal.Decimal `json:"amount"`
	MinUnderlyingAmount decimal.Decimal `json:"min_underlying_amount"`
}

// EncodeArgs кодирует аргументы действия для CallOnIntegration
func EncodeArgs(args interface{}) ([]byte, error) {
	return json.Marshal(args)
}

// decodeArgs разбирает JSON аргументов действия
func decodeArgs(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty args", fault.ErrInvalidArgs)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidArgs, err)
	}
	return nil
}

func requirePositive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", fault.ErrInvalidArgs, name)
	}
	return nil
}

func requireAsset(name string, a models.Address) (models.Address, error) {
	a = models.NormalizeAddress(string(a))
	if a.IsZero() {
		return "", fmt.Errorf("%w: %s", fault.ErrInvalidAddress, name)
	}
	return a, nil
}

func unknownSelector(id string, selector models.Selector) error {
	return fmt.Errorf("%w: %s does not support %q", fault.ErrUnknownSelector, id, selector)
}
