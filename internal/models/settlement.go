package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HandleType определяет, как шлюз передаёт активы адаптеру до внешнего вызова
type HandleType string

// Способы передачи активов
const (
	HandleTransfer HandleType = "transfer" // перевод активов адаптеру
	HandleApprove  HandleType = "approve"  // выдача allowance адаптеру
	HandleNone     HandleType = "none"     // без предварительного движения
)

// IsValid проверяет допустимость значения
func (h HandleType) IsValid() bool {
	switch h {
	case HandleTransfer, HandleApprove, HandleNone:
		return true
	default:
		return false
	}
}

// SettlementRecord - запись о выполненном расчёте (callOnIntegration)
//
// Суммы фактические (разница балансов), а не заявленные адаптером.
type SettlementRecord struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	Fund            Address           `json:"fund" db:"fund"`
	Vault           Address           `json:"vault" db:"vault"`
	Caller          Address           `json:"caller" db:"caller"`
	Adapter         Address           `json:"adapter" db:"adapter"`
	Selector        Selector          `json:"selector" db:"selector"`
	IncomingAssets  []Address         `json:"incoming_assets" db:"incoming_assets"`
	IncomingAmounts []decimal.Decimal `json:"incoming_amounts" db:"incoming_amounts"`
	SpendAssets     []Address         `json:"spend_assets" db:"spend_assets"`
	SpendAmounts    []decimal.Decimal `json:"spend_amounts" db:"spend_amounts"`
	Digest          string            `json:"digest" db:"digest"` // keccak256 содержимого
	ExecutedAt      time.Time         `json:"executed_at" db:"executed_at"`
}
