package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"fundsettle/internal/models"
)

// Venue - внешний протокол, с которым фонд взаимодействует через адаптеры
//
// Площадки работают поверх token.Bank и ничего не знают о фондах: они
// видят только адреса и балансы. Состояние площадки откатывается вместе
// с единицей работы (реализует chain.Stateful).
type Venue interface {
	// GetName возвращает имя площадки
	GetName() string

	// Address возвращает адрес площадки (держатель её ликвидности)
	Address() models.Address

	// Snapshot/Restore - chain.Stateful
	Snapshot() interface{}
	Restore(snapshot interface{})
}

// Swapper - площадка обмена активов
type Swapper interface {
	Venue

	// Quote возвращает количество buyAsset за sellAmount sellAsset
	Quote(sellAsset models.Address, sellAmount decimal.Decimal, buyAsset models.Address) (decimal.Decimal, error)

	// Swap списывает sellAmount у payer и зачисляет buyAsset на recipient
	Swap(ctx context.Context, payer models.Address, sellAsset models.Address, sellAmount decimal.Decimal, buyAsset, recipient models.Address) (decimal.Decimal, error)
}

// VenueError представляет ошибку от площадки
type VenueError struct {
	Venue    string
	Code     string
	Message  string
	Original error
}

func (e *VenueError) Error() string {
	return e.Venue + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *VenueError) Unwrap() error {
	return e.Original
}

// Коды ошибок площадок
const (
	CodeUnknownPair           = "unknown_pair"
	CodeUnknownMarket         = "unknown_market"
	CodeInsufficientLiquidity = "insufficient_liquidity"
	CodeInvalidAmount         = "invalid_amount"
	CodeCancelled             = "cancelled"
)

// Ошибки, которые можно проверить через errors.Is
var (
	ErrUnknownPair           = errors.New("unknown trading pair")
	ErrUnknownMarket         = errors.New("unknown lending market")
	ErrInsufficientLiquidity = errors.New("insufficient venue liquidity")
)

func venueError(venue, code, message string, original error) *VenueError {
	return &VenueError{Venue: venue, Code: code, Message: message, Original: original}
}

// checkContext оборачивает отмену контекста в VenueError
func checkContext(ctx context.Context, venue string) error {
	if err := ctx.Err(); err != nil {
		return venueError(venue, CodeCancelled, "request cancelled", err)
	}
	return nil
}
