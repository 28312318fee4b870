package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/models"
)

// ValuationOracle - перевод суммы актива в каноническую единицу
//
// isValid=false означает "оценить сделку безопасно нельзя", вызывающий
// обязан обработать это явно, а не трактовать как ноль.
type ValuationOracle interface {
	CalcCanonicalValue(base models.Address, amount decimal.Decimal, quote models.Address) (decimal.Decimal, bool)
}

// DefaultMaxStaleness - максимальный возраст курса по умолчанию
const DefaultMaxStaleness = 24 * time.Hour

// Rate - курс актива в общей единице
type Rate struct {
	Asset     models.Address  `json:"asset"`
	Value     decimal.Decimal `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PriceFeed - потокобезопасный источник курсов
//
// Курсы всех активов задаются в одной общей единице, кросс-курс
// base/quote = rate(base) / rate(quote). Отсутствующий, нулевой или
// устаревший курс делает оценку невалидной.
type PriceFeed struct {
	mu           sync.RWMutex
	clock        chain.Clock
	maxStaleness time.Duration
	rates        map[models.Address]Rate
}

// NewPriceFeed создает PriceFeed
func NewPriceFeed(clock chain.Clock, maxStaleness time.Duration) *PriceFeed {
	if clock == nil {
		clock = chain.SystemClock{}
	}
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	return &PriceFeed{
		clock:        clock,
		maxStaleness: maxStaleness,
		rates:        make(map[models.Address]Rate),
	}
}

// SetRate обновляет курс актива (время обновления - текущее)
func (f *PriceFeed) SetRate(asset models.Address, value decimal.Decimal) {
	f.SetRateAt(asset, value, f.clock.Now())
}

// SetRateAt обновляет курс актива с явным временем обновления
func (f *PriceFeed) SetRateAt(asset models.Address, value decimal.Decimal, updatedAt time.Time) {
	f.mu.Lock()
	f.rates[asset] = Rate{Asset: asset, Value: value, UpdatedAt: updatedAt}
	f.mu.Unlock()
}

// RemoveRate удаляет курс (актив становится неоценимым)
func (f *PriceFeed) RemoveRate(asset models.Address) {
	f.mu.Lock()
	delete(f.rates, asset)
	f.mu.Unlock()
}

// Rates возвращает все курсы
func (f *PriceFeed) Rates() []Rate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Rate, 0, len(f.rates))
	for _, r := range f.rates {
		out = append(out, r)
	}
	return out
}

// MaxStaleness возвращает допустимый возраст курса
func (f *PriceFeed) MaxStaleness() time.Duration {
	return f.maxStaleness
}

// CalcCanonicalValue реализует ValuationOracle
func (f *PriceFeed) CalcCanonicalValue(base models.Address, amount decimal.Decimal, quote models.Address) (decimal.Decimal, bool) {
	if base == quote {
		return amount, true
	}
	if amount.IsZero() {
		return decimal.Zero, true
	}

	f.mu.RLock()
	baseRate, baseOK := f.validRate(base)
	quoteRate, quoteOK := f.validRate(quote)
	f.mu.RUnlock()

	if !baseOK || !quoteOK {
		return decimal.Zero, false
	}
	return amount.Mul(baseRate).Div(quoteRate), true
}

// validRate вызывается под RLock
func (f *PriceFeed) validRate(asset models.Address) (decimal.Decimal, bool) {
	r, ok := f.rates[asset]
	if !ok || !r.Value.IsPositive() {
		return decimal.Zero, false
	}
	if f.clock.Now().Sub(r.UpdatedAt) > f.maxStaleness {
		return decimal.Zero, false
	}
	return r.Value, true
}
