package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// math.go - утилиты для сумм на decimal
//
// Назначение:
// Разбор сумм из запросов, агрегаты и доли для расчётов и метрик.
// Все функции чистые, без побочных эффектов. float64 появляется
// только на выходе ToFloat (для prometheus), в расчётах - decimal.

var one = decimal.NewFromInt(1)

// ParseAmount разбирает сумму из строки
//
// Пустая строка и мусор - ошибка; знак не проверяется (см. ValidateAmount).
//
// Примеры:
//   - ParseAmount("1000.5") = 1000.5
//   - ParseAmount(" 1e3 ") = 1000
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Ratio возвращает part/whole; при whole <= 0 - ноль
//
// Примеры:
//   - Ratio(50, 1000) = 0.05
//   - Ratio(1, 0) = 0
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole)
}

// ClampDecimal ограничивает значение диапазоном [min, max]
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// ClampUnit ограничивает значение диапазоном [0, 1]
func ClampUnit(value decimal.Decimal) decimal.Decimal {
	return ClampDecimal(value, decimal.Zero, one)
}

// ToFloat переводит сумму в float64 (только для метрик и логов)
func ToFloat(v decimal.Decimal) float64 {
	return v.InexactFloat64()
}

// FormatPercent форматирует долю как процент с precision знаками
//
// Пример: FormatPercent(0.0525, 2) = "5.25%"
func FormatPercent(fraction decimal.Decimal, precision int32) string {
	return fraction.Mul(decimal.NewFromInt(100)).StringFixed(precision) + "%"
}
