package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// validator.go - проверка входных данных API
//
// Функции возвращают error с описанием проблемы или nil. Адреса
// принимаются в виде "0x" + буквенно-цифровой идентификатор (строгий
// hex-адрес проверяет crypto.IsHexAddress).

// Ошибки валидации
var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidTolerance = errors.New("tolerance must be in [0, 1]")
	ErrInvalidTimelock  = errors.New("invalid timelock")
	ErrInvalidFundName  = errors.New("invalid fund name")
	ErrInvalidSelector  = errors.New("invalid selector")
	ErrInvalidAPIKey    = errors.New("invalid api key")
)

// Ограничения
const (
	MaxAddressLength  = 66 // 0x + 32 байта hex
	MaxFundNameLength = 100
	MaxSelectorLength = 64
	MinAPIKeyLength   = 16
	MaxTimelock       = 365 * 24 * time.Hour
)

var (
	addressRegex  = regexp.MustCompile(`^0x[0-9a-z_]+$`)
	selectorRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// NormalizeAddress приводит адрес к нижнему регистру с префиксом 0x
func NormalizeAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// ValidateAddress проверяет формат адреса
func ValidateAddress(addr string) error {
	norm := NormalizeAddress(addr)
	if norm == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(norm) > MaxAddressLength {
		return fmt.Errorf("%w: too long (%d)", ErrInvalidAddress, len(norm))
	}
	if !addressRegex.MatchString(norm) || strings.Trim(norm[2:], "0") == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// ValidateAddresses проверяет список адресов на формат и дубликаты
func ValidateAddresses(addrs []string) error {
	seen := make(map[string]struct{}, len(addrs))
	for i, a := range addrs {
		if err := ValidateAddress(a); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		norm := NormalizeAddress(a)
		if _, dup := seen[norm]; dup {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidAddress, norm)
		}
		seen[norm] = struct{}{}
	}
	return nil
}

// ValidateAmount проверяет, что сумма положительна
func ValidateAmount(v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w, got %s", ErrInvalidAmount, v)
	}
	return nil
}

// ValidateNonNegative проверяет, что сумма не отрицательна (минимумы)
func ValidateNonNegative(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("amount cannot be negative, got %s", v)
	}
	return nil
}

// ValidateTolerance проверяет допуск проскальзывания (0 запрещает любые потери)
func ValidateTolerance(v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w, got %s", ErrInvalidTolerance, v)
	}
	return nil
}

// ValidateTimelock проверяет таймлок (0 допустим)
func ValidateTimelock(d time.Duration) error {
	if d < 0 || d > MaxTimelock {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidTimelock, d, MaxTimelock)
	}
	return nil
}

// ValidateFundName проверяет имя фонда
func ValidateFundName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFundName)
	}
	if len(name) > MaxFundNameLength {
		return fmt.Errorf("%w: longer than %d", ErrInvalidFundName, MaxFundNameLength)
	}
	return nil
}

// ValidateSelector проверяет идентификатор действия адаптера
func ValidateSelector(sel string) error {
	if len(sel) == 0 || len(sel) > MaxSelectorLength || !selectorRegex.MatchString(sel) {
		return fmt.Errorf("%w: %q", ErrInvalidSelector, sel)
	}
	return nil
}

// ValidateAPIKey - базовая проверка API ключа оператора
func ValidateAPIKey(key string) error {
	if len(strings.TrimSpace(key)) < MinAPIKeyLength {
		return fmt.Errorf("%w: at least %d characters", ErrInvalidAPIKey, MinAPIKeyLength)
	}
	return nil
}

// ============================================================
// Комплексная проверка
// ============================================================

// FundConfigValidation - поля запроса на создание/перенастройку фонда
type FundConfigValidation struct {
	Name                 string
	DenominationAsset    string
	SharesActionTimelock time.Duration
	Policies             []string
}

// ValidateFundConfig проверяет конфигурацию фонда целиком
func ValidateFundConfig(cfg FundConfigValidation) error {
	var errs ValidationErrors
	errs.AddError("name", ValidateFundName(cfg.Name))
	errs.AddError("denomination_asset", ValidateAddress(cfg.DenominationAsset))
	errs.AddError("shares_action_timelock", ValidateTimelock(cfg.SharesActionTimelock))

	seen := make(map[string]struct{}, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if strings.TrimSpace(p) == "" {
			errs.Add("policies", "empty policy identifier")
			continue
		}
		if _, dup := seen[p]; dup {
			errs.Add("policies", "duplicate policy "+p)
		}
		seen[p] = struct{}{}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidationError - ошибка одного поля
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors - набор ошибок полей
type ValidationErrors []ValidationError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет err, если он не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors возвращает true, если есть ошибки
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
