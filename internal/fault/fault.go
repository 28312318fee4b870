package fault

import (
	"errors"
	"fmt"
)

// ============================================================
// Таксономия ошибок ядра расчётов
// ============================================================
//
// Каждая ошибка - единственный экземпляр, сравнение через errors.Is.
// Класс ошибки определяется её типом (см. Class), по классу HTTP слой
// выбирает статус ответа, а метрики - метку.
//
// Классы:
// - authorization: неверный вызывающий для защищённой точки входа (фатально)
// - invariant: нарушение инварианта реестра (фатально, состояние откатывается)
// - settlement: внешний протокол повёл себя хуже заявленных границ
// - policy: вето политики (можно повторить с другими параметрами или позже)
// - timelock: таймлок ещё не истёк (повторить после сохранённого времени)
// - stale_linkage: запрос устарел навсегда (фонд уже на другом релизе)
// - invalid / not_found: ошибки входных данных

// AuthorizationError - неверный вызывающий
type AuthorizationError string

// InvariantError - нарушение инварианта
type InvariantError string

// SettlementError - несоответствие фактических движений активов заявленным
type SettlementError string

// PolicyError - вето политики или ошибка её настроек
type PolicyError string

// TimelockError - таймлок ещё не истёк
type TimelockError string

// StaleLinkageError - связь запроса с релизом устарела
type StaleLinkageError string

// InvalidError - некорректные входные данные
type InvalidError string

// NotFoundError - объект не найден
type NotFoundError string

func (e AuthorizationError) Error() string { return string(e) }
func (e InvariantError) Error() string     { return string(e) }
func (e SettlementError) Error() string    { return string(e) }
func (e PolicyError) Error() string        { return string(e) }
func (e TimelockError) Error() string      { return string(e) }
func (e StaleLinkageError) Error() string  { return string(e) }
func (e InvalidError) Error() string       { return string(e) }
func (e NotFoundError) Error() string      { return string(e) }

// Ошибки - держать в алфавитном порядке внутри класса
var (
	ErrUnauthorized = AuthorizationError("unauthorized")

	ErrAlreadyActivated     = InvariantError("router already activated")
	ErrAlreadyConfigured    = InvariantError("router already bound to a vault")
	ErrCannotActOnShares    = InvariantError("cannot act on shares asset")
	ErrDuplicateAsset       = InvariantError("duplicate asset in action")
	ErrInsufficientBalance  = InvariantError("insufficient balance")
	ErrInsufficientShares   = InvariantError("insufficient shares")
	ErrInvalidTransition    = InvariantError("invalid router status transition")
	ErrLimitExceeded        = InvariantError("tracked assets limit exceeded")
	ErrMismatchedArrays     = InvariantError("asset and amount arrays differ in length")
	ErrNotActivated         = InvariantError("router is not activated")
	ErrNotConfigured        = InvariantError("router is not bound to a vault")
	ErrRouterDestroyed      = InvariantError("router destroyed")
	ErrZeroAccount          = InvariantError("zero account")
	ErrPendingRequestExists = InvariantError("pending request exists")
	ErrSharesBelowMinimum   = InvariantError("shares received below minimum")

	ErrOverspentAsset       = SettlementError("actual spend exceeds declared spend")
	ErrReceivedBelowMinimum = SettlementError("received amount below minimum")

	ErrAdapterNotAllowed  = PolicyError("adapter selector not allowed")
	ErrPolicyRuleViolated = PolicyError("policy rule violated")
	ErrUnpricedAsset      = PolicyError("asset has no valid price")
	ErrUpdateNotAllowed   = PolicyError("updates not allowed for this policy")
	ErrCannotDisable      = PolicyError("policy cannot be disabled")

	ErrMigrationTimelockNotElapsed       = TimelockError("migration timelock not elapsed")
	ErrReconfigurationTimelockNotElapsed = TimelockError("reconfiguration timelock not elapsed")
	ErrSharesActionTimelock              = TimelockError("shares action timelock not elapsed")

	ErrNoLongerOnThisRelease = StaleLinkageError("no longer on this release")
	ErrNotCurrentRelease     = StaleLinkageError("release is not current")

	ErrInvalidAddress  = InvalidError("invalid address")
	ErrInvalidAmount   = InvalidError("invalid amount")
	ErrInvalidSettings = InvalidError("invalid policy settings")
	ErrInvalidArgs     = InvalidError("invalid action arguments")

	ErrNoPendingRequest = NotFoundError("no pending request")
	ErrUnknownAdapter   = NotFoundError("unknown adapter")
	ErrUnknownFund      = NotFoundError("unknown fund")
	ErrUnknownPolicy    = NotFoundError("unknown policy")
	ErrUnknownRelease   = NotFoundError("unknown release")
	ErrUnknownSelector  = NotFoundError("unknown selector")
)

// Классы ошибок
const (
	ClassAuthorization = "authorization"
	ClassInvariant     = "invariant"
	ClassSettlement    = "settlement"
	ClassPolicy        = "policy"
	ClassTimelock      = "timelock"
	ClassStaleLinkage  = "stale_linkage"
	ClassInvalid       = "invalid"
	ClassNotFound      = "not_found"
	ClassInternal      = "internal"
)

// PolicyViolation - вето конкретной политики
//
// errors.Is(err, ErrPolicyRuleViolated) == true для любого PolicyViolation,
// Cause (если есть) доступен через errors.Unwrap.
type PolicyViolation struct {
	Policy string
	Hook   string
	Cause  error
}

func (v *PolicyViolation) Error() string {
	if v.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", ErrPolicyRuleViolated, v.Policy, v.Hook, v.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrPolicyRuleViolated, v.Policy, v.Hook)
}

// Is позволяет сравнивать с ErrPolicyRuleViolated
func (v *PolicyViolation) Is(target error) bool {
	return target == ErrPolicyRuleViolated
}

// Unwrap возвращает причину вето
func (v *PolicyViolation) Unwrap() error {
	return v.Cause
}

// Class возвращает класс ошибки (первый подходящий в цепочке)
func Class(err error) string {
	if err == nil {
		return ""
	}

	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return ClassPolicy
	}

	var (
		authErr   AuthorizationError
		invErr    InvariantError
		settleErr SettlementError
		polErr    PolicyError
		tlErr     TimelockError
		staleErr  StaleLinkageError
		badErr    InvalidError
		nfErr     NotFoundError
	)

	switch {
	case errors.As(err, &authErr):
		return ClassAuthorization
	case errors.As(err, &invErr):
		return ClassInvariant
	case errors.As(err, &settleErr):
		return ClassSettlement
	case errors.As(err, &polErr):
		return ClassPolicy
	case errors.As(err, &tlErr):
		return ClassTimelock
	case errors.As(err, &staleErr):
		return ClassStaleLinkage
	case errors.As(err, &badErr):
		return ClassInvalid
	case errors.As(err, &nfErr):
		return ClassNotFound
	default:
		return ClassInternal
	}
}

// IsRetryable сообщает, может ли тот же вызов пройти позже без изменения параметров
func IsRetryable(err error) bool {
	switch Class(err) {
	case ClassTimelock, ClassPolicy:
		return true
	default:
		return false
	}
}
