package policy

import (
	"fmt"
	"time"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// RedemptionWindowPolicyID - идентификатор политики окон выкупа
const RedemptionWindowPolicyID = "redemption-window"

// RedemptionWindow - периодическое окно, в которое разрешён выкуп долей
//
// Окна: [FirstWindowStart + k*Frequency, +Duration), k >= 0.
// В JSON все значения - секунды (unix time для FirstWindowStart).
type RedemptionWindow struct {
	FirstWindowStart int64 `json:"first_window_start"`
	Frequency        int64 `json:"frequency"`
	Duration         int64 `json:"duration"`
}

func (w RedemptionWindow) validate() error {
	if w.Duration <= 0 || w.Frequency <= 0 {
		return fmt.Errorf("%w: frequency and duration must be positive", fault.ErrInvalidSettings)
	}
	if w.Duration > w.Frequency {
		return fmt.Errorf("%w: duration exceeds frequency", fault.ErrInvalidSettings)
	}
	return nil
}

// Contains проверяет, попадает ли t в одно из окон
func (w RedemptionWindow) Contains(t time.Time) bool {
	start := time.Unix(w.FirstWindowStart, 0)
	if t.Before(start) {
		return false
	}
	elapsed := int64(t.Sub(start) / time.Second)
	return elapsed%w.Frequency < w.Duration
}

// RedemptionWindowPolicy разрешает выкуп долей только внутри окон
type RedemptionWindowPolicy struct {
	env     *chain.Env
	windows map[models.Address]RedemptionWindow
}

// NewRedemptionWindowPolicy создает политику
func NewRedemptionWindowPolicy(env *chain.Env) *RedemptionWindowPolicy {
	return &RedemptionWindowPolicy{
		env:     env,
		windows: make(map[models.Address]RedemptionWindow),
	}
}

// Identifier реализует Policy
func (p *RedemptionWindowPolicy) Identifier() string { return RedemptionWindowPolicyID }

// ImplementedHooks реализует Policy
func (p *RedemptionWindowPolicy) ImplementedHooks() []Hook {
	return []Hook{HookPreRedeemShares}
}

// CanDisable реализует Policy
func (p *RedemptionWindowPolicy) CanDisable() bool { return true }

// AddFundSettings реализует Policy
func (p *RedemptionWindowPolicy) AddFundSettings(fund models.Address, settings []byte) error {
	var w RedemptionWindow
	if err := decodeSettings(settings, &w); err != nil {
		return err
	}
	if err := w.validate(); err != nil {
		return err
	}
	p.windows[fund] = w
	return nil
}

// UpdateFundSettings реализует Policy
func (p *RedemptionWindowPolicy) UpdateFundSettings(fund models.Address, settings []byte) error {
	return p.AddFundSettings(fund, settings)
}

// ValidateRule реализует Policy
func (p *RedemptionWindowPolicy) ValidateRule(fund models.Address, hook Hook, _ RuleArgs) (bool, error) {
	if hook != HookPreRedeemShares {
		return true, nil
	}
	w, ok := p.windows[fund]
	if !ok {
		return true, nil
	}
	return w.Contains(p.env.Now()), nil
}

// Snapshot реализует chain.Stateful
func (p *RedemptionWindowPolicy) Snapshot() interface{} {
	cp := make(map[models.Address]RedemptionWindow, len(p.windows))
	for k, v := range p.windows {
		cp[k] = v
	}
	return cp
}

// Restore реализует chain.Stateful
func (p *RedemptionWindowPolicy) Restore(snapshot interface{}) {
	p.windows = snapshot.(map[models.Address]RedemptionWindow)
}
