package policy

import (
	"fmt"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// Идентификаторы политик-списков
const (
	AllowedAdaptersPolicyID  = "allowed-adapters"
	DisallowedAssetsPolicyID = "disallowed-assets"
)

type adapterListSettings struct {
	Adapters []models.Address `json:"adapters"`
}

type assetListSettings struct {
	Assets []models.Address `json:"assets"`
}

// addressLists - списки адресов по фондам, общая часть политик-списков
type addressLists map[models.Address]map[models.Address]bool

func (l addressLists) set(fund models.Address, addrs []models.Address) {
	set := make(map[models.Address]bool, len(addrs))
	for _, a := range addrs {
		set[models.NormalizeAddress(string(a))] = true
	}
	l[fund] = set
}

func (l addressLists) clone() addressLists {
	cp := make(addressLists, len(l))
	for fund, set := range l {
		inner := make(map[models.Address]bool, len(set))
		for a := range set {
			inner[a] = true
		}
		cp[fund] = inner
	}
	return cp
}

// ============================================================
// AllowedAdaptersPolicy
// ============================================================

// AllowedAdaptersPolicy пропускает вызовы только разрешённых адаптеров фонда
//
// Настройки: {"adapters": ["0x..", ...]}
type AllowedAdaptersPolicy struct {
	lists addressLists
}

// NewAllowedAdaptersPolicy создает политику
func NewAllowedAdaptersPolicy() *AllowedAdaptersPolicy {
	return &AllowedAdaptersPolicy{lists: make(addressLists)}
}

// Identifier реализует Policy
func (p *AllowedAdaptersPolicy) Identifier() string { return AllowedAdaptersPolicyID }

// ImplementedHooks реализует Policy
func (p *AllowedAdaptersPolicy) ImplementedHooks() []Hook {
	return []Hook{HookPreCallOnIntegration}
}

// CanDisable реализует Policy
func (p *AllowedAdaptersPolicy) CanDisable() bool { return true }

// AddFundSettings реализует Policy
func (p *AllowedAdaptersPolicy) AddFundSettings(fund models.Address, settings []byte) error {
	var s adapterListSettings
	if err := decodeSettings(settings, &s); err != nil {
		return err
	}
	if len(s.Adapters) == 0 {
		return fmt.Errorf("%w: empty adapter list", fault.ErrInvalidSettings)
	}
	p.lists.set(fund, s.Adapters)
	return nil
}

// UpdateFundSettings реализует Policy (список заменяется целиком)
func (p *AllowedAdaptersPolicy) UpdateFundSettings(fund models.Address, settings []byte) error {
	return p.AddFundSettings(fund, settings)
}

// ValidateRule реализует Policy
func (p *AllowedAdaptersPolicy) ValidateRule(fund models.Address, hook Hook, args RuleArgs) (bool, error) {
	if hook != HookPreCallOnIntegration {
		return true, nil
	}
	return p.lists[fund][models.NormalizeAddress(string(args.Adapter))], nil
}

// Snapshot реализует chain.Stateful
func (p *AllowedAdaptersPolicy) Snapshot() interface{} { return p.lists.clone() }

// Restore реализует chain.Stateful
func (p *AllowedAdaptersPolicy) Restore(snapshot interface{}) {
	p.lists = snapshot.(addressLists)
}

// ============================================================
// DisallowedAssetsPolicy
// ============================================================

// DisallowedAssetsPolicy запрещает получать активы из списка фонда
//
// Проверяется после расчёта по фактически полученным активам.
// Настройки: {"assets": ["0x..", ...]}
type DisallowedAssetsPolicy struct {
	lists addressLists
}

// NewDisallowedAssetsPolicy создает политику
func NewDisallowedAssetsPolicy() *DisallowedAssetsPolicy {
	return &DisallowedAssetsPolicy{lists: make(addressLists)}
}

// Identifier реализует Policy
func (p *DisallowedAssetsPolicy) Identifier() string { return DisallowedAssetsPolicyID }

// ImplementedHooks реализует Policy
func (p *DisallowedAssetsPolicy) ImplementedHooks() []Hook {
	return []Hook{HookPostCallOnIntegration}
}

// CanDisable реализует Policy
func (p *DisallowedAssetsPolicy) CanDisable() bool { return true }

// AddFundSettings реализует Policy
func (p *DisallowedAssetsPolicy) AddFundSettings(fund models.Address, settings []byte) error {
	var s assetListSettings
	if err := decodeSettings(settings, &s); err != nil {
		return err
	}
	p.lists.set(fund, s.Assets)
	return nil
}

// UpdateFundSettings реализует Policy
func (p *DisallowedAssetsPolicy) UpdateFundSettings(fund models.Address, settings []byte) error {
	return p.AddFundSettings(fund, settings)
}

// ValidateRule реализует Policy
func (p *DisallowedAssetsPolicy) ValidateRule(fund models.Address, hook Hook, args RuleArgs) (bool, error) {
	if hook != HookPostCallOnIntegration {
		return true, nil
	}
	denied := p.lists[fund]
	for i, asset := range args.IncomingAssets {
		if i < len(args.IncomingAmounts) && args.IncomingAmounts[i].IsZero() {
			continue
		}
		if denied[models.NormalizeAddress(string(asset))] {
			return false, fmt.Errorf("%w: incoming asset %s is disallowed", fault.ErrInvalidArgs, asset)
		}
	}
	return true, nil
}

// Snapshot реализует chain.Stateful
func (p *DisallowedAssetsPolicy) Snapshot() interface{} { return p.lists.clone() }

// Restore реализует chain.Stateful
func (p *DisallowedAssetsPolicy) Restore(snapshot interface{}) {
	p.lists = snapshot.(addressLists)
}
