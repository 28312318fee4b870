package policy

import (
	"fmt"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// Manager - движок политик
//
// Хранит реестр политик протокола и упорядоченный список включённых
// политик каждого фонда. Политики вызываются строго в порядке включения,
// первое вето прерывает проверку.
type Manager struct {
	env        *chain.Env
	owner      models.Address // владелец протокола
	configurer models.Address // реестр релизов
	resolver   FundResolver

	policies map[string]Policy
	order    []string

	state managerState
}

type managerState struct {
	enabled map[models.Address][]string
}

// NewManager создает движок политик
//
// configurer - единственный адрес, которому разрешено задавать начальную
// конфигурацию политик фонда (реестр релизов при создании роутера).
func NewManager(env *chain.Env, owner, configurer models.Address) *Manager {
	m := &Manager{
		env:        env,
		owner:      owner,
		configurer: configurer,
		policies:   make(map[string]Policy),
		state:      managerState{enabled: make(map[models.Address][]string)},
	}
	env.Track(m)
	return m
}

// SetFundResolver задает источник сведений о фондах
func (m *Manager) SetFundResolver(r FundResolver) {
	m.resolver = r
}

// FundInfo реализует FundResolver (делегирует реестру)
func (m *Manager) FundInfo(fund models.Address) (FundInfo, bool) {
	if m.resolver == nil {
		return FundInfo{}, false
	}
	return m.resolver.FundInfo(fund)
}

// RegisterPolicy добавляет политику в реестр протокола (только владелец протокола)
func (m *Manager) RegisterPolicy(caller models.Address, p Policy) error {
	if caller != m.owner {
		return fault.ErrUnauthorized
	}
	id := p.Identifier()
	if _, exists := m.policies[id]; exists {
		return fmt.Errorf("%w: policy %s already registered", fault.ErrInvalidSettings, id)
	}
	for _, h := range p.ImplementedHooks() {
		if !h.IsValid() {
			return fmt.Errorf("%w: policy %s implements unknown hook %q", fault.ErrInvalidSettings, id, h)
		}
	}
	m.policies[id] = p
	m.order = append(m.order, id)

	// Состояние политики откатывается вместе с единицей работы
	if s, ok := p.(chain.Stateful); ok {
		m.env.Track(s)
	}
	return nil
}

// Policy возвращает политику по идентификатору
func (m *Manager) Policy(id string) (Policy, bool) {
	p, ok := m.policies[id]
	return p, ok
}

// RegisteredPolicies возвращает идентификаторы политик в порядке регистрации
func (m *Manager) RegisteredPolicies() []string {
	return append([]string(nil), m.order...)
}

// EnabledPoliciesForFund возвращает включённые политики фонда в порядке вызова
func (m *Manager) EnabledPoliciesForFund(fund models.Address) []string {
	return append([]string(nil), m.state.enabled[fund]...)
}

// SetConfigForFund задает начальный набор политик фонда
func (m *Manager) SetConfigForFund(caller, fund models.Address, settings []models.PolicySetting) error {
	if caller != m.configurer {
		return fault.ErrUnauthorized
	}
	if _, exists := m.state.enabled[fund]; exists {
		return fault.ErrAlreadyConfigured
	}

	return m.env.Atomic(func() error {
		m.state.enabled[fund] = []string{}
		for _, s := range settings {
			if err := m.enable(fund, s.Policy, s.Settings); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnablePolicyForFund включает политику (только владелец фонда)
func (m *Manager) EnablePolicyForFund(caller, fund models.Address, id string, settings []byte) error {
	if err := m.onlyFundOwner(caller, fund); err != nil {
		return err
	}
	return m.env.Atomic(func() error {
		return m.enable(fund, id, settings)
	})
}

// DisablePolicyForFund выключает политику (только владелец фонда)
func (m *Manager) DisablePolicyForFund(caller, fund models.Address, id string) error {
	if err := m.onlyFundOwner(caller, fund); err != nil {
		return err
	}
	idx := m.indexOf(fund, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not enabled", fault.ErrUnknownPolicy, id)
	}
	if !m.policies[id].CanDisable() {
		return fmt.Errorf("%w: %s", fault.ErrCannotDisable, id)
	}

	return m.env.Atomic(func() error {
		list := m.state.enabled[fund]
		next := make([]string, 0, len(list)-1)
		next = append(next, list[:idx]...)
		next = append(next, list[idx+1:]...)
		m.state.enabled[fund] = next

		m.emit(models.EventPolicyDisabled, fund, map[string]interface{}{"policy": id})
		return nil
	})
}

// UpdatePolicySettingsForFund обновляет настройки включённой политики
func (m *Manager) UpdatePolicySettingsForFund(caller, fund models.Address, id string, settings []byte) error {
	if err := m.onlyFundOwner(caller, fund); err != nil {
		return err
	}
	if m.indexOf(fund, id) < 0 {
		return fmt.Errorf("%w: %s is not enabled", fault.ErrUnknownPolicy, id)
	}

	return m.env.Atomic(func() error {
		if err := m.policies[id].UpdateFundSettings(fund, settings); err != nil {
			return err
		}
		m.emit(models.EventPolicySettingsUpdated, fund, map[string]interface{}{"policy": id})
		return nil
	})
}

// ValidatePolicies прогоняет все включённые политики фонда, реализующие hook
//
// Возвращает *fault.PolicyViolation для первой отказавшей политики.
func (m *Manager) ValidatePolicies(fund models.Address, hook Hook, args RuleArgs) error {
	for _, id := range m.state.enabled[fund] {
		p := m.policies[id]
		if !implements(p, hook) {
			continue
		}
		ok, err := p.ValidateRule(fund, hook, args)
		if err != nil || !ok {
			return &fault.PolicyViolation{Policy: id, Hook: string(hook), Cause: err}
		}
	}
	return nil
}

func (m *Manager) enable(fund models.Address, id string, settings []byte) error {
	p, ok := m.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", fault.ErrUnknownPolicy, id)
	}
	if m.indexOf(fund, id) >= 0 {
		return fmt.Errorf("%w: %s already enabled", fault.ErrInvalidSettings, id)
	}
	if err := p.AddFundSettings(fund, settings); err != nil {
		return err
	}
	m.state.enabled[fund] = append(m.state.enabled[fund], id)
	m.emit(models.EventPolicyEnabled, fund, map[string]interface{}{"policy": id})
	return nil
}

func (m *Manager) onlyFundOwner(caller, fund models.Address) error {
	info, ok := m.FundInfo(fund)
	if !ok {
		return fault.ErrUnknownFund
	}
	if caller != info.Owner {
		return fault.ErrUnauthorized
	}
	return nil
}

func (m *Manager) indexOf(fund models.Address, id string) int {
	for i, e := range m.state.enabled[fund] {
		if e == id {
			return i
		}
	}
	return -1
}

func (m *Manager) emit(eventType string, fund models.Address, data map[string]interface{}) {
	m.env.Emit(models.Event{Type: eventType, Fund: fund, Data: data})
}

// Snapshot реализует chain.Stateful
func (m *Manager) Snapshot() interface{} {
	cp := make(map[models.Address][]string, len(m.state.enabled))
	for k, v := range m.state.enabled {
		cp[k] = append([]string(nil), v...)
	}
	return managerState{enabled: cp}
}

// Restore реализует chain.Stateful
func (m *Manager) Restore(snapshot interface{}) {
	m.state = snapshot.(managerState)
}
