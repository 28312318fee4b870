package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/models"
)

const (
	testProtocolOwner = models.Address("0xprotocol")
	testRegistry      = models.Address("0xregistry")
	testFund          = models.Address("0xrouter")
	testVault         = models.Address("0xvault")
	testFundOwner     = models.Address("0xowner")
	testStranger      = models.Address("0xstranger")
	testAdapter       = models.Address("0xadapter")
	assetUSDC         = models.Address("0xusdc")
	assetWETH         = models.Address("0xweth")
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// MockResolver - мок реестра фондов
type MockResolver struct {
	Funds map[models.Address]FundInfo
}

func newMockResolver() *MockResolver {
	return &MockResolver{Funds: map[models.Address]FundInfo{
		testFund: {
			Router:            testFund,
			Vault:             testVault,
			Owner:             testFundOwner,
			DenominationAsset: assetUSDC,
		},
	}}
}

func (m *MockResolver) FundInfo(fund models.Address) (FundInfo, bool) {
	info, ok := m.Funds[fund]
	return info, ok
}

// MockValuation - мок оракула: курс к USDC, отсутствующий курс невалиден
type MockValuation struct {
	Rates map[models.Address]decimal.Decimal
}

func (m *MockValuation) CalcCanonicalValue(base models.Address, amount decimal.Decimal, quote models.Address) (decimal.Decimal, bool) {
	if base == quote {
		return amount, true
	}
	b, ok := m.Rates[base]
	if !ok {
		return decimal.Zero, false
	}
	q, ok := m.Rates[quote]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(b).Div(q), true
}

// MockPolicy - политика с заданным результатом
type MockPolicy struct {
	ID           string
	Hooks        []Hook
	Disablable   bool
	Result       bool
	Err          error
	Calls        []Hook
	Settings     map[models.Address][]byte
	SettingsErr  error
	UpdateForbid bool
}

func newMockPolicy(id string, hooks ...Hook) *MockPolicy {
	return &MockPolicy{ID: id, Hooks: hooks, Disablable: true, Result: true, Settings: map[models.Address][]byte{}}
}

func (m *MockPolicy) Identifier() string       { return m.ID }
func (m *MockPolicy) ImplementedHooks() []Hook { return m.Hooks }
func (m *MockPolicy) CanDisable() bool         { return m.Disablable }

func (m *MockPolicy) AddFundSettings(fund models.Address, settings []byte) error {
	if m.SettingsErr != nil {
		return m.SettingsErr
	}
	m.Settings[fund] = settings
	return nil
}

func (m *MockPolicy) UpdateFundSettings(fund models.Address, settings []byte) error {
	if m.UpdateForbid {
		return errUpdateForbidden
	}
	m.Settings[fund] = settings
	return nil
}

func (m *MockPolicy) ValidateRule(fund models.Address, hook Hook, args RuleArgs) (bool, error) {
	m.Calls = append(m.Calls, hook)
	return m.Result, m.Err
}

func newTestEnv() (*chain.Env, *chain.ManualClock, *chain.EventRecorder) {
	clock := chain.NewManualClock(testStart)
	env := chain.NewEnv(clock)
	rec := &chain.EventRecorder{}
	env.AddSink(rec)
	return env, clock, rec
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
