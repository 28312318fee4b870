package accessor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/models"
	"fundsettle/internal/policy"
	"fundsettle/internal/token"
	"fundsettle/internal/vault"
)

const (
	testRegistry = models.Address("0xregistry")
	testRouter   = models.Address("0xrouter")
	testVaultID  = models.Address("0xvault")
	testOwner    = models.Address("0xowner")
	testGateway  = models.Address("0xgateway")
	testInvestor = models.Address("0xinvestor")
	testStranger = models.Address("0xstranger")
	assetUSDC    = models.Address("0xusdc")
	assetWETH    = models.Address("0xweth")
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// MockPolicies - мок движка политик: записывает хуки, возвращает Err для VetoHook
type MockPolicies struct {
	Calls   []policy.Hook
	Args    []policy.RuleArgs
	VetoOn  policy.Hook
	VetoErr error
}

func (m *MockPolicies) ValidatePolicies(fund models.Address, hook policy.Hook, args policy.RuleArgs) error {
	m.Calls = append(m.Calls, hook)
	m.Args = append(m.Args, args)
	if hook == m.VetoOn {
		return m.VetoErr
	}
	return nil
}

// MockValuation - курсы к USDC
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

// MockIntegration - мок шлюза интеграций
type MockIntegration struct {
	Calls  int
	Record *models.SettlementRecord
	Err    error
}

func (m *MockIntegration) CallOnIntegration(
	ctx context.Context,
	router *ActionRouter,
	caller, adapter models.Address,
	selector models.Selector,
	args []byte,
) (*models.SettlementRecord, error) {
	m.Calls++
	return m.Record, m.Err
}

// MockFeeEngine - считает вызовы
type MockFeeEngine struct {
	Activations int
	Settled     []FeeHook
	Err         error
}

func (m *MockFeeEngine) ActivateForFund(models.Address, bool) error {
	m.Activations++
	return nil
}

func (m *MockFeeEngine) SettleFees(_ models.Address, hook FeeHook) error {
	m.Settled = append(m.Settled, hook)
	return m.Err
}

type fixture struct {
	env         *chain.Env
	clock       *chain.ManualClock
	rec         *chain.EventRecorder
	bank        *token.Bank
	vault       *vault.Vault
	router      *ActionRouter
	policies    *MockPolicies
	valuation   *MockValuation
	integration *MockIntegration
	fees        *MockFeeEngine
}

// newFixture создает фонд с активированным роутером
func newFixture(t *testing.T, timelock time.Duration) *fixture {
	t.Helper()
	f := newUnactivatedFixture(t, timelock)
	if err := f.router.Activate(testRegistry, false); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.rec.Reset()
	return f
}

func newUnactivatedFixture(t *testing.T, timelock time.Duration) *fixture {
	t.Helper()
	clock := chain.NewManualClock(testStart)
	env := chain.NewEnv(clock)
	rec := &chain.EventRecorder{}
	env.AddSink(rec)

	bank := token.NewBank()
	env.Track(bank)

	v := vault.New(env, bank, vault.Params{
		Address:    testVaultID,
		Name:       "Test Fund",
		Owner:      testOwner,
		Creator:    testRegistry,
		Dispatcher: testRegistry,
		Accessor:   testRouter,
	})

	f := &fixture{
		env:         env,
		clock:       clock,
		rec:         rec,
		bank:        bank,
		vault:       v,
		policies:    &MockPolicies{},
		valuation:   &MockValuation{Rates: map[models.Address]decimal.Decimal{assetUSDC: d("1"), assetWETH: d("2000")}},
		integration: &MockIntegration{},
		fees:        &MockFeeEngine{},
	}
	f.router = New(env, Params{
		Address:              testRouter,
		Deployer:             testRegistry,
		Release:              "v1",
		DenominationAsset:    assetUSDC,
		SharesActionTimelock: timelock,
		Extensions:           []models.Address{testGateway},
		Bank:                 bank,
		Policies:             f.policies,
		Valuation:            f.valuation,
		FeeEngine:            f.fees,
		Integration:          f.integration,
	})
	if err := f.router.SetVaultProxy(testRegistry, v); err != nil {
		t.Fatalf("SetVaultProxy() error = %v", err)
	}
	return f
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
