package registry

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/accessor"
	"fundsettle/internal/chain"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/token"
)

const (
	testRegistry = models.Address("0xregistry")
	testProtocol = models.Address("0xprotocol")
	testGateway  = models.Address("0xgateway")
	testOwner    = models.Address("0xowner")
	testMigrator = models.Address("0xmigrator")
	testStranger = models.Address("0xstranger")
	assetUSDC    = models.Address("0xusdc")
	assetWETH    = models.Address("0xweth")

	day = 24 * time.Hour
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// MockFeeEngine - движок комиссий с управляемой ошибкой расчёта
type MockFeeEngine struct {
	Err error
}

func (m *MockFeeEngine) ActivateForFund(models.Address, bool) error { return nil }

func (m *MockFeeEngine) SettleFees(_ models.Address, hook accessor.FeeHook) error {
	if hook == accessor.FeeHookDestruct {
		return m.Err
	}
	return nil
}

type fixture struct {
	env      *chain.Env
	clock    *chain.ManualClock
	rec      *chain.EventRecorder
	bank     *token.Bank
	policies *policy.Manager
	fees     *MockFeeEngine
	registry *Registry
}

// newFixture создает реестр с релизом v1 (таймлок реконфигурации 2 дня),
// таймлоком миграции 7 дней и политикой allowed-adapters
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := chain.NewManualClock(testStart)
	env := chain.NewEnv(clock)
	rec := &chain.EventRecorder{}
	env.AddSink(rec)

	bank := token.NewBank()
	env.Track(bank)

	feed := oracle.NewPriceFeed(clock, oracle.DefaultMaxStaleness)
	feed.SetRate(assetUSDC, decimal.NewFromInt(1))
	feed.SetRate(assetWETH, decimal.NewFromInt(2000))

	manager := policy.NewManager(env, testProtocol, testRegistry)
	if err := manager.RegisterPolicy(testProtocol, policy.NewAllowedAdaptersPolicy()); err != nil {
		t.Fatalf("RegisterPolicy() error = %v", err)
	}

	fees := &MockFeeEngine{}
	reg := New(env, Params{
		Address:           testRegistry,
		Owner:             testProtocol,
		MigrationTimelock: 7 * day,
	}, Deps{
		Bank:       bank,
		Policies:   manager,
		Valuation:  feed,
		FeeEngine:  fees,
		Extensions: []models.Address{testGateway},
	})
	manager.SetFundResolver(reg)

	if err := reg.RegisterRelease(testProtocol, "v1", 2*day); err != nil {
		t.Fatalf("RegisterRelease() error = %v", err)
	}
	if err := reg.SetCurrentRelease(testProtocol, "v1"); err != nil {
		t.Fatalf("SetCurrentRelease() error = %v", err)
	}
	rec.Reset()

	return &fixture{
		env:      env,
		clock:    clock,
		rec:      rec,
		bank:     bank,
		policies: manager,
		fees:     fees,
		registry: reg,
	}
}

func usdcConfig() models.FundConfig {
	return models.FundConfig{
		Name:              "Test Fund",
		DenominationAsset: assetUSDC,
		Policies: []models.PolicySetting{{
			Policy:   policy.AllowedAdaptersPolicyID,
			Settings: []byte(`{"adapters":["0xadapter"]}`),
		}},
	}
}

// createFund создает фонд владельца testOwner
func (f *fixture) createFund(t *testing.T) Fund {
	t.Helper()
	fund, err := f.registry.CreateFund(testOwner, usdcConfig())
	if err != nil {
		t.Fatalf("CreateFund() error = %v", err)
	}
	f.rec.Reset()
	return fund
}

// releaseV2 регистрирует релиз v2 и делает его текущим
func (f *fixture) releaseV2(t *testing.T) {
	t.Helper()
	if err := f.registry.RegisterRelease(testProtocol, "v2", day); err != nil {
		t.Fatalf("RegisterRelease(v2) error = %v", err)
	}
	if err := f.registry.SetCurrentRelease(testProtocol, "v2"); err != nil {
		t.Fatalf("SetCurrentRelease(v2) error = %v", err)
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
