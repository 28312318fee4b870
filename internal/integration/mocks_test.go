package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundsettle/internal/accessor"
	"fundsettle/internal/chain"
	"fundsettle/internal/models"
	"fundsettle/internal/policy"
	"fundsettle/internal/token"
	"fundsettle/internal/vault"
)

const (
	testRegistry = models.Address("0xregistry")
	testProtocol = models.Address("0xprotocol")
	testRouter   = models.Address("0xrouter")
	testVaultID  = models.Address("0xvault")
	testOwner    = models.Address("0xowner")
	testGateway  = models.Address("0xgateway")
	testAdapter  = models.Address("0xadapter")
	testStranger = models.Address("0xstranger")
	assetUSDC    = models.Address("0xusdc")
	assetWETH    = models.Address("0xweth")
	assetDAI     = models.Address("0xdai")

	selectorSwap = models.Selector("swap")
)

var (
	testStart    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testRecordID = uuid.MustParse("6f1c2a3e-0b4d-4c55-9a8e-3d2f1e0c9b7a")
)

// MockPolicies - мок движка политик
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

// MockAdapter - адаптер с заранее заданным разбором и поведением
//
// По умолчанию Execute забирает у фонда Spend (для Approve через
// TransferFrom) и зачисляет фонду Pay.
type MockAdapter struct {
	bank     *token.Bank
	addr     models.Address
	Assets   ActionAssets
	ParseErr error
	Pay      map[models.Address]decimal.Decimal
	Pull     map[models.Address]decimal.Decimal // только для Approve
	After    func() error                       // дополнительное поведение внешнего протокола
	ExecErr  error
	Executed int
}

func (m *MockAdapter) Address() models.Address { return m.addr }
func (m *MockAdapter) Identifier() string      { return "mock" }

func (m *MockAdapter) ParseAssetsForAction(models.Address, models.Selector, []byte) (ActionAssets, error) {
	return m.Assets, m.ParseErr
}

func (m *MockAdapter) Execute(_ context.Context, vaultAddr models.Address, _ models.Selector, _ []byte, _ ActionAssets) error {
	m.Executed++
	if m.ExecErr != nil {
		return m.ExecErr
	}
	for asset, amt := range m.Pull {
		if err := m.bank.TransferFrom(asset, m.addr, vaultAddr, m.addr, amt); err != nil {
			return err
		}
	}
	for asset, amt := range m.Pay {
		if err := m.bank.Mint(asset, vaultAddr, amt); err != nil {
			return err
		}
	}
	if m.After != nil {
		return m.After()
	}
	return nil
}

type fixture struct {
	env      *chain.Env
	rec      *chain.EventRecorder
	bank     *token.Bank
	vault    *vault.Vault
	router   *accessor.ActionRouter
	gateway  *Gateway
	policies *MockPolicies
	adapter  *MockAdapter
}

// newFixture создает активированный фонд с 1000 USDC и разрешённым адаптером
func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := chain.NewEnv(chain.NewManualClock(testStart))
	rec := &chain.EventRecorder{}
	env.AddSink(rec)

	bank := token.NewBank()
	env.Track(bank)

	gw := NewGateway(env, testGateway, testProtocol)
	gw.newID = func() uuid.UUID { return testRecordID }

	v := vault.New(env, bank, vault.Params{
		Address:    testVaultID,
		Name:       "Test Fund",
		Owner:      testOwner,
		Creator:    testRegistry,
		Dispatcher: testRegistry,
		Accessor:   testRouter,
	})
	policies := &MockPolicies{}
	router := accessor.New(env, accessor.Params{
		Address:           testRouter,
		Deployer:          testRegistry,
		Release:           "v1",
		DenominationAsset: assetUSDC,
		Extensions:        []models.Address{testGateway},
		Bank:              bank,
		Policies:          policies,
		Integration:       gw,
	})
	if err := router.SetVaultProxy(testRegistry, v); err != nil {
		t.Fatalf("SetVaultProxy() error = %v", err)
	}
	if err := router.Activate(testRegistry, false); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := bank.Mint(assetUSDC, testVaultID, d("1000")); err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	adapter := &MockAdapter{bank: bank, addr: testAdapter}
	if err := gw.RegisterAdapter(testProtocol, adapter); err != nil {
		t.Fatalf("RegisterAdapter() error = %v", err)
	}
	if err := gw.AllowAdapterSelector(testProtocol, testAdapter, selectorSwap); err != nil {
		t.Fatalf("AllowAdapterSelector() error = %v", err)
	}
	rec.Reset()

	return &fixture{
		env:      env,
		rec:      rec,
		bank:     bank,
		vault:    v,
		router:   router,
		gateway:  gw,
		policies: policies,
		adapter:  adapter,
	}
}

// swapUSDCForWETH настраивает адаптер на обмен spend USDC → pay WETH
func (f *fixture) swapUSDCForWETH(spend, minIncoming, pay string) {
	f.adapter.Assets = ActionAssets{
		SpendAssets:        []models.Address{assetUSDC},
		SpendAmounts:       []decimal.Decimal{d(spend)},
		IncomingAssets:     []models.Address{assetWETH},
		MinIncomingAmounts: []decimal.Decimal{d(minIncoming)},
		HandleType:         models.HandleTransfer,
	}
	f.adapter.Pay = map[models.Address]decimal.Decimal{assetWETH: d(pay)}
}

// fillTrackedAssets доводит набор отслеживаемых активов до лимита
func (f *fixture) fillTrackedAssets(t *testing.T) []models.Address {
	t.Helper()
	var added []models.Address
	for i := len(f.vault.TrackedAssets()); i < vault.DefaultMaxTrackedAssets; i++ {
		asset := models.Address(fmt.Sprintf("0xfiller%02d", i))
		if err := f.bank.Mint(asset, testVaultID, d("1")); err != nil {
			t.Fatalf("Mint() error = %v", err)
		}
		if err := f.vault.AddTrackedAsset(testRouter, asset); err != nil {
			t.Fatalf("AddTrackedAsset(%s) error = %v", asset, err)
		}
		added = append(added, asset)
	}
	return added
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
