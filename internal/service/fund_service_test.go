package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/adapter"
	"fundsettle/internal/chain"
	"fundsettle/internal/exchange"
	"fundsettle/internal/fault"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/registry"
	"fundsettle/internal/repository"
	"fundsettle/internal/token"
	"fundsettle/pkg/retry"
)

const (
	protocolOwner = models.Address("0xprotocol")
	registryAddr  = models.Address("0xregistry")
	gatewayAddr   = models.Address("0xgateway")
	fundOwner     = models.Address("0xowner")
	investor      = models.Address("0xinvestor")
	stranger      = models.Address("0xstranger")

	dexAddr  = models.Address("0xdex")
	swapAddr = models.Address("0xswapadapter")

	assetUSDC = models.Address("0xusdc")
	assetWETH = models.Address("0xweth")
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fastRetry - повторы без заметных пауз
var fastRetry = retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

type harness struct {
	svc         *FundService
	events      *EventService
	eventStore  *MockEventStore
	settlements *MockSettlementStore
	hub         *MockBroadcaster
	clock       *chain.ManualClock
	bank        *token.Bank
	dex         *exchange.Dex

	cancel context.CancelFunc
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func slippageConfig(name, tolerance string) models.FundConfig {
	return models.FundConfig{
		Name:              name,
		DenominationAsset: assetUSDC,
		Policies: []models.PolicySetting{{
			Policy:   policy.CumulativeSlippagePolicyID,
			Settings: []byte(fmt.Sprintf(`{"tolerance":%q}`, tolerance)),
		}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := chain.NewManualClock(testStart)
	env := chain.NewEnv(clock)
	bank := token.NewBank()
	env.Track(bank)

	feed := oracle.NewPriceFeed(clock, oracle.DefaultMaxStaleness)
	feed.SetRate(assetUSDC, d("1"))
	feed.SetRate(assetWETH, d("2000"))

	manager := policy.NewManager(env, protocolOwner, registryAddr)
	slip := policy.NewCumulativeSlippageTolerancePolicy(env, feed, manager, protocolOwner, policy.SlippageConfig{})
	must(t, manager.RegisterPolicy(protocolOwner, slip))

	gw := integration.NewGateway(env, gatewayAddr, protocolOwner)
	reg := registry.New(env, registry.Params{Address: registryAddr, Owner: protocolOwner}, registry.Deps{
		Bank:        bank,
		Policies:    manager,
		Valuation:   feed,
		Integration: gw,
		Extensions:  []models.Address{gatewayAddr},
	})
	manager.SetFundResolver(reg)
	must(t, reg.RegisterRelease(protocolOwner, "v1", 0))
	must(t, reg.SetCurrentRelease(protocolOwner, "v1"))

	dex := exchange.NewDex(bank, "testdex", dexAddr)
	env.Track(dex)
	must(t, dex.SetRate(assetUSDC, assetWETH, d("0.0005")))
	must(t, bank.Mint(assetWETH, dexAddr, d("100")))
	must(t, gw.RegisterAdapter(protocolOwner, adapter.NewSwapAdapter(swapAddr, dex)))
	must(t, gw.AllowAdapterSelector(protocolOwner, swapAddr, models.SelectorTakeOrder))

	eventStore := NewMockEventStore()
	hub := &MockBroadcaster{}
	events := NewEventService(eventStore, 64, fastRetry)
	events.SetBroadcaster(hub)
	env.AddSink(events)

	settlements := NewMockSettlementStore()
	svc := NewFundService(FundDeps{
		Env:         env,
		Registry:    reg,
		Gateway:     gw,
		Policies:    manager,
		Slippage:    slip,
		Feed:        feed,
		Settlements: settlements,
		Persist:     fastRetry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go events.Run(ctx)
	t.Cleanup(func() {
		cancel()
		events.Wait()
	})

	return &harness{
		svc:         svc,
		events:      events,
		eventStore:  eventStore,
		settlements: settlements,
		hub:         hub,
		clock:       clock,
		bank:        bank,
		dex:         dex,
		cancel:      cancel,
	}
}

// flush останавливает EventService и дожидается записи очереди
func (h *harness) flush() {
	h.cancel()
	h.events.Wait()
}

// newFund создает фонд с допуском 10% и вкладом инвестора
func (h *harness) newFund(t *testing.T, investment string) registry.Fund {
	t.Helper()
	fund, err := h.svc.CreateFund(context.Background(), fundOwner, slippageConfig("Service Fund", "0.1"))
	must(t, err)
	must(t, h.bank.Mint(assetUSDC, investor, d(investment)))
	if _, err := h.svc.BuyShares(context.Background(), investor, fund.Vault, d(investment), decimal.Zero); err != nil {
		t.Fatalf("BuyShares() error = %v", err)
	}
	return fund
}

func takeOrder(t *testing.T, amount string) []byte {
	t.Helper()
	raw, err := adapter.EncodeArgs(adapter.TakeOrderArgs{
		OutgoingAsset:  assetUSDC,
		OutgoingAmount: d(amount),
		IncomingAsset:  assetWETH,
	})
	must(t, err)
	return raw
}

// ============================================================
// Фонды и доли
// ============================================================

func TestFundService_CreateFundAndBuyShares(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	if fund.Owner != fundOwner || fund.Release != "v1" {
		t.Errorf("unexpected fund summary: %+v", fund)
	}
	if len(h.svc.ListFunds()) != 1 {
		t.Errorf("ListFunds() len = %d, want 1", len(h.svc.ListFunds()))
	}

	view, err := h.svc.GetFund(fund.Vault)
	must(t, err)
	if !view.TotalShares.Equal(d("1000")) {
		t.Errorf("TotalShares = %s, want 1000", view.TotalShares)
	}
	if view.GAV == nil || !view.GAV.Equal(d("1000")) {
		t.Errorf("GAV = %v, want 1000", view.GAV)
	}
	if view.SharePrice == nil || !view.SharePrice.Equal(d("1")) {
		t.Errorf("SharePrice = %v, want 1", view.SharePrice)
	}
	if len(view.Holdings) != 1 || view.Holdings[0].Asset != assetUSDC || !view.Holdings[0].Persistent {
		t.Errorf("Holdings = %+v", view.Holdings)
	}
	if len(view.Policies) != 1 || view.Policies[0] != policy.CumulativeSlippagePolicyID {
		t.Errorf("Policies = %v", view.Policies)
	}

	balance, err := h.svc.SharesBalance(fund.Vault, investor)
	must(t, err)
	if !balance.Equal(d("1000")) {
		t.Errorf("SharesBalance = %s, want 1000", balance)
	}

	// События доходят до журнала и WebSocket уже с ID
	h.flush()
	events, err := h.events.ListEvents(ctx, repository.EventFilter{
		Vault: fund.Vault,
		Types: []string{"fund_created", models.EventSharesBought},
	})
	must(t, err)
	if len(events) != 2 {
		t.Fatalf("ListEvents() len = %d, want 2", len(events))
	}
	for _, ev := range h.hub.Events() {
		if ev.ID == 0 {
			t.Errorf("broadcast event %s without ID", ev.Type)
		}
	}
}

func TestFundService_UnknownFund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unknown := models.Address("0xnofund")

	tests := []struct {
		name string
		call func() error
	}{
		{"GetFund", func() error { _, err := h.svc.GetFund(unknown); return err }},
		{"BuyShares", func() error {
			_, err := h.svc.BuyShares(ctx, investor, unknown, d("1"), decimal.Zero)
			return err
		}},
		{"PendingRequests", func() error { _, err := h.svc.PendingRequests(unknown); return err }},
		{"SlippageState", func() error { _, err := h.svc.SlippageState(unknown); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, fault.ErrUnknownFund) {
				t.Errorf("error = %v, want ErrUnknownFund", err)
			}
			if fault.Class(err) != fault.ClassNotFound {
				t.Errorf("class = %s, want not_found", fault.Class(err))
			}
		})
	}
}

func TestFundService_RedeemSharesDefaultsRecipient(t *testing.T) {
	h := newHarness(t)
	fund := h.newFund(t, "1000")

	payouts, err := h.svc.RedeemShares(context.Background(), investor, fund.Vault, "", d("400"))
	must(t, err)
	if len(payouts) != 1 || !payouts[0].Amount.Equal(d("400")) {
		t.Errorf("payouts = %+v", payouts)
	}
	if got := h.bank.BalanceOf(assetUSDC, investor); !got.Equal(d("400")) {
		t.Errorf("investor USDC = %s, want 400", got)
	}
}

func TestFundService_ConcurrentBuys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund, err := h.svc.CreateFund(ctx, fundOwner, slippageConfig("Busy Fund", "0.1"))
	must(t, err)

	const buyers = 10
	for i := 0; i < buyers; i++ {
		must(t, h.bank.Mint(assetUSDC, models.Address(fmt.Sprintf("0xbuyer%d", i)), d("100")))
	}

	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := models.Address(fmt.Sprintf("0xbuyer%d", i))
			if _, err := h.svc.BuyShares(ctx, buyer, fund.Vault, d("100"), decimal.Zero); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("BuyShares() error = %v", err)
	}

	view, err := h.svc.GetFund(fund.Vault)
	must(t, err)
	if !view.TotalShares.Equal(d("1000")) {
		t.Errorf("TotalShares = %s, want 1000", view.TotalShares)
	}
}

// ============================================================
// Интеграции
// ============================================================

func TestFundService_CallOnIntegration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "10000")

	record, err := h.svc.CallOnIntegration(ctx, fundOwner, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	must(t, err)
	if !record.IncomingAmounts[0].Equal(d("0.5")) {
		t.Errorf("incoming = %s, want 0.5", record.IncomingAmounts[0])
	}

	saved, err := h.svc.GetSettlement(ctx, record.ID)
	must(t, err)
	if saved.Selector != models.SelectorTakeOrder {
		t.Errorf("saved selector = %s", saved.Selector)
	}
	list, err := h.svc.ListSettlements(ctx, fund.Vault, 10)
	must(t, err)
	if len(list) != 1 {
		t.Errorf("ListSettlements() len = %d, want 1", len(list))
	}
}

func TestFundService_CallOnIntegrationRejectsStranger(t *testing.T) {
	h := newHarness(t)
	fund := h.newFund(t, "10000")

	_, err := h.svc.CallOnIntegration(context.Background(), stranger, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	if !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if h.settlements.SaveCalls() != 0 {
		t.Errorf("rejected call must not be persisted")
	}
}

func TestFundService_SlippageVeto(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "10000")

	must(t, h.dex.SetDeliveryFactor(d("0.95")))
	_, err := h.svc.CallOnIntegration(ctx, fundOwner, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	must(t, err)

	must(t, h.dex.SetDeliveryFactor(d("0.94")))
	_, err = h.svc.CallOnIntegration(ctx, fundOwner, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	if !errors.Is(err, policy.ErrSlippageToleranceExceeded) {
		t.Fatalf("error = %v, want slippage violation", err)
	}
	if fault.Class(err) != fault.ClassPolicy || !fault.IsRetryable(err) {
		t.Errorf("class = %s, want retryable policy error", fault.Class(err))
	}
	if h.settlements.SaveCalls() != 1 {
		t.Errorf("SaveCalls = %d, want 1", h.settlements.SaveCalls())
	}

	state, err := h.svc.SlippageState(fund.Vault)
	must(t, err)
	if !state.CumulativeSlippage.Equal(d("0.05")) || !state.Tolerance.Equal(d("0.1")) {
		t.Errorf("state = %+v", state)
	}

	// Через половину периода накопленное проскальзывание затухает вдвое
	h.clock.Advance(policy.DefaultTolerancePeriod / 2)
	state, err = h.svc.SlippageState(fund.Vault)
	must(t, err)
	if !state.DecayedSlippage.LessThan(state.CumulativeSlippage) {
		t.Errorf("decayed %s must be below cumulative %s", state.DecayedSlippage, state.CumulativeSlippage)
	}
}

func TestFundService_SettlementPersistFailure(t *testing.T) {
	h := newHarness(t)
	fund := h.newFund(t, "10000")
	h.settlements.saveErr = errors.New("db down")

	record, err := h.svc.CallOnIntegration(context.Background(), fundOwner, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	if err != nil {
		t.Fatalf("settlement must succeed when persistence fails, got %v", err)
	}
	if record == nil {
		t.Fatal("record is nil")
	}
	if h.settlements.SaveCalls() != fastRetry.MaxRetries {
		t.Errorf("SaveCalls = %d, want %d", h.settlements.SaveCalls(), fastRetry.MaxRetries)
	}
}

func TestFundService_AdapterSelectors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.DisallowAdapterSelector(ctx, stranger, swapAddr, models.SelectorTakeOrder); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger disallow error = %v, want ErrUnauthorized", err)
	}
	must(t, h.svc.DisallowAdapterSelector(ctx, protocolOwner, swapAddr, models.SelectorTakeOrder))
	if len(h.svc.AllowedSelectors()) != 0 {
		t.Errorf("AllowedSelectors() = %v, want empty", h.svc.AllowedSelectors())
	}

	fund := h.newFund(t, "10000")
	_, err := h.svc.CallOnIntegration(ctx, fundOwner, fund.Vault, swapAddr, models.SelectorTakeOrder, takeOrder(t, "1000"))
	if !errors.Is(err, fault.ErrAdapterNotAllowed) {
		t.Errorf("error = %v, want ErrAdapterNotAllowed", err)
	}
}

// ============================================================
// Политики
// ============================================================

func TestFundService_SlippagePolicyCannotBeChanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	if err := h.svc.DisablePolicy(ctx, fundOwner, fund.Vault, policy.CumulativeSlippagePolicyID); !errors.Is(err, fault.ErrCannotDisable) {
		t.Errorf("DisablePolicy() error = %v, want ErrCannotDisable", err)
	}
	err := h.svc.UpdatePolicySettings(ctx, fundOwner, fund.Vault, policy.CumulativeSlippagePolicyID, []byte(`{"tolerance":"0.5"}`))
	if !errors.Is(err, fault.ErrUpdateNotAllowed) {
		t.Errorf("UpdatePolicySettings() error = %v, want ErrUpdateNotAllowed", err)
	}
}

func TestFundService_AssetBypass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	// У WETH есть валидный курс - обход не нужен
	if err := h.svc.StartAssetBypass(ctx, fundOwner, fund.Vault, assetWETH); !errors.Is(err, fault.ErrInvalidArgs) {
		t.Errorf("priced asset error = %v, want ErrInvalidArgs", err)
	}
	if err := h.svc.StartAssetBypass(ctx, stranger, fund.Vault, "0xunpriced"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger error = %v, want ErrUnauthorized", err)
	}
	must(t, h.svc.StartAssetBypass(ctx, fundOwner, fund.Vault, "0xunpriced"))

	if err := h.svc.SetBypassableAdapters(ctx, fundOwner, []models.Address{swapAddr}, true); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("fund owner must not manage bypassable adapters, got %v", err)
	}
	must(t, h.svc.SetBypassableAdapters(ctx, protocolOwner, []models.Address{swapAddr}, true))
}

// ============================================================
// Релизы и запросы
// ============================================================

func TestFundService_ReconfigurationLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	must(t, h.svc.SetReconfigurationTimelock(ctx, protocolOwner, "v1", 48*time.Hour))

	if _, err := h.svc.CreateRequest(ctx, stranger, fund.Vault, models.RequestReconfiguration, slippageConfig("x", "0.2")); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger CreateRequest() error = %v, want ErrUnauthorized", err)
	}

	req, err := h.svc.CreateRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration, slippageConfig("Service Fund", "0.2"))
	must(t, err)
	if !req.ExecutableTimestamp.Equal(testStart.Add(48 * time.Hour)) {
		t.Errorf("ExecutableTimestamp = %s", req.ExecutableTimestamp)
	}
	if _, err := h.svc.CreateRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration, slippageConfig("Service Fund", "0.3")); !errors.Is(err, fault.ErrPendingRequestExists) {
		t.Errorf("second CreateRequest() error = %v, want ErrPendingRequestExists", err)
	}

	err = h.svc.ExecuteRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration, false)
	if !errors.Is(err, fault.ErrReconfigurationTimelockNotElapsed) || fault.Class(err) != fault.ClassTimelock {
		t.Fatalf("early ExecuteRequest() error = %v, want timelock", err)
	}

	h.clock.Advance(48 * time.Hour)
	must(t, h.svc.ExecuteRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration, false))

	view, err := h.svc.GetFund(fund.Vault)
	must(t, err)
	if view.Router != req.NextAccessor {
		t.Errorf("router = %s, want %s", view.Router, req.NextAccessor)
	}
	if len(view.PendingRequests) != 0 {
		t.Errorf("PendingRequests = %v, want empty", view.PendingRequests)
	}
	state, err := h.svc.SlippageState(fund.Vault)
	must(t, err)
	if !state.Tolerance.Equal(d("0.2")) {
		t.Errorf("tolerance after reconfiguration = %s, want 0.2", state.Tolerance)
	}
	if !state.CumulativeSlippage.IsZero() {
		t.Errorf("new configuration starts with zero slippage, got %s", state.CumulativeSlippage)
	}
}

func TestFundService_CancelRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	if err := h.svc.CancelRequest(ctx, fundOwner, fund.Vault, models.RequestMigration); !errors.Is(err, fault.ErrNoPendingRequest) {
		t.Errorf("CancelRequest() without request error = %v, want ErrNoPendingRequest", err)
	}

	_, err := h.svc.CreateRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration, slippageConfig("Service Fund", "0.2"))
	must(t, err)
	must(t, h.svc.CancelRequest(ctx, fundOwner, fund.Vault, models.RequestReconfiguration))

	pending, err := h.svc.PendingRequests(fund.Vault)
	must(t, err)
	if len(pending) != 0 {
		t.Errorf("PendingRequests = %v, want empty", pending)
	}
}

func TestFundService_InvalidRequestKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fund := h.newFund(t, "1000")

	_, err := h.svc.CreateRequest(ctx, fundOwner, fund.Vault, models.RequestKind("upgrade"), slippageConfig("x", "0.1"))
	if !errors.Is(err, fault.ErrInvalidArgs) {
		t.Errorf("CreateRequest() error = %v, want ErrInvalidArgs", err)
	}
	if err := h.svc.ExecuteRequest(ctx, fundOwner, fund.Vault, models.RequestKind("upgrade"), false); !errors.Is(err, fault.ErrInvalidArgs) {
		t.Errorf("ExecuteRequest() error = %v, want ErrInvalidArgs", err)
	}
}

func TestFundService_Releases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.RegisterRelease(ctx, stranger, "v2", 0); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger RegisterRelease() error = %v, want ErrUnauthorized", err)
	}
	must(t, h.svc.RegisterRelease(ctx, protocolOwner, "v2", time.Hour))
	must(t, h.svc.SetCurrentRelease(ctx, protocolOwner, "v2"))
	must(t, h.svc.SetMigrationTimelock(ctx, protocolOwner, 24*time.Hour))

	releases, current, timelock := h.svc.Releases()
	if len(releases) != 2 || current != "v2" || timelock != 24*time.Hour {
		t.Errorf("Releases() = %v, %s, %s", releases, current, timelock)
	}
}

// ============================================================
// Оракул
// ============================================================

func TestFundService_SetRate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  models.Address
		value   decimal.Decimal
		wantErr error
	}{
		{"stranger", stranger, d("1"), fault.ErrUnauthorized},
		{"zero rate", protocolOwner, decimal.Zero, fault.ErrInvalidAmount},
		{"negative rate", protocolOwner, d("-1"), fault.ErrInvalidAmount},
		{"ok", protocolOwner, d("3"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.SetRate(ctx, tt.caller, "0xdai", tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetRate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	value, ok := h.svc.Value("0xdai", d("2"), assetUSDC)
	if !ok || !value.Equal(d("6")) {
		t.Errorf("Value() = %s, %v, want 6", value, ok)
	}

	must(t, h.svc.RemoveRate(ctx, protocolOwner, "0xdai"))
	if _, ok := h.svc.Value("0xdai", d("2"), assetUSDC); ok {
		t.Error("removed rate must make valuation invalid")
	}
}
