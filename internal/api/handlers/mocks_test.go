package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"fundsettle/internal/adapter"
	"fundsettle/internal/api/middleware"
	"fundsettle/internal/chain"
	"fundsettle/internal/exchange"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/registry"
	"fundsettle/internal/repository"
	"fundsettle/internal/service"
	"fundsettle/internal/token"
	"fundsettle/pkg/retry"
)

const (
	protocolOwner = models.Address("0xprotocol")
	fundOwner     = models.Address("0xowner")
	investor      = models.Address("0xinvestor")
	stranger      = models.Address("0xstranger")
	swapAddr      = models.Address("0xswapadapter")
	dexAddr       = models.Address("0xdex")
	assetUSDC     = models.Address("0xusdc")
	assetWETH     = models.Address("0xweth")
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ============ Тестовое ядро ============

// testCore - настоящий FundService поверх ядра в памяти
type testCore struct {
	svc   *service.FundService
	clock *chain.ManualClock
	bank  *token.Bank
	dex   *exchange.Dex
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	clock := chain.NewManualClock(testStart)
	env := chain.NewEnv(clock)
	bank := token.NewBank()
	env.Track(bank)

	feed := oracle.NewPriceFeed(clock, oracle.DefaultMaxStaleness)
	feed.SetRate(assetUSDC, d("1"))
	feed.SetRate(assetWETH, d("2000"))

	manager := policy.NewManager(env, protocolOwner, "0xregistry")
	slip := policy.NewCumulativeSlippageTolerancePolicy(env, feed, manager, protocolOwner, policy.SlippageConfig{})
	must(t, manager.RegisterPolicy(protocolOwner, slip))

	gw := integration.NewGateway(env, "0xgateway", protocolOwner)
	reg := registry.New(env, registry.Params{Address: "0xregistry", Owner: protocolOwner}, registry.Deps{
		Bank:        bank,
		Policies:    manager,
		Valuation:   feed,
		Integration: gw,
		Extensions:  []models.Address{"0xgateway"},
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

	svc := service.NewFundService(service.FundDeps{
		Env:         env,
		Registry:    reg,
		Gateway:     gw,
		Policies:    manager,
		Slippage:    slip,
		Feed:        feed,
		Settlements: service.NewMemorySettlementStore(),
		Persist:     retry.Config{MaxRetries: 1},
	})
	return &testCore{svc: svc, clock: clock, bank: bank, dex: dex}
}

// newFund создает фонд с допуском 10% и вкладом инвестора
func (c *testCore) newFund(t *testing.T, investment string) registry.Fund {
	t.Helper()
	fund, err := c.svc.CreateFund(context.Background(), fundOwner, models.FundConfig{
		Name:              "Handler Fund",
		DenominationAsset: assetUSDC,
		Policies: []models.PolicySetting{{
			Policy:   policy.CumulativeSlippagePolicyID,
			Settings: []byte(`{"tolerance":"0.1"}`),
		}},
	})
	must(t, err)
	must(t, c.bank.Mint(assetUSDC, investor, d(investment)))
	_, err = c.svc.BuyShares(context.Background(), investor, fund.Vault, d(investment), decimal.Zero)
	must(t, err)
	return fund
}

// newRequest собирает запрос с телом, вызывающим и переменными маршрута
func newRequest(method, path, body string, caller models.Address, vars map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req = req.WithContext(middleware.WithCaller(req.Context(), caller))
	}
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

// ============ Mock EventService ============

// MockEventService мок для EventServiceInterface
type MockEventService struct {
	events  []*models.Event
	listErr error
	filters []repository.EventFilter
	mu      sync.Mutex
}

func NewMockEventService() *MockEventService {
	return &MockEventService{}
}

// AddEvent добавляет событие с очередным ID
func (m *MockEventService) AddEvent(typ string, vault models.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, &models.Event{
		ID:        int64(len(m.events) + 1),
		Type:      typ,
		Vault:     vault,
		Timestamp: testStart,
	})
}

func (m *MockEventService) ListEvents(_ context.Context, f repository.EventFilter) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	if m.listErr != nil {
		return nil, m.listErr
	}

	out := []*models.Event{}
	for _, ev := range m.events {
		if ev.ID <= f.AfterID || (!f.Vault.IsZero() && ev.Vault != f.Vault) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockEventService) CountEvents(_ context.Context, f repository.EventFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.events {
		if f.Vault.IsZero() || ev.Vault == f.Vault {
			n++
		}
	}
	return n, nil
}

func (m *MockEventService) GetEvent(_ context.Context, id int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, repository.ErrEventNotFound
}

// LastFilter возвращает фильтр последнего ListEvents
func (m *MockEventService) LastFilter() (repository.EventFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.filters) == 0 {
		return repository.EventFilter{}, errors.New("ListEvents not called")
	}
	return m.filters[len(m.filters)-1], nil
}
