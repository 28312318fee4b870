package vault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/token"
)

const (
	testVault      = models.Address("0xvault")
	testOwner      = models.Address("0xowner")
	testAccessor   = models.Address("0xrouter")
	testDispatcher = models.Address("0xregistry")
	testStranger   = models.Address("0xstranger")
	testInvestor   = models.Address("0xinvestor")
	assetWETH      = models.Address("0xweth")
	assetUSDC      = models.Address("0xusdc")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestVault(t *testing.T) (*Vault, *token.Bank, *chain.Env, *chain.EventRecorder) {
	t.Helper()
	env := chain.NewEnv(chain.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	bank := token.NewBank()
	env.Track(bank)
	rec := &chain.EventRecorder{}
	env.AddSink(rec)

	v := New(env, bank, Params{
		Address:    testVault,
		Name:       "Test Fund",
		Owner:      testOwner,
		Creator:    testDispatcher,
		Dispatcher: testDispatcher,
		Accessor:   testAccessor,
	})
	return v, bank, env, rec
}

// TestVault_OnlyAccessor проверяет, что все изменяющие вызовы доступны только accessor
func TestVault_OnlyAccessor(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	calls := []struct {
		name string
		call func(caller models.Address) error
	}{
		{"AddTrackedAsset", func(c models.Address) error { return v.AddTrackedAsset(c, assetWETH) }},
		{"RemoveTrackedAsset", func(c models.Address) error { return v.RemoveTrackedAsset(c, assetWETH) }},
		{"AddPersistentlyTrackedAsset", func(c models.Address) error { return v.AddPersistentlyTrackedAsset(c, assetWETH) }},
		{"RemovePersistentlyTrackedAsset", func(c models.Address) error { return v.RemovePersistentlyTrackedAsset(c, assetWETH) }},
		{"WithdrawAssetTo", func(c models.Address) error { return v.WithdrawAssetTo(c, assetWETH, testInvestor, d("1")) }},
		{"ApproveAssetSpender", func(c models.Address) error { return v.ApproveAssetSpender(c, assetWETH, testInvestor, d("1")) }},
		{"MintShares", func(c models.Address) error { return v.MintShares(c, testInvestor, d("1")) }},
		{"BurnShares", func(c models.Address) error { return v.BurnShares(c, testInvestor, d("1")) }},
		{"TransferShares", func(c models.Address) error { return v.TransferShares(c, testInvestor, testOwner, d("1")) }},
	}

	for _, tc := range calls {
		for _, caller := range []models.Address{testStranger, testOwner, testDispatcher, models.ZeroAddress} {
			t.Run(fmt.Sprintf("%s by %s", tc.name, caller), func(t *testing.T) {
				err := tc.call(caller)
				if !errors.Is(err, fault.ErrUnauthorized) {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
			})
		}
	}
}

func TestVault_AddTrackedAsset(t *testing.T) {
	v, _, _, rec := newTestVault(t)

	if err := v.AddTrackedAsset(testAccessor, assetWETH); err != nil {
		t.Fatalf("AddTrackedAsset() error = %v", err)
	}
	// Повторное добавление - no-op
	if err := v.AddTrackedAsset(testAccessor, assetWETH); err != nil {
		t.Fatalf("second AddTrackedAsset() error = %v", err)
	}

	if got := v.TrackedAssets(); len(got) != 1 || got[0] != assetWETH {
		t.Errorf("TrackedAssets() = %v, want [%s]", got, assetWETH)
	}
	if n := len(rec.OfType(models.EventTrackedAssetAdded)); n != 1 {
		t.Errorf("expected 1 TRACKED_ASSET_ADDED event, got %d", n)
	}
}

func TestVault_AddTrackedAsset_SharesAsset(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	if err := v.AddTrackedAsset(testAccessor, testVault); !errors.Is(err, fault.ErrCannotActOnShares) {
		t.Errorf("expected ErrCannotActOnShares, got %v", err)
	}
	if err := v.WithdrawAssetTo(testAccessor, testVault, testInvestor, d("1")); !errors.Is(err, fault.ErrCannotActOnShares) {
		t.Errorf("expected ErrCannotActOnShares on withdraw, got %v", err)
	}
	if v.IsTrackedAsset(testVault) {
		t.Error("shares asset must never be tracked")
	}
}

// TestVault_TrackedAssetsCap проверяет лимит: (cap+1)-й актив не добавляется и набор не меняется
func TestVault_TrackedAssetsCap(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	for i := 0; i < DefaultMaxTrackedAssets; i++ {
		asset := models.Address(fmt.Sprintf("0xasset%02d", i))
		if err := v.AddTrackedAsset(testAccessor, asset); err != nil {
			t.Fatalf("AddTrackedAsset(%d) error = %v", i, err)
		}
	}

	before := v.TrackedAssets()
	err := v.AddTrackedAsset(testAccessor, "0xasset_extra")
	if !errors.Is(err, fault.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	after := v.TrackedAssets()
	if len(after) != len(before) {
		t.Fatalf("tracked set changed: before %d, after %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("tracked[%d] = %s, want %s", i, after[i], before[i])
		}
	}

	// Уже отслеживаемый актив при заполненном наборе - no-op без ошибки
	if err := v.AddTrackedAsset(testAccessor, before[0]); err != nil {
		t.Errorf("re-adding tracked asset at cap: %v", err)
	}
}

func TestVault_CustomCap(t *testing.T) {
	env := chain.NewEnv(nil)
	bank := token.NewBank()
	v := New(env, bank, Params{Address: testVault, Accessor: testAccessor, MaxTrackedAssets: 2})

	_ = v.AddTrackedAsset(testAccessor, assetWETH)
	_ = v.AddTrackedAsset(testAccessor, assetUSDC)
	if err := v.AddTrackedAsset(testAccessor, "0xdai"); !errors.Is(err, fault.ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded with cap 2, got %v", err)
	}
	if v.MaxTrackedAssets() != 2 {
		t.Errorf("MaxTrackedAssets() = %d, want 2", v.MaxTrackedAssets())
	}
}

// TestVault_RemoveTrackedAsset_NoOp проверяет идемпотентность удаления
func TestVault_RemoveTrackedAsset_NoOp(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *Vault, bank *token.Bank)
		asset       models.Address
		wantTracked bool
	}{
		{
			name:        "untracked asset",
			setup:       func(v *Vault, bank *token.Bank) {},
			asset:       assetWETH,
			wantTracked: false,
		},
		{
			name: "persistent asset",
			setup: func(v *Vault, bank *token.Bank) {
				_ = v.AddPersistentlyTrackedAsset(testAccessor, assetWETH)
			},
			asset:       assetWETH,
			wantTracked: true,
		},
		{
			name: "asset with balance",
			setup: func(v *Vault, bank *token.Bank) {
				_ = bank.Mint(assetWETH, testVault, d("5"))
				_ = v.AddTrackedAsset(testAccessor, assetWETH)
			},
			asset:       assetWETH,
			wantTracked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, bank, _, rec := newTestVault(t)
			tt.setup(v, bank)
			before := v.TrackedAssets()
			rec.Reset()

			for i := 0; i < 2; i++ {
				if err := v.RemoveTrackedAsset(testAccessor, tt.asset); err != nil {
					t.Fatalf("RemoveTrackedAsset() error = %v", err)
				}
			}

			if got := v.IsTrackedAsset(tt.asset); got != tt.wantTracked {
				t.Errorf("IsTrackedAsset() = %v, want %v", got, tt.wantTracked)
			}
			if len(v.TrackedAssets()) != len(before) {
				t.Errorf("tracked set changed: %v → %v", before, v.TrackedAssets())
			}
			if len(rec.Events()) != 0 {
				t.Errorf("no-op removal emitted %d events", len(rec.Events()))
			}
		})
	}
}

func TestVault_RemoveTrackedAsset_KeepsOrder(t *testing.T) {
	v, _, _, _ := newTestVault(t)
	for _, a := range []models.Address{"0xa", "0xb", "0xc"} {
		_ = v.AddTrackedAsset(testAccessor, a)
	}

	if err := v.RemoveTrackedAsset(testAccessor, "0xb"); err != nil {
		t.Fatalf("RemoveTrackedAsset() error = %v", err)
	}

	got := v.TrackedAssets()
	if len(got) != 2 || got[0] != "0xa" || got[1] != "0xc" {
		t.Errorf("TrackedAssets() = %v, want [0xa 0xc]", got)
	}
}

func TestVault_RemovePersistentlyTrackedAsset(t *testing.T) {
	v, bank, _, _ := newTestVault(t)
	_ = v.AddPersistentlyTrackedAsset(testAccessor, assetUSDC)

	// Без флага - no-op
	if err := v.RemovePersistentlyTrackedAsset(testAccessor, assetWETH); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// С балансом: флаг снимается, актив остаётся в наборе
	_ = bank.Mint(assetUSDC, testVault, d("100"))
	if err := v.RemovePersistentlyTrackedAsset(testAccessor, assetUSDC); err != nil {
		t.Fatalf("RemovePersistentlyTrackedAsset() error = %v", err)
	}
	if v.IsPersistentlyTrackedAsset(assetUSDC) {
		t.Error("persistent flag should be cleared")
	}
	if !v.IsTrackedAsset(assetUSDC) {
		t.Error("asset with balance must stay tracked")
	}

	// Нулевой баланс: снятие флага удаляет актив
	_ = v.AddPersistentlyTrackedAsset(testAccessor, assetWETH)
	if err := v.RemovePersistentlyTrackedAsset(testAccessor, assetWETH); err != nil {
		t.Fatalf("RemovePersistentlyTrackedAsset() error = %v", err)
	}
	if v.IsTrackedAsset(assetWETH) {
		t.Error("zero-balance asset should be untracked after flag removal")
	}
}

func TestVault_WithdrawAssetTo(t *testing.T) {
	tests := []struct {
		name        string
		persistent  bool
		balance     string
		withdraw    string
		wantTracked bool
		wantErr     error
	}{
		{name: "partial withdraw keeps asset", balance: "10", withdraw: "4", wantTracked: true},
		{name: "full withdraw untracks asset", balance: "10", withdraw: "10", wantTracked: false},
		{name: "full withdraw keeps persistent", persistent: true, balance: "10", withdraw: "10", wantTracked: true},
		{name: "overdraw fails", balance: "10", withdraw: "11", wantTracked: true, wantErr: fault.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, bank, _, _ := newTestVault(t)
			_ = bank.Mint(assetWETH, testVault, d(tt.balance))
			if tt.persistent {
				_ = v.AddPersistentlyTrackedAsset(testAccessor, assetWETH)
			} else {
				_ = v.AddTrackedAsset(testAccessor, assetWETH)
			}

			err := v.WithdrawAssetTo(testAccessor, assetWETH, testInvestor, d(tt.withdraw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("WithdrawAssetTo() error = %v", err)
			}

			if got := v.IsTrackedAsset(assetWETH); got != tt.wantTracked {
				t.Errorf("IsTrackedAsset() = %v, want %v", got, tt.wantTracked)
			}
			if tt.wantErr == nil {
				if got := bank.BalanceOf(assetWETH, testInvestor); !got.Equal(d(tt.withdraw)) {
					t.Errorf("investor balance = %s, want %s", got, tt.withdraw)
				}
			}
		})
	}
}

func TestVault_ApproveAssetSpender(t *testing.T) {
	v, bank, _, rec := newTestVault(t)

	if err := v.ApproveAssetSpender(testAccessor, assetWETH, "0xpool", d("3")); err != nil {
		t.Fatalf("ApproveAssetSpender() error = %v", err)
	}
	if got := bank.Allowance(assetWETH, testVault, "0xpool"); !got.Equal(d("3")) {
		t.Errorf("Allowance() = %s, want 3", got)
	}
	if n := len(rec.OfType(models.EventAssetSpenderApproved)); n != 1 {
		t.Errorf("expected 1 ASSET_SPENDER_APPROVED event, got %d", n)
	}
}

func TestVault_Shares(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	if err := v.MintShares(testAccessor, testInvestor, d("100")); err != nil {
		t.Fatalf("MintShares() error = %v", err)
	}
	if err := v.TransferShares(testAccessor, testInvestor, testOwner, d("30")); err != nil {
		t.Fatalf("TransferShares() error = %v", err)
	}
	if err := v.BurnShares(testAccessor, testOwner, d("10")); err != nil {
		t.Fatalf("BurnShares() error = %v", err)
	}

	if got := v.SharesBalanceOf(testInvestor); !got.Equal(d("70")) {
		t.Errorf("investor shares = %s, want 70", got)
	}
	if got := v.SharesBalanceOf(testOwner); !got.Equal(d("20")) {
		t.Errorf("owner shares = %s, want 20", got)
	}
	if got := v.TotalShares(); !got.Equal(d("90")) {
		t.Errorf("TotalShares() = %s, want 90", got)
	}
}

func TestVault_SharesErrors(t *testing.T) {
	tests := []struct {
		name    string
		call    func(v *Vault) error
		wantErr error
	}{
		{"mint to zero account", func(v *Vault) error { return v.MintShares(testAccessor, models.ZeroAddress, d("1")) }, fault.ErrZeroAccount},
		{"burn from zero account", func(v *Vault) error { return v.BurnShares(testAccessor, models.ZeroAddress, d("1")) }, fault.ErrZeroAccount},
		{"transfer to zero account", func(v *Vault) error { return v.TransferShares(testAccessor, testInvestor, models.ZeroAddress, d("1")) }, fault.ErrZeroAccount},
		{"burn exceeding balance", func(v *Vault) error { return v.BurnShares(testAccessor, testInvestor, d("11")) }, fault.ErrInsufficientBalance},
		{"transfer exceeding balance", func(v *Vault) error { return v.TransferShares(testAccessor, testInvestor, testOwner, d("11")) }, fault.ErrInsufficientBalance},
		{"negative mint", func(v *Vault) error { return v.MintShares(testAccessor, testInvestor, d("-1")) }, fault.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _, _ := newTestVault(t)
			_ = v.MintShares(testAccessor, testInvestor, d("10"))

			if err := tt.call(v); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !v.TotalShares().Equal(d("10")) {
				t.Errorf("TotalShares() changed to %s", v.TotalShares())
			}
		})
	}
}

func TestVault_SetAccessor(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	if err := v.SetAccessor(testOwner, "0xnext"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("owner must not swap accessor, got %v", err)
	}
	if err := v.SetAccessor(testDispatcher, "0xnext"); err != nil {
		t.Fatalf("SetAccessor() error = %v", err)
	}
	if v.Accessor() != "0xnext" {
		t.Errorf("Accessor() = %s, want 0xnext", v.Accessor())
	}
	// Старый роутер больше не может изменять реестр
	if err := v.AddTrackedAsset(testAccessor, assetWETH); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("previous accessor must be rejected, got %v", err)
	}
}

func TestVault_SetMigratorAndCanMigrate(t *testing.T) {
	v, _, _, _ := newTestVault(t)

	if err := v.SetMigrator(testStranger, "0xmig"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := v.SetMigrator(testOwner, "0xmig"); err != nil {
		t.Fatalf("SetMigrator() error = %v", err)
	}

	tests := []struct {
		who  models.Address
		want bool
	}{
		{testOwner, true},
		{"0xmig", true},
		{testStranger, false},
		{models.ZeroAddress, false},
	}
	for _, tt := range tests {
		if got := v.CanMigrate(tt.who); got != tt.want {
			t.Errorf("CanMigrate(%s) = %v, want %v", tt.who, got, tt.want)
		}
	}
}

// TestVault_AtomicRollback проверяет откат реестра и банка при ошибке единицы работы
func TestVault_AtomicRollback(t *testing.T) {
	v, bank, env, rec := newTestVault(t)
	_ = bank.Mint(assetWETH, testVault, d("10"))
	_ = v.AddTrackedAsset(testAccessor, assetWETH)
	_ = v.MintShares(testAccessor, testInvestor, d("10"))
	rec.Reset()

	boom := errors.New("boom")
	err := env.Atomic(func() error {
		if err := v.WithdrawAssetTo(testAccessor, assetWETH, testInvestor, d("10")); err != nil {
			return err
		}
		if err := v.AddTrackedAsset(testAccessor, assetUSDC); err != nil {
			return err
		}
		if err := v.BurnShares(testAccessor, testInvestor, d("10")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if got := v.TrackedAssets(); len(got) != 1 || got[0] != assetWETH {
		t.Errorf("TrackedAssets() = %v, want [%s]", got, assetWETH)
	}
	if got := bank.BalanceOf(assetWETH, testVault); !got.Equal(d("10")) {
		t.Errorf("vault balance = %s, want 10", got)
	}
	if got := v.TotalShares(); !got.Equal(d("10")) {
		t.Errorf("TotalShares() = %s, want 10", got)
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("rolled back unit emitted %d events", n)
	}
}
