package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundsettle/internal/accessor"
	"fundsettle/internal/integration"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/registry"
	"fundsettle/internal/repository"
)

// EventStore определяет интерфейс хранилища журнала событий
type EventStore interface {
	Append(ctx context.Context, ev *models.Event) error
	GetByID(ctx context.Context, id int64) (*models.Event, error)
	List(ctx context.Context, f repository.EventFilter) ([]*models.Event, error)
	Count(ctx context.Context, f repository.EventFilter) (int64, error)
}

// EventPruner - хранилище журнала с удалением старых записей
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// SettlementStore определяет интерфейс хранилища расчётов
type SettlementStore interface {
	Save(ctx context.Context, rec *models.SettlementRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error)
	ListByVault(ctx context.Context, vault models.Address, limit int) ([]*models.SettlementRecord, error)
}

// EventBroadcaster - интерфейс для отправки событий WebSocket клиентам
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type EventBroadcaster interface {
	BroadcastEvents(events []models.Event)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ EventStore = (*repository.EventRepository)(nil)
var _ SettlementStore = (*repository.SettlementRepository)(nil)
var _ EventStore = (*MemoryEventStore)(nil)
var _ SettlementStore = (*MemorySettlementStore)(nil)

// FundServiceInterface - операции ядра, доступные через API
type FundServiceInterface interface {
	Owner() models.Address

	CreateFund(ctx context.Context, caller models.Address, cfg models.FundConfig) (registry.Fund, error)
	ListFunds() []registry.Fund
	GetFund(vault models.Address) (*FundView, error)
	SharesBalance(vault, account models.Address) (decimal.Decimal, error)
	BuyShares(ctx context.Context, caller, vault models.Address, investment, minShares decimal.Decimal) (decimal.Decimal, error)
	RedeemShares(ctx context.Context, caller, vault, recipient models.Address, shares decimal.Decimal) ([]accessor.Payout, error)
	TransferShares(ctx context.Context, caller, vault, to models.Address, amount decimal.Decimal) error
	AddAssetManagers(ctx context.Context, caller, vault models.Address, managers []models.Address) error
	RemoveAssetManagers(ctx context.Context, caller, vault models.Address, managers []models.Address) error
	SetMigrator(ctx context.Context, caller, vault, migrator models.Address) error

	CallOnIntegration(ctx context.Context, caller, vault, adapter models.Address, selector models.Selector, args []byte) (*models.SettlementRecord, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error)
	ListSettlements(ctx context.Context, vault models.Address, limit int) ([]*models.SettlementRecord, error)
	AllowAdapterSelector(ctx context.Context, caller, adapter models.Address, selector models.Selector) error
	DisallowAdapterSelector(ctx context.Context, caller, adapter models.Address, selector models.Selector) error
	AllowedSelectors() []integration.AllowedSelector

	RegisteredPolicies() []string
	EnablePolicy(ctx context.Context, caller, vault models.Address, id string, settings []byte) error
	DisablePolicy(ctx context.Context, caller, vault models.Address, id string) error
	UpdatePolicySettings(ctx context.Context, caller, vault models.Address, id string, settings []byte) error
	SlippageState(vault models.Address) (*SlippageView, error)
	StartAssetBypass(ctx context.Context, caller, vault, asset models.Address) error
	SetBypassableAdapters(ctx context.Context, caller models.Address, adapters []models.Address, bypass bool) error

	Releases() ([]registry.Release, string, time.Duration)
	RegisterRelease(ctx context.Context, caller models.Address, id string, reconfigurationTimelock time.Duration) error
	SetCurrentRelease(ctx context.Context, caller models.Address, id string) error
	SetMigrationTimelock(ctx context.Context, caller models.Address, timelock time.Duration) error
	SetReconfigurationTimelock(ctx context.Context, caller models.Address, releaseID string, timelock time.Duration) error

	CreateRequest(ctx context.Context, caller, vault models.Address, kind models.RequestKind, cfg models.FundConfig) (models.PendingRequest, error)
	ExecuteRequest(ctx context.Context, caller, vault models.Address, kind models.RequestKind, bypassFailure bool) error
	CancelRequest(ctx context.Context, caller, vault models.Address, kind models.RequestKind) error
	PendingRequests(vault models.Address) ([]models.PendingRequest, error)

	SetRate(ctx context.Context, caller, asset models.Address, value decimal.Decimal) error
	RemoveRate(ctx context.Context, caller, asset models.Address) error
	Rates() []oracle.Rate
	Value(base models.Address, amount decimal.Decimal, quote models.Address) (decimal.Decimal, bool)
}

// EventServiceInterface - чтение журнала событий через API
type EventServiceInterface interface {
	ListEvents(ctx context.Context, f repository.EventFilter) ([]*models.Event, error)
	CountEvents(ctx context.Context, f repository.EventFilter) (int64, error)
	GetEvent(ctx context.Context, id int64) (*models.Event, error)
}

var _ FundServiceInterface = (*FundService)(nil)
var _ EventServiceInterface = (*EventService)(nil)
