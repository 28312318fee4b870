package models

import "time"

// Event - структурированное событие журнала аудита
//
// Каждое изменение состояния порождает событие. События буферизуются в
// единице работы и доставляются подписчикам только после её фиксации:
// откаченная операция не оставляет событий.
type Event struct {
	ID        int64                  `json:"id" db:"id"`
	Type      string                 `json:"type" db:"type"`
	Vault     Address                `json:"vault,omitempty" db:"vault"`
	Fund      Address                `json:"fund,omitempty" db:"fund"` // роутер (конфигурация фонда)
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty" db:"data"` // JSONB в БД
}

// Типы событий
const (
	// Реестр активов
	EventTrackedAssetAdded               = "TRACKED_ASSET_ADDED"
	EventTrackedAssetRemoved             = "TRACKED_ASSET_REMOVED"
	EventPersistentlyTrackedAssetAdded   = "PERSISTENTLY_TRACKED_ASSET_ADDED"
	EventPersistentlyTrackedAssetRemoved = "PERSISTENTLY_TRACKED_ASSET_REMOVED"
	EventAssetWithdrawn                  = "ASSET_WITHDRAWN"
	EventAssetSpenderApproved            = "ASSET_SPENDER_APPROVED"
	EventSharesMinted                    = "SHARES_MINTED"
	EventSharesBurned                    = "SHARES_BURNED"
	EventSharesTransferred               = "SHARES_TRANSFERRED"
	EventAccessorSet                     = "ACCESSOR_SET"
	EventMigratorSet                     = "MIGRATOR_SET"

	// Роутер
	EventRouterActivated = "ROUTER_ACTIVATED"
	EventRouterDestroyed = "ROUTER_DESTROYED"
	EventSharesBought    = "SHARES_BOUGHT"
	EventSharesRedeemed  = "SHARES_REDEEMED"

	// Интеграции
	EventCallOnIntegrationExecuted = "CALL_ON_INTEGRATION_EXECUTED"
	EventAdapterSelectorAllowed    = "ADAPTER_SELECTOR_ALLOWED"
	EventAdapterSelectorDisallowed = "ADAPTER_SELECTOR_DISALLOWED"

	// Политики
	EventPolicyEnabled          = "POLICY_ENABLED"
	EventPolicyDisabled         = "POLICY_DISABLED"
	EventPolicySettingsUpdated  = "POLICY_SETTINGS_UPDATED"
	EventPolicyStateUpdated     = "POLICY_STATE_UPDATED"
	EventAssetBypassTimelockSet = "ASSET_BYPASS_TIMELOCK_STARTED"

	// Релизы
	EventFundCreated                  = "FUND_CREATED"
	EventReconfigurationCreated       = "RECONFIGURATION_CREATED"
	EventReconfigurationExecuted      = "RECONFIGURATION_EXECUTED"
	EventReconfigurationCancelled     = "RECONFIGURATION_CANCELLED"
	EventMigrationCreated             = "MIGRATION_CREATED"
	EventMigrationExecuted            = "MIGRATION_EXECUTED"
	EventMigrationCancelled           = "MIGRATION_CANCELLED"
	EventReleaseRegistered            = "RELEASE_REGISTERED"
	EventCurrentReleaseSet            = "CURRENT_RELEASE_SET"
	EventMigrationTimelockSet         = "MIGRATION_TIMELOCK_SET"
	EventReconfigurationTimelockSet   = "RECONFIGURATION_TIMELOCK_SET"
	EventMigrationHookFailureBypassed = "MIGRATION_HOOK_FAILURE_BYPASSED"
)
