package models

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// FundConfig - конфигурация фонда для одного экземпляра роутера
//
// Используется при создании фонда, реконфигурации и миграции.
type FundConfig struct {
	Name                 string          `json:"name"`
	DenominationAsset    Address         `json:"denomination_asset"`
	SharesActionTimelock time.Duration   `json:"shares_action_timelock"`
	Policies             []PolicySetting `json:"policies,omitempty"`
}

// PolicySetting - включение политики с её настройками (JSON)
type PolicySetting struct {
	Policy   string              `json:"policy"`
	Settings jsoniter.RawMessage `json:"settings,omitempty"`
}

// RequestKind - тип запроса смены роутера
type RequestKind string

// Типы запросов
const (
	RequestReconfiguration RequestKind = "reconfiguration"
	RequestMigration       RequestKind = "migration"
)

// PendingRequest - ожидающий запрос реконфигурации или миграции
//
// Не более одного запроса на фонд одновременно.
type PendingRequest struct {
	Kind                RequestKind `json:"kind"`
	Vault               Address     `json:"vault"`
	NextAccessor        Address     `json:"next_accessor"`
	NextRelease         string      `json:"next_release"`
	ExecutableTimestamp time.Time   `json:"executable_timestamp"`
	CreatedAt           time.Time   `json:"created_at"`
}

// IsExecutable сообщает, истёк ли таймлок к моменту now
func (r *PendingRequest) IsExecutable(now time.Time) bool {
	return !now.Before(r.ExecutableTimestamp)
}

// RouterStatus - состояние роутера
type RouterStatus string

// Состояния роутера: Unconfigured → Activated → Destroyed
const (
	RouterUnconfigured RouterStatus = "unconfigured"
	RouterActivated    RouterStatus = "activated"
	RouterDestroyed    RouterStatus = "destroyed"
)

// ValidRouterTransitions определяет допустимые переходы между состояниями роутера
var ValidRouterTransitions = map[RouterStatus][]RouterStatus{
	RouterUnconfigured: {RouterActivated, RouterDestroyed},
	RouterActivated:    {RouterDestroyed},
	RouterDestroyed:    {}, // терминальное
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to RouterStatus) bool {
	for _, s := range ValidRouterTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
