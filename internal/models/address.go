package models

import "strings"

// Address - адрес участника протокола (фонд, роутер, адаптер, актив, инвестор)
//
// Формат: "0x" + идентификатор в нижнем регистре ([0-9a-z_]). Проверка формата -
// utils.ValidateAddress, нормализация - NormalizeAddress.
type Address string

// ZeroAddress - нулевой адрес (минт/бёрн долей на него запрещён)
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// IsZero возвращает true для пустого или нулевого адреса
func (a Address) IsZero() bool {
	return a == "" || a == ZeroAddress
}

// String реализует fmt.Stringer
func (a Address) String() string {
	return string(a)
}

// NormalizeAddress приводит адрес к нижнему регистру и добавляет префикс 0x
func NormalizeAddress(s string) Address {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return Address(s)
}

// Selector - идентификатор действия адаптера (lend, redeem, takeOrder, claimRewards)
type Selector string

// Селекторы эталонных адаптеров
const (
	SelectorTakeOrder    Selector = "takeOrder"
	SelectorLend         Selector = "lend"
	SelectorRedeem       Selector = "redeem"
	SelectorClaimRewards Selector = "claimRewards"
)
