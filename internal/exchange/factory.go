package exchange

import (
	"fmt"
	"strings"

	"fundsettle/internal/models"
	"fundsettle/internal/token"
)

// Типы площадок
const (
	KindDex     = "dex"
	KindLending = "lending"
)

// SupportedVenues - список поддерживаемых типов площадок
var SupportedVenues = []string{
	KindDex,
	KindLending,
}

// VenueConfig - описание площадки для фабрики
type VenueConfig struct {
	Kind        string
	Name        string
	Address     models.Address
	RewardAsset models.Address // только lending
}

// NewVenue создает площадку по типу
func NewVenue(bank *token.Bank, cfg VenueConfig) (Venue, error) {
	kind := strings.ToLower(cfg.Kind)
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("venue %s: empty address", cfg.Name)
	}
	name := cfg.Name
	if name == "" {
		name = kind
	}

	switch kind {
	case KindDex:
		return NewDex(bank, name, cfg.Address), nil
	case KindLending:
		if cfg.RewardAsset.IsZero() {
			return nil, fmt.Errorf("venue %s: lending pool needs a reward asset", name)
		}
		return NewLendingPool(bank, name, cfg.Address, cfg.RewardAsset), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", cfg.Kind)
	}
}

// IsSupported проверяет, поддерживается ли тип площадки
func IsSupported(kind string) bool {
	kind = strings.ToLower(kind)
	for _, supported := range SupportedVenues {
		if kind == supported {
			return true
		}
	}
	return false
}
