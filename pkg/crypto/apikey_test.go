package crypto

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// TestHashAPIKey проверяет базовое хеширование ключа
func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"simple key", "operator-key-123"},
		{"complex key", "K3y!#$%^&*()"},
		{"long key", strings.Repeat("a", 70)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashAPIKeyWithCost(tt.key, bcrypt.MinCost)
			if err != nil {
				t.Fatalf("HashAPIKeyWithCost failed: %v", err)
			}
			if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") {
				t.Errorf("Hash should start with bcrypt prefix, got: %s", hash[:10])
			}
			if err := VerifyAPIKey(tt.key, hash); err != nil {
				t.Errorf("VerifyAPIKey() error = %v", err)
			}
		})
	}
}

// TestHashAPIKeyErrors проверяет ошибки входных данных
func TestHashAPIKeyErrors(t *testing.T) {
	if _, err := HashAPIKey(""); err != ErrEmptyKey {
		t.Errorf("HashAPIKey empty: got %v, want %v", err, ErrEmptyKey)
	}
	if _, err := HashAPIKey(strings.Repeat("a", 73)); err != ErrKeyTooLong {
		t.Errorf("HashAPIKey too long: got %v, want %v", err, ErrKeyTooLong)
	}
}

// TestHashAPIKeyWithCostClamp проверяет зажатие cost
func TestHashAPIKeyWithCostClamp(t *testing.T) {
	hash, err := HashAPIKeyWithCost("key", 1)
	if err != nil {
		t.Fatalf("HashAPIKeyWithCost failed: %v", err)
	}
	cost, err := GetHashCost(hash)
	if err != nil {
		t.Fatalf("GetHashCost failed: %v", err)
	}
	if cost != bcrypt.MinCost {
		t.Errorf("cost = %d, want %d", cost, bcrypt.MinCost)
	}
}

// TestVerifyAPIKey проверяет сравнение ключа с хешем
func TestVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKeyWithCost("right", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashAPIKeyWithCost failed: %v", err)
	}

	tests := []struct {
		name string
		key  string
		hash string
		want error
	}{
		{"match", "right", hash, nil},
		{"mismatch", "wrong", hash, ErrKeyMismatch},
		{"empty key", "", hash, ErrEmptyKey},
		{"empty hash", "right", "", ErrInvalidHash},
		{"garbage hash", "right", "not-a-hash", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyAPIKey(tt.key, tt.hash); err != tt.want {
				t.Errorf("VerifyAPIKey() = %v, want %v", err, tt.want)
			}
		})
	}

	if !CheckAPIKey("right", hash) || CheckAPIKey("wrong", hash) {
		t.Error("CheckAPIKey() mismatch with VerifyAPIKey()")
	}
}

// TestGetHashCostInvalid проверяет ошибку для невалидного хеша
func TestGetHashCostInvalid(t *testing.T) {
	for _, h := range []string{"", "plain"} {
		if _, err := GetHashCost(h); err != ErrInvalidHash {
			t.Errorf("GetHashCost(%q) = %v, want ErrInvalidHash", h, err)
		}
	}
}
