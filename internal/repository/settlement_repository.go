package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"fundsettle/internal/models"
)

// Ошибки репозитория расчётов
var (
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrSettlementExists   = errors.New("settlement already recorded")
)

// SettlementRepository - работа с таблицей settlements
//
// Списки активов хранятся в TEXT[], суммы - в NUMERIC[] (строками,
// без потери точности).
type SettlementRepository struct {
	db *sql.DB
}

// NewSettlementRepository создает новый экземпляр репозитория
func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Save записывает расчёт; повторная запись того же ID - ErrSettlementExists
func (r *SettlementRepository) Save(ctx context.Context, rec *models.SettlementRecord) error {
	query := `
		INSERT INTO settlements (
			id, fund, vault, caller, adapter, selector,
			incoming_assets, incoming_amounts, spend_assets, spend_amounts,
			digest, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID.String(),
		string(rec.Fund),
		string(rec.Vault),
		string(rec.Caller),
		string(rec.Adapter),
		string(rec.Selector),
		pq.Array(addressStrings(rec.IncomingAssets)),
		pq.Array(amountStrings(rec.IncomingAmounts)),
		pq.Array(addressStrings(rec.SpendAssets)),
		pq.Array(amountStrings(rec.SpendAmounts)),
		rec.Digest,
		rec.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSettlementExists
		}
		return err
	}
	return nil
}

// GetByID возвращает расчёт по ID
func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	query := settlementColumns + `
		FROM settlements
		WHERE id = $1`

	rec, err := scanSettlement(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListByVault возвращает последние расчёты фонда (новые первыми)
func (r *SettlementRepository) ListByVault(ctx context.Context, vault models.Address, limit int) ([]*models.SettlementRecord, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	query := settlementColumns + `
		FROM settlements
		WHERE vault = $1
		ORDER BY executed_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(vault), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

const settlementColumns = `
		SELECT id, fund, vault, caller, adapter, selector,
			incoming_assets, incoming_amounts, spend_assets, spend_amounts,
			digest, executed_at`

func scanSettlement(row rowScanner) (*models.SettlementRecord, error) {
	var (
		rec                               models.SettlementRecord
		fund, vault, caller, adapter, sel string
		inAssets, inAmounts               pq.StringArray
		spendAssets, spendAmounts         pq.StringArray
	)
	err := row.Scan(
		&rec.ID,
		&fund, &vault, &caller, &adapter, &sel,
		&inAssets, &inAmounts, &spendAssets, &spendAmounts,
		&rec.Digest,
		&rec.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Fund = models.Address(fund)
	rec.Vault = models.Address(vault)
	rec.Caller = models.Address(caller)
	rec.Adapter = models.Address(adapter)
	rec.Selector = models.Selector(sel)
	rec.IncomingAssets = toAddresses(inAssets)
	rec.SpendAssets = toAddresses(spendAssets)
	if rec.IncomingAmounts, err = toAmounts(inAmounts); err != nil {
		return nil, fmt.Errorf("settlement %s incoming amounts: %w", rec.ID, err)
	}
	if rec.SpendAmounts, err = toAmounts(spendAmounts); err != nil {
		return nil, fmt.Errorf("settlement %s spend amounts: %w", rec.ID, err)
	}
	return &rec, nil
}

func addressStrings(addrs []models.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

func amountStrings(amounts []decimal.Decimal) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func toAddresses(values []string) []models.Address {
	out := make([]models.Address, len(values))
	for i, v := range values {
		out[i] = models.Address(v)
	}
	return out
}

func toAmounts(values []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
