package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// uniqueViolation - код ошибки PostgreSQL для нарушения UNIQUE
const uniqueViolation = "23505"

// schema - таблицы журнала аудита
//
// events хранит зафиксированные события ядра, settlements - записи
// расчётов callOnIntegration. Журнал только дополняется.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(64) NOT NULL,
		vault VARCHAR(66) NOT NULL DEFAULT '',
		fund VARCHAR(66) NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS events_vault_idx ON events (vault, id)`,
	`CREATE INDEX IF NOT EXISTS events_type_idx ON events (type)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		id UUID PRIMARY KEY,
		fund VARCHAR(66) NOT NULL,
		vault VARCHAR(66) NOT NULL,
		caller VARCHAR(66) NOT NULL,
		adapter VARCHAR(66) NOT NULL,
		selector VARCHAR(64) NOT NULL,
		incoming_assets TEXT[] NOT NULL DEFAULT '{}',
		incoming_amounts NUMERIC[] NOT NULL DEFAULT '{}',
		spend_assets TEXT[] NOT NULL DEFAULT '{}',
		spend_amounts NUMERIC[] NOT NULL DEFAULT '{}',
		digest CHAR(64) NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS settlements_vault_idx ON settlements (vault, executed_at DESC)`,
}

// Migrate создаёт таблицы журнала, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением UNIQUE constraint
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return strings.Contains(err.Error(), "duplicate key")
}
