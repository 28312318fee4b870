package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"fundsettle/internal/models"
	"fundsettle/pkg/retry"
)

// Ошибки репозитория событий
var (
	ErrEventNotFound = errors.New("event not found")
)

// Ограничения выборки
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// EventFilter - условия выборки журнала
//
// Пустые поля не ограничивают выборку. AfterID - курсор постраничного
// чтения: возвращаются события с id > AfterID в порядке возрастания.
type EventFilter struct {
	Vault   models.Address
	Fund    models.Address
	Types   []string
	From    time.Time
	To      time.Time
	AfterID int64
	Limit   int
}

// EventRepository - работа с таблицей events
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository создает новый экземпляр репозитория
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append записывает событие и проставляет ему ID
func (r *EventRepository) Append(ctx context.Context, ev *models.Event) error {
	query := `
		INSERT INTO events (type, vault, fund, timestamp, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	data, err := marshalData(ev.Data)
	if err != nil {
		// повтор не поможет
		return retry.Permanent(err)
	}

	return r.db.QueryRowContext(ctx, query,
		ev.Type,
		string(ev.Vault),
		string(ev.Fund),
		ev.Timestamp,
		data,
	).Scan(&ev.ID)
}

// GetByID возвращает событие по ID
func (r *EventRepository) GetByID(ctx context.Context, id int64) (*models.Event, error) {
	query := `
		SELECT id, type, vault, fund, timestamp, data
		FROM events
		WHERE id = $1`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return ev, nil
}

// List возвращает события по фильтру в порядке возрастания id
func (r *EventRepository) List(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	where, args := f.conditions()
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, type, vault, fund, timestamp, data
		FROM events
		%s
		ORDER BY id ASC
		LIMIT $%d`, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Count возвращает количество событий по фильтру (Limit и AfterID игнорируются)
func (r *EventRepository) Count(ctx context.Context, f EventFilter) (int64, error) {
	f.AfterID = 0
	where, args := f.conditions()
	query := `SELECT COUNT(*) FROM events ` + where

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan удаляет события старше before и возвращает их количество
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// conditions собирает WHERE и аргументы по фильтру
func (f EventFilter) conditions() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if !f.Vault.IsZero() {
		add("vault = $%d", string(f.Vault))
	}
	if !f.Fund.IsZero() {
		add("fund = $%d", string(f.Fund))
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", pq.Array(f.Types))
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}
	if f.AfterID > 0 {
		add("id > $%d", f.AfterID)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner - общий интерфейс sql.Row и sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev          models.Event
		vault, fund string
		data        []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &vault, &fund, &ev.Timestamp, &data); err != nil {
		return nil, err
	}
	ev.Vault = models.Address(vault)
	ev.Fund = models.Address(fund)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event %d data: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func marshalData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return raw, nil
}
