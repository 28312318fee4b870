package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для таймлоков и временных меток
//
// Назначение:
// Разбор длительностей из конфигурации и запросов (с поддержкой дней),
// форматирование остатка таймлока, диапазоны для выборки журнала событий.

// ============================================================
// Длительности
// ============================================================

// ParseDuration разбирает длительность с поддержкой суффикса "d" (дни)
//
// Примеры:
//   - "7d" = 168h
//   - "2d12h" = 60h
//   - "90m" = 1h30m
//   - "0" = 0
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	var days time.Duration
	if i := strings.Index(s, "d"); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: bad day count", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
	}

	var rest time.Duration
	if s != "" {
		var err error
		rest, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %w", err)
		}
	}

	d := days + rest
	if neg {
		d = -d
	}
	return d, nil
}

// FormatDuration форматирует длительность, выделяя дни
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
//   - "7d"
//   - "3d5h0m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	days := d / (24 * time.Hour)
	rest := d % (24 * time.Hour)
	switch {
	case days == 0:
		return rest.String()
	case rest == 0:
		return fmt.Sprintf("%dd", days)
	default:
		return fmt.Sprintf("%dd%s", days, rest)
	}
}

// Remaining возвращает остаток до deadline (0 если уже наступил)
func Remaining(deadline, now time.Time) time.Duration {
	if !now.Before(deadline) {
		return 0
	}
	return deadline.Sub(now)
}

// ============================================================
// Диапазоны
// ============================================================

// TimeRange - временной диапазон; нулевая граница не ограничивает
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains проверяет, попадает ли время в диапазон (границы включены)
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// Validate проверяет, что начало не позже конца
func (tr TimeRange) Validate() error {
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return fmt.Errorf("range end %s before start %s", tr.End.Format(time.RFC3339), tr.Start.Format(time.RFC3339))
	}
	return nil
}

// ParseTimeRange разбирает границы RFC3339 (пустая строка = без границы)
func ParseTimeRange(from, to string) (TimeRange, error) {
	var tr TimeRange
	var err error
	if from != "" {
		if tr.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return TimeRange{}, fmt.Errorf("invalid from: %w", err)
		}
	}
	if to != "" {
		if tr.End, err = time.Parse(time.RFC3339, to); err != nil {
			return TimeRange{}, fmt.Errorf("invalid to: %w", err)
		}
	}
	return tr, tr.Validate()
}
