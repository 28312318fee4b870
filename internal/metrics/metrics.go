package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/pkg/utils"
)

// ============================================================
// Prometheus метрики ядра расчётов
// ============================================================
//
// Счётчики наполняются из двух мест:
// - сервис фонда: исходы операций (успех, класс ошибки, вето политик)
// - подписчик событий: зафиксированные события журнала
//
// Событие откаченной операции до подписчика не доходит, поэтому
// счётчики событий отражают только зафиксированное состояние.

const namespace = "fundsettle"

// ============ Расчёты ============

// SettlementsTotal - вызовы адаптеров по исходу
var SettlementsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "integration",
		Name:      "settlements_total",
		Help:      "Total number of callOnIntegration settlements",
	},
	[]string{"selector", "result"}, // result: success, failed
)

// SettlementLatency - время расчёта (вместе с политиками)
var SettlementLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "integration",
		Name:      "settlement_latency_ms",
		Help:      "Time to settle a callOnIntegration in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
	[]string{"selector"},
)

// ============ Ошибки и политики ============

// OperationFailures - отказы операций по классу ошибки
var OperationFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "operation_failures_total",
		Help:      "Number of failed operations by error class",
	},
	[]string{"operation", "class"},
)

// PolicyViolations - вето политик
var PolicyViolations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "violations_total",
		Help:      "Number of policy rule violations",
	},
	[]string{"policy", "hook"},
)

// CumulativeSlippage - накопленное проскальзывание после обновления состояния политики
var CumulativeSlippage = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "cumulative_slippage_ratio",
		Help:      "Cumulative slippage recorded by the slippage tolerance policy",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
	},
)

// ============ События и запросы ============

// EventsProcessed - зафиксированные события по типам
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Total number of committed events",
	},
	[]string{"type"},
)

// EventPersistFailures - события, которые не удалось записать в журнал
var EventPersistFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "persist_failures_total",
		Help:      "Number of events dropped after exhausting persistence retries",
	},
)

// ReleaseRequests - запросы миграции и перенастройки
var ReleaseRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "requests_total",
		Help:      "Migration and reconfiguration requests by stage",
	},
	[]string{"kind", "stage"}, // stage: created, executed, cancelled
)

// FundsTotal - количество созданных фондов
var FundsTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "funds",
		Help:      "Number of funds created through the registry",
	},
)

// ============ API ============

// HTTPRequests - запросы к API
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status",
	},
	[]string{"method", "status"},
)

// WebsocketClients - подключённые клиенты потока событий
var WebsocketClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_clients",
		Help:      "Current number of websocket event stream clients",
	},
)

// ============ Вспомогательные функции ============

// RecordSettlement записывает исход расчёта
func RecordSettlement(selector string, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	SettlementsTotal.WithLabelValues(selector, result).Inc()
	SettlementLatency.WithLabelValues(selector).Observe(float64(took.Microseconds()) / 1000)
}

// RecordFailure записывает отказ операции; вето политики считается отдельно
func RecordFailure(operation string, err error) {
	if err == nil {
		return
	}
	OperationFailures.WithLabelValues(operation, fault.Class(err)).Inc()

	var pv *fault.PolicyViolation
	if errors.As(err, &pv) {
		PolicyViolations.WithLabelValues(pv.Policy, pv.Hook).Inc()
	}
}

// RecordEvent учитывает зафиксированное событие
func RecordEvent(ev models.Event) {
	EventsProcessed.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case models.EventFundCreated:
		FundsTotal.Inc()
	case models.EventReconfigurationCreated:
		ReleaseRequests.WithLabelValues("reconfiguration", "created").Inc()
	case models.EventReconfigurationExecuted:
		ReleaseRequests.WithLabelValues("reconfiguration", "executed").Inc()
	case models.EventReconfigurationCancelled:
		ReleaseRequests.WithLabelValues("reconfiguration", "cancelled").Inc()
	case models.EventMigrationCreated:
		ReleaseRequests.WithLabelValues("migration", "created").Inc()
	case models.EventMigrationExecuted:
		ReleaseRequests.WithLabelValues("migration", "executed").Inc()
	case models.EventMigrationCancelled:
		ReleaseRequests.WithLabelValues("migration", "cancelled").Inc()
	case models.EventPolicyStateUpdated:
		if v, ok := slippageValue(ev.Data); ok {
			CumulativeSlippage.Observe(v)
		}
	}
}

// slippageValue достаёт cumulative_slippage из данных события
func slippageValue(data map[string]interface{}) (float64, bool) {
	raw, ok := data["cumulative_slippage"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case decimal.Decimal:
		return utils.ToFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return 0, false
		}
		return utils.ToFloat(d), true
	default:
		return 0, false
	}
}
