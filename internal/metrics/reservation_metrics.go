package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result/reason.
const (
	ResultCommitted = "committed"
	ResultRejected  = "rejected"
	ResultAborted   = "aborted"
	ResultInvalid   = "invalid"

	ResultApplied         = "applied"
	ResultAlreadyTerminal = "already_terminal"
	ResultError           = "error"

	ReleaseReasonExpired   = "expired"
	ReleaseReasonCancelled = "cancelled"
	ReleaseReasonReduced   = "reduced"
)

// ReservationMetrics собирает метрики резервирования остатка и коммита заказов.
// Все методы безопасны для nil-получателя: сервисы в тестах создаются без метрик.
type ReservationMetrics struct {
	commits           *prometheus.CounterVec
	commitDuration    prometheus.Histogram
	stockRejections   prometheus.Counter
	released          *prometheus.CounterVec
	paymentsConfirmed *prometheus.CounterVec
	openReservations  prometheus.Gauge
}

// NewReservationMetrics регистрирует метрики в DefaultRegisterer.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		commits: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_commits_total",
			Help: "Total number of order commit attempts grouped by result.",
		}, []string{"result"})),
		commitDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_commit_duration_seconds",
			Help:    "Duration of the order commit transaction in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		})),
		stockRejections: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_stock_rejections_total",
			Help: "Total number of commits rejected because of insufficient stock or invalid skus.",
		})),
		released: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_reservations_released_total",
			Help: "Total number of reservations whose stock was restored, grouped by reason.",
		}, []string{"reason"})),
		paymentsConfirmed: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_payments_confirmed_total",
			Help: "Total number of payment confirmations grouped by result.",
		}, []string{"result"})),
		openReservations: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_open_reservations",
			Help: "Number of pending orders whose reservation has not been resolved yet.",
		})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type: %v", err))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordCommit учитывает попытку коммита и её длительность.
func (m *ReservationMetrics) RecordCommit(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
	m.commitDuration.Observe(duration.Seconds())
	if result == ResultRejected {
		m.stockRejections.Inc()
	}
}

// RecordReleased учитывает возврат остатка по резерву.
func (m *ReservationMetrics) RecordReleased(reason string) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(reason).Inc()
}

// RecordPaymentConfirmed учитывает подтверждение оплаты.
func (m *ReservationMetrics) RecordPaymentConfirmed(result string) {
	if m == nil {
		return
	}
	m.paymentsConfirmed.WithLabelValues(result).Inc()
}

// SetOpenReservations выставляет текущее число незакрытых резервов.
func (m *ReservationMetrics) SetOpenReservations(count int) {
	if m == nil {
		return
	}
	m.openReservations.Set(float64(count))
}
