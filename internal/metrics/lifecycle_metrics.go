package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleMetrics содержит метрики движка жизненного цикла заказов.
type LifecycleMetrics struct {
	// Переходы статусов
	transitions        *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	transitionDuration prometheus.Histogram

	// Торги
	ordersCreated   prometheus.Counter
	offersSubmitted prometheus.Counter
	offersAccepted  prometheus.Counter
}

// NewLifecycleMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegisterer регистрирует метрики в указанном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bidflow_transitions_total",
			Help: "Total number of committed order status transitions",
		}, []string{"from", "to", "actor"}),
		transitionFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bidflow_transition_failures_total",
			Help: "Total number of rejected or failed transition requests grouped by error kind",
		}, []string{"kind"}),
		transitionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "bidflow_transition_duration_seconds",
			Help:    "Duration of transactional transition units in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bidflow_orders_created_total",
			Help: "Total number of created orders",
		}),
		offersSubmitted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bidflow_offers_submitted_total",
			Help: "Total number of accepted offer submissions",
		}),
		offersAccepted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bidflow_offers_accepted_total",
			Help: "Total number of offers accepted by customers",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordTransition учитывает зафиксированный переход.
func (m *LifecycleMetrics) RecordTransition(from, to, actor string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, actor).Inc()
	m.transitionDuration.Observe(duration.Seconds())
}

// RecordTransitionFailure учитывает отклонённый запрос по категории ошибки.
func (m *LifecycleMetrics) RecordTransitionFailure(kind string) {
	if m == nil {
		return
	}
	m.transitionFailures.WithLabelValues(kind).Inc()
}

func (m *LifecycleMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *LifecycleMetrics) RecordOfferSubmitted() {
	if m == nil {
		return
	}
	m.offersSubmitted.Inc()
}

func (m *LifecycleMetrics) RecordOfferAccepted() {
	if m == nil {
		return
	}
	m.offersAccepted.Inc()
}
