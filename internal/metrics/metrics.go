// Package metrics собирает метрики Prometheus для леджера, платежей и админки.
// Регистр свой, не глобальный: тесты создают независимые экземпляры.
// Все методы безопасны для nil-получателя, чтобы сервисы работали без метрик.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assistant_bot"

// Metrics — набор счётчиков приложения.
type Metrics struct {
	registry *prometheus.Registry

	debits          *prometheus.CounterVec
	trialGrants     prometheus.Counter
	payments        *prometheus.CounterVec
	adminActions    *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	completions     *prometheus.HistogramVec
	ledgerDrift     prometheus.Gauge
	stuckPayments   prometheus.Gauge
}

// New создаёт метрики на собственном регистре.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		debits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Попытки списания запроса по результату",
		}, []string{"result"}),
		trialGrants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_grants_total",
			Help:      "Выданные пробные периоды",
		}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Платёжные события по источнику и итоговому статусу",
		}, []string{"source", "status"}),
		adminActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_actions_total",
			Help:      "Действия админки по типу и результату",
		}, []string{"action", "result"}),
		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Время обработки вебхука платёжного шлюза",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"}),
		completions: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_completion_seconds",
			Help:      "Длительность генерации ответа ассистентом",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"result"}),
		ledgerDrift: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_drift_accounts",
			Help:      "Аккаунты, у которых баланс не совпал с журналом при последней сверке",
		}),
		stuckPayments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_events_stuck",
			Help:      "Платёжные события, зависшие в PENDING/VERIFIED",
		}),
	}
}

// Registry возвращает регистр (для тестов и дополнительных коллекторов).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Debit учитывает попытку списания: ok, exhausted или error.
func (m *Metrics) Debit(result string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(result).Inc()
}

func (m *Metrics) TrialGranted() {
	if m == nil {
		return
	}
	m.trialGrants.Inc()
}

// Payment учитывает итоговый статус платёжного события.
func (m *Metrics) Payment(source, status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(source, status).Inc()
}

func (m *Metrics) AdminAction(action, result string) {
	if m == nil {
		return
	}
	m.adminActions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveWebhook(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookDuration.WithLabelValues(code).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompletion(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) SetLedgerDrift(n int) {
	if m == nil {
		return
	}
	m.ledgerDrift.Set(float64(n))
}

func (m *Metrics) SetStuckPayments(n int) {
	if m == nil {
		return
	}
	m.stuckPayments.Set(float64(n))
}
