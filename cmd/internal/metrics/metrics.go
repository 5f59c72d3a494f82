// Package metrics holds the Prometheus collectors shared by the engine components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can be constructed without a registry in tests.
type Metrics struct {
	reg *prometheus.Registry

	invoicesCreated  *prometheus.CounterVec
	invoicesResolved *prometheus.CounterVec
	admissions       *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	gatewayRetries   *prometheus.CounterVec
	payouts          *prometheus.CounterVec
	schedulerEvents  *prometheus.CounterVec
	poolAmount       *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		invoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "invoices_created_total",
			Help: "Invoices issued at the gateway and recorded in the ledger.",
		}, []string{"tier"}),
		invoicesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "invoices_resolved_total",
			Help: "Invoices that reached a terminal status.",
		}, []string{"tier", "status"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "participants_admitted_total",
			Help: "Participants admitted into a pool cycle.",
		}, []string{"tier"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "gateway_requests_total",
			Help: "Payment gateway calls by method and result.",
		}, []string{"method", "result"}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "gateway_retries_total",
			Help: "Payment gateway calls retried after a transient failure.",
		}, []string{"method"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "payouts_total",
			Help: "Settlement outcomes by tier and result.",
		}, []string{"tier", "result"}),
		schedulerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luckypool", Name: "scheduler_events_total",
			Help: "Pool open/close events fired by the scheduler.",
		}, []string{"tier", "event", "result"}),
		poolAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "luckypool", Name: "pool_amount",
			Help: "Current accumulated pool amount in fiat units.",
		}, []string{"tier"}),
	}
	m.reg.MustRegister(
		m.invoicesCreated, m.invoicesResolved, m.admissions,
		m.gatewayRequests, m.gatewayRetries, m.payouts,
		m.schedulerEvents, m.poolAmount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) InvoiceCreated(tier string) {
	if m == nil {
		return
	}
	m.invoicesCreated.WithLabelValues(tier).Inc()
}

func (m *Metrics) InvoiceResolved(tier, status string) {
	if m == nil {
		return
	}
	m.invoicesResolved.WithLabelValues(tier, status).Inc()
}

func (m *Metrics) Admitted(tier string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(tier).Inc()
}

func (m *Metrics) GatewayRequest(method, result string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(method, result).Inc()
}

func (m *Metrics) GatewayRetry(method string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) Payout(tier, result string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SchedulerEvent(tier, event, result string) {
	if m == nil {
		return
	}
	m.schedulerEvents.WithLabelValues(tier, event, result).Inc()
}

// SetPoolAmount records the pool balance; float conversion is for display only.
func (m *Metrics) SetPoolAmount(tier string, amount float64) {
	if m == nil {
		return
	}
	m.poolAmount.WithLabelValues(tier).Set(amount)
}
