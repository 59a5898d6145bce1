// Package metrics exposes control-plane counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcctl"

// Recorder methods are safe on a nil receiver so callers may run without
// metrics.
type Recorder struct {
	registry        *prometheus.Registry
	serverState     *prometheus.GaugeVec
	sessionsClosed  *prometheus.CounterVec
	costAccumulated *prometheus.CounterVec
	commandsSent    *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.serverState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_state",
		Help:      "1 for the current lifecycle state of the game server, 0 otherwise.",
	}, []string{"state"})
	r.sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Sessions closed with cost accounting.",
	}, []string{"region"})
	r.costAccumulated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_cost_usd_total",
		Help:      "Accumulated session cost in USD.",
	}, []string{"region"})
	r.commandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rcon_commands_total",
		Help:      "Console commands relayed over RCON by outcome.",
	}, []string{"outcome"})
	r.webhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_total",
		Help:      "Agent webhooks handled by kind.",
	}, []string{"kind"})
	r.reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Health-check reconciliation passes by reported status.",
	}, []string{"status"})
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.serverState, r.sessionsClosed, r.costAccumulated, r.commandsSent,
		r.webhooks, r.reconcileRuns, r.requestTotal, r.requestLatency,
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SetState marks state as current and zeroes every other state in all.
func (r *Recorder) SetState(state string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		r.serverState.WithLabelValues(s).Set(0)
	}
	r.serverState.WithLabelValues(state).Set(1)
}

func (r *Recorder) SessionClosed(region string, costUSD float64) {
	if r == nil {
		return
	}
	r.sessionsClosed.WithLabelValues(region).Inc()
	if costUSD > 0 {
		r.costAccumulated.WithLabelValues(region).Add(costUSD)
	}
}

func (r *Recorder) CommandSent(ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.commandsSent.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Webhook(kind string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(kind).Inc()
}

func (r *Recorder) Reconciled(status string) {
	if r == nil {
		return
	}
	r.reconcileRuns.WithLabelValues(status).Inc()
}

func (r *Recorder) ObserveRequest(route string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requestTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.requestLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
