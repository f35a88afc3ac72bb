// Package metrics holds the Prometheus collectors shared by the Haystack
// client, the router and the tool layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "niagara_mcp"

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "haystack_requests_total",
		Help:      "Haystack operations sent to a backend by outcome.",
	}, []string{"backend", "op", "outcome"})

	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "haystack_request_duration_seconds",
		Help:      "Round trip time of Haystack operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "op"})

	Logins = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Session logins by backend and result.",
	}, []string{"backend", "result"})

	Failovers = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failovers_total",
		Help:      "Calls retried on the fallback backend.",
	}, []string{"from", "to"})

	ToolCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "MCP tool invocations by error code (ok on success).",
	}, []string{"tool", "code"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// WatchGauge exposes the number of open watches reported by count. It must
// be called once.
func WatchGauge(count func() int) {
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watches",
		Help:      "Open watch subscriptions.",
	}, func() float64 { return float64(count()) })
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
