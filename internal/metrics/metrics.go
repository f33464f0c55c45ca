package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement outcomes.
const (
	SettlementRecorded = "recorded"
	SettlementRetried  = "retried"
	SettlementDead     = "dead"
	SettlementDropped  = "enqueue_failed"
)

type Recorder interface {
	// Verification counts one verification attempt. An empty result means
	// the payment was accepted.
	Verification(scheme, network, result string, d time.Duration)
	Settlement(outcome string)
}

type Noop struct{}

func (Noop) Verification(string, string, string, time.Duration) {}
func (Noop) Settlement(string)                                  {}

type Prometheus struct {
	verifications *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	settlements   *prometheus.CounterVec
}

// NewPrometheus registers the gate's collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "x402",
				Name:      "verifications_total",
				Help:      "Payment verifications by scheme, network and result",
			},
			[]string{"scheme", "network", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "x402",
				Name:      "verification_seconds",
				Help:      "Payment verification latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheme", "network"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "x402",
				Name:      "settlements_total",
				Help:      "Settlement jobs by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(p.verifications, p.latency, p.settlements)
	return p
}

func (p *Prometheus) Verification(scheme, network, result string, d time.Duration) {
	if result == "" {
		result = "accepted"
	}
	p.verifications.With(prometheus.Labels{
		"scheme":  scheme,
		"network": network,
		"result":  result,
	}).Inc()
	p.latency.With(prometheus.Labels{
		"scheme":  scheme,
		"network": network,
	}).Observe(d.Seconds())
}

func (p *Prometheus) Settlement(outcome string) {
	p.settlements.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RegisterQueueDepth exposes the settlement backlog as a gauge sampled on
// every scrape. A failed read reports NaN.
func RegisterQueueDepth(reg prometheus.Registerer, depth func() (int64, error)) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "x402",
			Name:      "settlement_queue_depth",
			Help:      "Settlement jobs waiting to be recorded",
		},
		func() float64 {
			n, err := depth()
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		},
	))
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
