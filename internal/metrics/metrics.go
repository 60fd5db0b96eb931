// Package metrics exposes Prometheus collectors for generation requests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/do"
)

const namespace = "pixelminer"

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Collector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	images   *prometheus.CounterVec
}

func NewRegistry(_ *do.Injector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

func NewCollector(i *do.Injector) (*Collector, error) {
	return New(do.MustInvoke[*prometheus.Registry](i)), nil
}

func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Generation requests by kind, backend and outcome.",
		}, []string{"kind", "backend", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent on generation requests.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"kind", "backend"}),
		images: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_generated_total",
			Help:      "Images returned to callers.",
		}, []string{"kind", "backend"}),
	}
}

// Observe records one finished request. A nil Collector records nothing.
func (c *Collector) Observe(kind, backend, outcome string, elapsed time.Duration, images int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(kind, backend, outcome).Inc()
	c.duration.WithLabelValues(kind, backend).Observe(elapsed.Seconds())
	if images > 0 {
		c.images.WithLabelValues(kind, backend).Add(float64(images))
	}
}
