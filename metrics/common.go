package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace of every metric of the node.
const Namespace = "collab"

func opts(name, subsystem, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}
}

// NewCounter registers a counter vector with the default registry.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts(opts(name, subsystem, help)), labels)
}

// NewGauge registers a gauge vector with the default registry.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts(opts(name, subsystem, help)), labels)
}

// NewHistogram registers a histogram vector with exponential buckets from
// 1ms to about 16s.
func NewHistogram(name, subsystem, help string, labels []string) *prometheus.HistogramVec {
	o := opts(name, subsystem, help)
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, labels)
}
