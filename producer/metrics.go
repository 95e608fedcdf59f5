package producer

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "outbound"

type metrics struct {
	inFlightBytes   prometheus.Gauge
	inFlightRecords prometheus.Gauge
	batches         *prometheus.CounterVec
	retries         prometheus.Counter
	rejected        *prometheus.CounterVec
	batchBytes      prometheus.Histogram
	latency         prometheus.Histogram
}

func newMetrics(clientID string) *metrics {
	labels := prometheus.Labels{"client_id": clientID}
	return &metrics{
		inFlightBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_flight_bytes",
			Help:        "Encoded bytes submitted and not yet acknowledged or failed.",
			ConstLabels: labels,
		}),
		inFlightRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_flight_records",
			Help:        "Events submitted and not yet acknowledged or failed.",
			ConstLabels: labels,
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batches_total",
			Help:        "Batches that reached a terminal outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "retries_total",
			Help:        "Delivery attempts that failed with a retriable error.",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rejected_submissions_total",
			Help:        "Submissions refused by backpressure.",
			ConstLabels: labels,
		}, []string{"reason"}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_bytes",
			Help:        "Size of sealed batches.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(128, 4, 8),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "delivery_latency_seconds",
			Help:        "Time from batch creation to its terminal outcome.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.inFlightBytes, m.inFlightRecords, m.batches, m.retries,
		m.rejected, m.batchBytes, m.latency,
	} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "failed to register producer metrics")
		}
	}
	return nil
}
