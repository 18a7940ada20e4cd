package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

const prometheusMetricNamespace = "usage_metering"

var (
	meterLabels = []string{"meter", "service"}

	collectorCyclesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_cycles_total",
			Help:      "Number of project collection cycles by result.",
		},
		[]string{"result"},
	)

	collectorWindowsCollectedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_windows_collected_total",
			Help:      "Number of windows committed to the usage store.",
		},
	)

	collectorEntriesStoredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_usage_entries_stored_total",
			Help:      "Number of usage entries committed to the usage store.",
		},
	)

	collectorSamplesScrapedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_samples_scraped_total",
			Help:      "Number of samples returned by the meter source.",
		},
		meterLabels,
	)

	collectorSamplesUntrustedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_samples_untrusted_total",
			Help:      "Number of samples discarded because their source is not trusted.",
		},
		meterLabels,
	)

	collectorMeterQueryDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_meter_query_duration_seconds",
			Help:      "Duration for the meter source to return the samples of one window.",
			Buckets:   []float64{0.5, 2.0, 10.0, 30.0, 60.0},
		},
		meterLabels,
	)

	collectorCycleDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_cycle_duration_seconds",
			Help:      "Duration of a project collection cycle.",
			Buckets:   []float64{1.0, 10.0, 30.0, 60.0, 300.0},
		},
		[]string{"result"},
	)

	collectorRunningCyclesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "collector_running_cycles",
			Help:      "Number of project collection cycles currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(collectorCyclesCounter)
	prometheus.MustRegister(collectorWindowsCollectedCounter)
	prometheus.MustRegister(collectorEntriesStoredCounter)
	prometheus.MustRegister(collectorSamplesScrapedCounter)
	prometheus.MustRegister(collectorSamplesUntrustedCounter)
	prometheus.MustRegister(collectorMeterQueryDurationHistogram)
	prometheus.MustRegister(collectorCycleDurationHistogram)
	prometheus.MustRegister(collectorRunningCyclesGauge)
}

const (
	resultSuccess = "success"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)
