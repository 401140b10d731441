package sockbridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	metrics *Metrics

	requests        *prometheus.Desc
	inFlight        *prometheus.Desc
	inFlightMax     *prometheus.Desc
	orphanResponses *prometheus.Desc
	decodeAnomalies *prometheus.Desc
	latency         *prometheus.Desc
}

// NewCollector exposes m to Prometheus. Every scrape reads one snapshot.
func NewCollector(m *Metrics, namespace string) prometheus.Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "sockbridge", name)
	}
	return &collector{
		metrics: m,
		requests: prometheus.NewDesc(fq("calls_total"),
			"Calls issued to the worker, by outcome.", []string{"outcome"}, nil),
		inFlight: prometheus.NewDesc(fq("calls_in_flight"),
			"Calls awaiting a response.", nil, nil),
		inFlightMax: prometheus.NewDesc(fq("calls_in_flight_max"),
			"Highest number of calls awaiting a response at once.", nil, nil),
		orphanResponses: prometheus.NewDesc(fq("orphan_responses_total"),
			"Responses dropped because no pending call matched their id.", nil, nil),
		decodeAnomalies: prometheus.NewDesc(fq("decode_anomalies_total"),
			"Responses whose payload was not valid JSON.", nil, nil),
		latency: prometheus.NewDesc(fq("call_latency_milliseconds"),
			"Call latency over the retained sample window.", []string{"stat"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.inFlight
	ch <- c.inFlightMax
	ch <- c.orphanResponses
	ch <- c.decodeAnomalies
	ch <- c.latency
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.RequestsSuccess), "success")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.RequestsFailed), "failure")
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
	ch <- prometheus.MustNewConstMetric(c.inFlightMax, prometheus.GaugeValue, float64(s.InFlightMax))
	ch <- prometheus.MustNewConstMetric(c.orphanResponses, prometheus.CounterValue, float64(s.OrphanResponses))
	ch <- prometheus.MustNewConstMetric(c.decodeAnomalies, prometheus.CounterValue, float64(s.DecodeAnomalies))

	for stat, v := range map[string]float64{
		"avg": s.LatencyAvgMs,
		"p50": s.LatencyP50Ms,
		"p95": s.LatencyP95Ms,
		"p99": s.LatencyP99Ms,
		"min": s.LatencyMinMs,
		"max": s.LatencyMaxMs,
	} {
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, v, stat)
	}
}
