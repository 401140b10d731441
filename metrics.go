package sockbridge

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Counters
	RequestsTotal   int `json:"requests_total"`
	RequestsSuccess int `json:"requests_success"`
	RequestsFailed  int `json:"requests_failed"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Outstanding calls
	InFlight    int `json:"in_flight"`
	InFlightMax int `json:"in_flight_max"`

	// Read pipeline anomalies
	OrphanResponses int `json:"orphan_responses"`
	DecodeAnomalies int `json:"decode_anomalies"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe call metrics collector for Client
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	requestsTotal   int
	requestsSuccess int
	requestsFailed  int

	inFlight    int
	inFlightMax int

	orphanResponses int
	decodeAnomalies int

	// Latency samples (oldest first)
	latencies []float64
}

// NewMetrics creates a new Metrics instance keeping at most maxLatencySamples
// latency samples
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
	}
}

// StartRequest records a call being issued
func (m *Metrics) StartRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal++
	m.inFlight++
	if m.inFlight > m.inFlightMax {
		m.inFlightMax = m.inFlight
	}
}

// EndRequest records a settled call started at startTime.
// Returns latency in milliseconds.
func (m *Metrics) EndRequest(startTime time.Time, success bool) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--

	if success {
		m.requestsSuccess++
	} else {
		m.requestsFailed++
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordOrphanResponse records a response whose id matched no pending call
func (m *Metrics) RecordOrphanResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orphanResponses++
}

// RecordDecodeAnomaly records a response payload that was not valid JSON
func (m *Metrics) RecordDecodeAnomaly() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decodeAnomalies++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:   m.requestsTotal,
		RequestsSuccess: m.requestsSuccess,
		RequestsFailed:  m.requestsFailed,
		InFlight:        m.inFlight,
		InFlightMax:     m.inFlightMax,
		OrphanResponses: m.orphanResponses,
		DecodeAnomalies: m.decodeAnomalies,
		Timestamp:       time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	return snapshot
}

// Reset resets all metrics except the in-flight gauge, which still reflects
// calls issued before the reset
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal = 0
	m.requestsSuccess = 0
	m.requestsFailed = 0
	m.inFlightMax = m.inFlight
	m.orphanResponses = 0
	m.decodeAnomalies = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
}
