package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daqctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "daqctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daqctl",
			Subsystem: "control",
			Name:      "transitions_total",
			Help:      "Transition attempts by outcome.",
		},
		[]string{"platform", "transition", "success"},
	)
	confirmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "daqctl",
			Subsystem: "control",
			Name:      "confirm_duration_seconds",
			Help:      "Time spent waiting for participant replies.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"platform", "label"},
	)
	missingNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daqctl",
			Subsystem: "control",
			Name:      "missing_nodes_total",
			Help:      "Participants that did not answer before the deadline.",
		},
		[]string{"platform", "label"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "daqctl",
			Subsystem: "control",
			Name:      "state",
			Help:      "1 for the current lifecycle state of the platform, 0 otherwise.",
		},
		[]string{"platform", "state"},
	)
	rollcallResponders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "daqctl",
			Subsystem: "control",
			Name:      "rollcall_responders",
			Help:      "Nodes registered by the last rollcall.",
		},
		[]string{"platform"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transitions,
			confirmDuration,
			missingNodes,
			currentState,
			rollcallResponders,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransition(platform int, transition string, success bool) {
	RegisterMetrics()
	transitions.WithLabelValues(strconv.Itoa(platform), transition, strconv.FormatBool(success)).Inc()
}

func RecordConfirm(platform int, label string, duration time.Duration, missing int) {
	RegisterMetrics()
	p := strconv.Itoa(platform)
	confirmDuration.WithLabelValues(p, label).Observe(duration.Seconds())
	if missing > 0 {
		missingNodes.WithLabelValues(p, label).Add(float64(missing))
	}
}

// RecordState flips the state gauge so exactly one of states reads 1.
func RecordState(platform int, state string, states []string) {
	RegisterMetrics()
	p := strconv.Itoa(platform)
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(p, s).Set(v)
	}
}

func RecordRollcall(platform int, responders int) {
	RegisterMetrics()
	rollcallResponders.WithLabelValues(strconv.Itoa(platform)).Set(float64(responders))
}
