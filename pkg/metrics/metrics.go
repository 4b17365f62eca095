// Package metrics exposes the lease database over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/addr6/pkg/addrmgr"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	clientsTotal prometheus.Gauge
	assignments  *prometheus.GaugeVec
	leases       *prometheus.GaugeVec

	nextTimeout *prometheus.GaugeVec
	replayValue prometheus.Gauge

	mgr    *addrmgr.Manager
	logger *zap.Logger
}

// New creates a new Metrics instance over the given lease database.
func New(mgr *addrmgr.Manager, logger *zap.Logger) *Metrics {
	return &Metrics{
		mgr:    mgr,
		logger: logger,

		clientsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "addr6_clients_total",
				Help: "Number of clients in the lease database",
			},
		),

		assignments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addr6_assignments",
				Help: "Number of identity associations by type",
			},
			[]string{"type"},
		),

		leases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addr6_leases",
				Help: "Number of leases by assignment type",
			},
			[]string{"type"},
		),

		nextTimeout: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addr6_next_timeout_seconds",
				Help: "Seconds until the soonest timer of each kind fires",
			},
			[]string{"timer"},
		),

		replayValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "addr6_replay_detection_value",
				Help: "Current replay-detection counter",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.clientsTotal,
		m.assignments,
		m.leases,
		m.nextTimeout,
		m.replayValue,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates the gauges from the lease database.
func (m *Metrics) Collect() {
	clients := m.mgr.Clients()
	m.clientsTotal.Set(float64(len(clients)))

	var ia, ta, pd int
	var iaLeases, taLeases, pdLeases int
	for _, c := range clients {
		ia += len(c.IA)
		ta += len(c.TA)
		pd += len(c.PD)
		for _, a := range c.IA {
			iaLeases += len(a.Leases)
		}
		for _, a := range c.TA {
			taLeases += len(a.Leases)
		}
		for _, a := range c.PD {
			pdLeases += len(a.Leases)
		}
	}
	m.assignments.WithLabelValues("ia").Set(float64(ia))
	m.assignments.WithLabelValues("ta").Set(float64(ta))
	m.assignments.WithLabelValues("pd").Set(float64(pd))
	m.leases.WithLabelValues("ia").Set(float64(iaLeases))
	m.leases.WithLabelValues("ta").Set(float64(taLeases))
	m.leases.WithLabelValues("pd").Set(float64(pdLeases))

	m.nextTimeout.WithLabelValues("t1").Set(float64(m.mgr.T1Timeout()))
	m.nextTimeout.WithLabelValues("t2").Set(float64(m.mgr.T2Timeout()))
	m.nextTimeout.WithLabelValues("pref").Set(float64(m.mgr.PrefTimeout()))
	m.nextTimeout.WithLabelValues("valid").Set(float64(m.mgr.ValidTimeout()))

	m.replayValue.Set(float64(m.mgr.ReplayDetection()))
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
