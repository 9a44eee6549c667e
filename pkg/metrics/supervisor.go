package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SupervisorMetrics instruments the fleet supervisor. A nil receiver records
// nothing.
type SupervisorMetrics struct {
	fixes     *prometheus.CounterVec
	scales    *prometheus.CounterVec
	fleetSize prometheus.Gauge
	diskUtil  prometheus.Gauge
	stuck     prometheus.Gauge
}

// NewSupervisorMetrics returns nil when metrics are disabled.
func NewSupervisorMetrics() *SupervisorMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	return &SupervisorMetrics{
		fixes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfmon_fixes_total",
				Help: "Fix attempts by type and outcome",
			},
			[]string{"fix_type", "outcome"},
		),
		scales: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfmon_scale_actions_total",
				Help: "Fleet scaling actions by direction",
			},
			[]string{"direction"},
		),
		fleetSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfmon_fleet_size",
				Help: "Live migration workers",
			},
		),
		diskUtil: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfmon_disk_utilization_percent",
				Help: "Utilization of the device backing the source library",
			},
		),
		stuck: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfmon_stuck_workers",
				Help: "Workers currently classified as stuck",
			},
		),
	}
}

// ObserveFix records one fix attempt.
func (m *SupervisorMetrics) ObserveFix(fixType, outcome string) {
	if m == nil {
		return
	}
	m.fixes.WithLabelValues(fixType, outcome).Inc()
}

// ObserveScale records a fleet scaling action ("up" or "down").
func (m *SupervisorMetrics) ObserveScale(direction string) {
	if m == nil {
		return
	}
	m.scales.WithLabelValues(direction).Inc()
}

// SetFleet records the current fleet state.
func (m *SupervisorMetrics) SetFleet(size, stuck int, diskUtil float64) {
	if m == nil {
		return
	}
	m.fleetSize.Set(float64(size))
	m.stuck.Set(float64(stuck))
	m.diskUtil.Set(diskUtil)
}
