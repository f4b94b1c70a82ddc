package feeding

import (
	"github.com/prometheus/client_golang/prometheus"

	"snackloader-backend/internal/model"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	feedRequests *prometheus.CounterVec
	acknowledged prometheus.Counter
	completed    *prometheus.CounterVec
	abandoned    *prometheus.CounterVec
	retries      prometheus.Counter

	bowlWeight  *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	lastSeen    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	deviceLabels := []string{"device_id"}
	m := &Metrics{
		feedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snackloader_feed_requests_total",
			Help: "Manual feed requests by pet and outcome",
		}, []string{"pet", "result"}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snackloader_commands_acknowledged_total",
			Help: "Commands newly marked processed by a device",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snackloader_feedings_completed_total",
			Help: "Feedings reported complete by a device",
		}, []string{"pet"}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snackloader_feedings_abandoned_total",
			Help: "Feedings released by the staleness sweep",
		}, []string{"pet"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snackloader_storage_retries_total",
			Help: "Transient storage failures that were retried",
		}),
		bowlWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snackloader_bowl_weight_grams",
			Help: "Last reported bowl weight",
		}, deviceLabels),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snackloader_temperature_celsius",
			Help: "Last reported temperature",
		}, deviceLabels),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snackloader_humidity_percent",
			Help: "Last reported relative humidity",
		}, deviceLabels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snackloader_device_last_seen_timestamp_seconds",
			Help: "Unix time of the last telemetry or heartbeat",
		}, deviceLabels),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.feedRequests, m.acknowledged, m.completed, m.abandoned, m.retries,
		m.bowlWeight, m.temperature, m.humidity, m.lastSeen,
	}
}

func (m *Metrics) feedRequest(p model.Pet, result string) {
	m.feedRequests.WithLabelValues(string(p), result).Inc()
}

func setIfPresent(g *prometheus.GaugeVec, deviceID string, v *float64) {
	if v != nil {
		g.WithLabelValues(deviceID).Set(*v)
	}
}
