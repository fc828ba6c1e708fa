package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rateLimitChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_ratelimit_checks_total",
		Help: "Total number of rate limit checks",
	})
	rateLimitBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_ratelimit_blocked_total",
		Help: "Total number of requests rejected by rate limiting",
	})
	ddosChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_ddos_checks_total",
		Help: "Total number of DDoS checks",
	})
	ddosDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_ddos_detected_total",
		Help: "Total number of DDoS attacks detected",
	})
	threatScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_threat_scans_total",
		Help: "Total number of payloads scanned for threats",
	})
	threatsDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_threats_detected_total",
		Help: "Total number of payloads carrying at least one threat",
	})
	loginAnalysesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_login_analyses_total",
		Help: "Total number of login attempts analyzed",
	})
	activityAnalysesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_activity_analyses_total",
		Help: "Total number of user activities analyzed",
	})
	entitiesBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesentry_entities_blocked_total",
		Help: "Total number of entities added to the block registry",
	})
	activeBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradesentry_active_blocks",
		Help: "Entities currently in the block registry",
	})
	openEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradesentry_open_events",
		Help: "Security events currently open",
	})
)

// RegisterMetrics registers Prometheus collectors. Call once at startup.
func RegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(
		rateLimitChecksTotal,
		rateLimitBlockedTotal,
		ddosChecksTotal,
		ddosDetectedTotal,
		threatScansTotal,
		threatsDetectedTotal,
		loginAnalysesTotal,
		activityAnalysesTotal,
		entitiesBlockedTotal,
		activeBlocks,
		openEvents,
	)
}
