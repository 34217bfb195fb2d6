package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryops/camdash/internal/alerts"
	"github.com/sentryops/camdash/internal/signaling"
)

// SessionSource reports peer session states.
type SessionSource interface {
	StateCounts() map[string]int
}

// StreamSource reports per-device subscriber counts.
type StreamSource interface {
	SubscriberCounts() map[string]int
}

// AlertSource reports alert table stats.
type AlertSource interface {
	Stats() alerts.Stats
}

// ChannelSource reports signaling channel stats.
type ChannelSource interface {
	Stats() signaling.Stats
}

// Sources holds the components the collector polls. Nil entries are
// skipped.
type Sources struct {
	Sessions SessionSource
	Streams  StreamSource
	Alerts   AlertSource
	Channel  ChannelSource
}

// Collector polls the session layer into its own registry.
type Collector struct {
	sources  Sources
	registry *prometheus.Registry

	sessionStates     *prometheus.GaugeVec
	streamSubscribers *prometheus.GaugeVec
	alertsByStatus    *prometheus.GaugeVec
	persistFailures   prometheus.Gauge
	sirenTriggers     prometheus.Gauge
	hubConnected      prometheus.Gauge
	hubReconnects     prometheus.Gauge
	hubDroppedSends   prometheus.Gauge
}

func NewCollector(sources Sources) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		sources:  sources,
		registry: reg,
	}

	c.sessionStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camdash_peer_sessions",
		Help: "Peer sessions by state",
	}, []string{"state"})
	reg.MustRegister(c.sessionStates)

	c.streamSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camdash_stream_subscribers",
		Help: "Stream subscribers per device",
	}, []string{"device_id"})
	reg.MustRegister(c.streamSubscribers)

	c.alertsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camdash_alerts",
		Help: "Alerts in the session table by status",
	}, []string{"status"})
	reg.MustRegister(c.alertsByStatus)

	c.persistFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camdash_alert_persist_failures_total",
		Help: "Alert persistence calls that failed",
	})
	reg.MustRegister(c.persistFailures)

	c.sirenTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camdash_siren_triggers_total",
		Help: "Sirens triggered by alert confirmation",
	})
	reg.MustRegister(c.sirenTriggers)

	c.hubConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camdash_hub_connected",
		Help: "Signaling hub connectivity (1=connected)",
	})
	reg.MustRegister(c.hubConnected)

	c.hubReconnects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camdash_hub_reconnects_total",
		Help: "Signaling hub reconnect count",
	})
	reg.MustRegister(c.hubReconnects)

	c.hubDroppedSends = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camdash_hub_dropped_sends_total",
		Help: "Outbound signaling events dropped while disconnected",
	})
	reg.MustRegister(c.hubDroppedSends)

	return c
}

func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Collect polls every configured source once.
func (c *Collector) Collect() {
	if c.sources.Sessions != nil {
		c.sessionStates.Reset()
		for state, n := range c.sources.Sessions.StateCounts() {
			c.sessionStates.WithLabelValues(state).Set(float64(n))
		}
	}

	if c.sources.Streams != nil {
		c.streamSubscribers.Reset()
		for device, n := range c.sources.Streams.SubscriberCounts() {
			c.streamSubscribers.WithLabelValues(device).Set(float64(n))
		}
	}

	if c.sources.Alerts != nil {
		stats := c.sources.Alerts.Stats()
		c.alertsByStatus.WithLabelValues(string(alerts.StatusPending)).Set(float64(stats.Pending))
		c.alertsByStatus.WithLabelValues(string(alerts.StatusConfirmed)).Set(float64(stats.Confirmed))
		c.alertsByStatus.WithLabelValues(string(alerts.StatusDismissed)).Set(float64(stats.Dismissed))
		c.persistFailures.Set(float64(stats.PersistFailures))
		c.sirenTriggers.Set(float64(stats.SirenTriggers))
	}

	if c.sources.Channel != nil {
		stats := c.sources.Channel.Stats()
		if stats.Connected {
			c.hubConnected.Set(1)
		} else {
			c.hubConnected.Set(0)
		}
		c.hubReconnects.Set(float64(stats.Reconnects))
		c.hubDroppedSends.Set(float64(stats.DroppedSends))
	}
}
