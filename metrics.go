package main

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// bridgeStats holds counters incremented by the coordinator.
type bridgeStats struct {
	eventsDispatched   atomic.Int64
	commandsFailed     atomic.Int64
	staleEventsDropped atomic.Int64
}

func newBridgeStats() *bridgeStats { return &bridgeStats{} }

// ActiveCallProvider exposes the number of active calls held by the
// registry.
type ActiveCallProvider interface {
	ActiveCallCount() int
}

// PendingInviteProvider exposes the number of posted incoming-call
// notifications.
type PendingInviteProvider interface {
	RecordCount() int
	PendingInvites() []*InviteNotification
}

// Collector gathers bridge metrics at scrape time.
type Collector struct {
	calls     ActiveCallProvider
	telecom   PendingInviteProvider
	stats     *bridgeStats
	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	callRecordsDesc    *prometheus.Desc
	pendingInvitesDesc *prometheus.Desc
	eventsDesc         *prometheus.Desc
	failedDesc         *prometheus.Desc
	staleDesc          *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(calls ActiveCallProvider, telecom PendingInviteProvider, stats *bridgeStats) *Collector {
	return &Collector{
		calls:     calls,
		telecom:   telecom,
		stats:     stats,
		startTime: time.Now(),
		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of active calls held by the registry (0 or 1).",
			nil, nil),
		callRecordsDesc: prometheus.NewDesc(
			"voicebridge_call_records",
			"Number of retained telephony call records.",
			nil, nil),
		pendingInvitesDesc: prometheus.NewDesc(
			"voicebridge_pending_invites",
			"Number of posted incoming-call notifications.",
			nil, nil),
		eventsDesc: prometheus.NewDesc(
			"voicebridge_events_dispatched_total",
			"Total signaling events dispatched by the coordinator.",
			nil, nil),
		failedDesc: prometheus.NewDesc(
			"voicebridge_commands_failed_total",
			"Total signaling commands that completed with an error.",
			nil, nil),
		staleDesc: prometheus.NewDesc(
			"voicebridge_stale_events_dropped_total",
			"Total events dropped because their call ID matched no active call.",
			nil, nil),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the bridge started.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callRecordsDesc
	ch <- c.pendingInvitesDesc
	ch <- c.eventsDesc
	ch <- c.failedDesc
	ch <- c.staleDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue,
		float64(c.calls.ActiveCallCount()))
	ch <- prometheus.MustNewConstMetric(c.callRecordsDesc, prometheus.GaugeValue,
		float64(c.telecom.RecordCount()))
	ch <- prometheus.MustNewConstMetric(c.pendingInvitesDesc, prometheus.GaugeValue,
		float64(len(c.telecom.PendingInvites())))
	ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue,
		float64(c.stats.eventsDispatched.Load()))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue,
		float64(c.stats.commandsFailed.Load()))
	ch <- prometheus.MustNewConstMetric(c.staleDesc, prometheus.CounterValue,
		float64(c.stats.staleEventsDropped.Load()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds())
}
