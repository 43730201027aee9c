// Package metrics exports span and channel state to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/flowpbx/openzap/internal/zap"
	"github.com/prometheus/client_golang/prometheus"
)

// SpanSource lists the live spans. *zap.HAL satisfies it.
type SpanSource interface {
	Spans() []*zap.Span
}

// Collector is a prometheus.Collector that snapshots every span at scrape
// time.
type Collector struct {
	spans     SpanSource
	startTime time.Time

	spanChannelsDesc  *prometheus.Desc
	channelStateDesc  *prometheus.Desc
	channelsInUseDesc *prometheus.Desc
	channelAlarmDesc  *prometheus.Desc
	dtmfPendingDesc   *prometheus.Desc
	tonesDesc         *prometheus.Desc
	spanRunningDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a collector over spans.
func NewCollector(spans SpanSource, startTime time.Time) *Collector {
	spanLabels := []string{"span_id", "span"}
	return &Collector{
		spans:     spans,
		startTime: startTime,

		spanChannelsDesc: prometheus.NewDesc(
			"openzap_span_channels",
			"Channels configured on the span",
			append(spanLabels, "io"), nil,
		),
		channelStateDesc: prometheus.NewDesc(
			"openzap_channels",
			"Channels per state",
			append(spanLabels, "state"), nil,
		),
		channelsInUseDesc: prometheus.NewDesc(
			"openzap_channels_in_use",
			"Channels claimed by a call",
			spanLabels, nil,
		),
		channelAlarmDesc: prometheus.NewDesc(
			"openzap_channels_in_alarm",
			"Channels with any alarm raised",
			spanLabels, nil,
		),
		dtmfPendingDesc: prometheus.NewDesc(
			"openzap_dtmf_pending_digits",
			"Detected or queued digits not yet read by the application",
			spanLabels, nil,
		),
		tonesDesc: prometheus.NewDesc(
			"openzap_tones_detected_total",
			"Call progress tones detected on channels with progress detection enabled",
			append(spanLabels, "tone"), nil,
		),
		spanRunningDesc: prometheus.NewDesc(
			"openzap_span_event_loop_running",
			"Whether the span event loop is running (1) or not (0)",
			spanLabels, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"openzap_uptime_seconds",
			"Seconds since zapd started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spanChannelsDesc
	ch <- c.channelStateDesc
	ch <- c.channelsInUseDesc
	ch <- c.channelAlarmDesc
	ch <- c.dtmfPendingDesc
	ch <- c.tonesDesc
	ch <- c.spanRunningDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, span := range c.spans.Spans() {
		info := span.Info(true)
		id := strconv.Itoa(info.ID)

		ch <- prometheus.MustNewConstMetric(
			c.spanChannelsDesc, prometheus.GaugeValue,
			float64(info.ChanCount), id, info.Name, info.IO,
		)

		running := 0.0
		if span.HasFlag(zap.SpanInThread) {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.spanRunningDesc, prometheus.GaugeValue, running, id, info.Name)

		states := make(map[zap.State]int)
		tones := make(map[string]int)
		var inUse, inAlarm, pending int
		for _, ci := range info.Channels {
			states[ci.StateValue()]++
			if ci.HasFlag(zap.ChannelInUse) {
				inUse++
			}
			if ci.InAlarm() {
				inAlarm++
			}
			pending += ci.DTMFPending
			for k, n := range ci.DetectedTones {
				tones[k] += n
			}
		}

		// Every state is exported so idle states read 0 rather than vanish.
		for _, st := range zap.States() {
			ch <- prometheus.MustNewConstMetric(
				c.channelStateDesc, prometheus.GaugeValue,
				float64(states[st]), id, info.Name, st.String(),
			)
		}
		ch <- prometheus.MustNewConstMetric(c.channelsInUseDesc, prometheus.GaugeValue, float64(inUse), id, info.Name)
		ch <- prometheus.MustNewConstMetric(c.channelAlarmDesc, prometheus.GaugeValue, float64(inAlarm), id, info.Name)
		ch <- prometheus.MustNewConstMetric(c.dtmfPendingDesc, prometheus.GaugeValue, float64(pending), id, info.Name)
		for name, n := range tones {
			ch <- prometheus.MustNewConstMetric(c.tonesDesc, prometheus.CounterValue, float64(n), id, info.Name, name)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
