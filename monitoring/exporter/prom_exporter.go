package main

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromExporter collects metrics in Prometheus format from a showtime server.
type PromExporter struct {
	address   string
	timeout   time.Duration
	namespace string

	scraper *Scraper

	up            *prometheus.Desc
	uptime        *prometheus.Desc
	topicsLive    *prometheus.Desc
	sessionsLive  *prometheus.Desc
	sessionsTotal *prometheus.Desc
	published     *prometheus.Desc
	overflows     *prometheus.Desc
	invalid       *prometheus.Desc
	messagesIn    *prometheus.Desc
	messagesOut   *prometheus.Desc
	malloced      *prometheus.Desc
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(server, namespace string, timeout time.Duration, scraper *Scraper) *PromExporter {
	return &PromExporter{
		address:   server,
		timeout:   timeout,
		namespace: namespace,
		scraper:   scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the showtime instance is reachable.",
			nil,
			nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Time since the instance started.",
			nil,
			nil,
		),
		topicsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "topics_live_count"),
			"Number of event streams served.",
			nil,
			nil,
		),
		sessionsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_live_count"),
			"Number of currently connected viewers.",
			nil,
			nil,
		),
		sessionsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_total"),
			"Total number of sessions since instance start.",
			nil,
			nil,
		),
		published: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "published_envelopes_total"),
			"Envelopes accepted and fanned out since instance start.",
			nil,
			nil,
		),
		overflows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_overflows_total"),
			"Sessions dropped because their outbound queue overflowed.",
			nil,
			nil,
		),
		invalid: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "invalid_payloads_total"),
			"Publishes rejected for failing payload validation.",
			nil,
			nil,
		),
		messagesIn: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "incoming_websock_messages_total"),
			"Messages received over websocket sessions.",
			nil,
			nil,
		),
		messagesOut: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "outgoing_websock_messages_total"),
			"Messages written to websocket sessions.",
			nil,
			nil,
		),
		malloced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malloced_bytes"),
			"Number of bytes of memory allocated and in use.",
			nil,
			nil,
		),
	}
}

// Describe describes all the metrics exported by the showtime exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.uptime
	ch <- e.topicsLive
	ch <- e.sessionsLive
	ch <- e.sessionsTotal
	ch <- e.published
	ch <- e.overflows
	ch <- e.invalid
	ch <- e.messagesIn
	ch <- e.messagesOut
	ch <- e.malloced
}

// Collect fetches statistics from the configured showtime instance, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	up := float64(1)
	if stats, err := e.scraper.Scrape(); err != nil {
		log.Println("Failed to fetch or parse response", err)
		up = 0
	} else {
		if err := e.parseStats(ch, stats); err != nil {
			up = 0
		}
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]interface{}) error {
	err := firstError(
		e.parseAndUpdate(ch, e.uptime, prometheus.GaugeValue, stats, "Uptime"),
		e.parseAndUpdate(ch, e.topicsLive, prometheus.GaugeValue, stats, "LiveTopics"),
		e.parseAndUpdate(ch, e.sessionsLive, prometheus.GaugeValue, stats, "LiveSessions"),
		e.parseAndUpdate(ch, e.sessionsTotal, prometheus.CounterValue, stats, "TotalSessions"),
		e.parseAndUpdate(ch, e.published, prometheus.CounterValue, stats, "PublishedEnvelopesTotal"),
		e.parseAndUpdate(ch, e.overflows, prometheus.CounterValue, stats, "QueueOverflowsTotal"),
		e.parseAndUpdate(ch, e.invalid, prometheus.CounterValue, stats, "InvalidPayloadsTotal"),
		e.parseAndUpdate(ch, e.messagesIn, prometheus.CounterValue, stats, "IncomingMessagesWebsockTotal"),
		e.parseAndUpdate(ch, e.messagesOut, prometheus.CounterValue, stats, "OutgoingMessagesWebsockTotal"),
		e.parseAndUpdate(ch, e.malloced, prometheus.GaugeValue, stats, "memstats.Alloc"),
	)

	return err
}

func (e *PromExporter) parseAndUpdate(ch chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType,
	stats map[string]interface{}, key string) error {
	v, err := parseMetric(stats, key)
	if err != nil {
		return err
	}
	ch <- prometheus.MustNewConstMetric(desc, valueType, v)
	return nil
}

func firstError(errs ...error) error {
	for _, v := range errs {
		if v != nil {
			return v
		}
	}
	return nil
}
