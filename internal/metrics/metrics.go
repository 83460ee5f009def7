package metrics

// Engine-wide counters and gauges. Components record into these
// unconditionally; whether they are scraped is up to the binary.

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_active_connections",
		Help: "Sockets currently open or connecting",
	})
	QueuedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_queued_connections",
		Help: "Connection requests waiting for a pool permit",
	})
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_reconnects_total",
		Help: "Reconnect attempts per symbol",
	},
		[]string{"symbol"},
	)
	DegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_degraded_total",
		Help: "Streams degraded from socket to REST polling",
	},
		[]string{"symbol"},
	)
	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_parse_errors_total",
		Help: "Stream messages dropped as malformed",
	})
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_messages_total",
		Help: "Typed events ingested, by channel and source",
	},
		[]string{"channel", "source"},
	)
	PollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_poll_ticks_total",
		Help: "REST polling fallback fetches",
	})
)
