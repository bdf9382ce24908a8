package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/watchlist"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mdreactor"

var (
	registerOnce sync.Once

	tunnelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "messages_total",
			Help:      "Application messages carried by tunnel streams.",
		},
		[]string{"direction"},
	)
	tunnelBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Application payload bytes carried by tunnel streams.",
		},
		[]string{"direction"},
	)
	tunnelFragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "fragments_total",
			Help:      "Fragments sent and reassembled.",
		},
		[]string{"direction"},
	)
	tunnelQueueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "queue_messages_total",
			Help:      "Queue sub-protocol messages.",
		},
		[]string{"direction"},
	)
	tunnelRecovery = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "recovery_total",
			Help:      "Retransmissions, duplicates discarded and gaps skipped.",
		},
		[]string{"kind"},
	)
	tunnelClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "closed_total",
			Help:      "Tunnel streams closed, by outcome.",
		},
		[]string{"outcome"},
	)
	tunnelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "open",
			Help:      "Tunnel streams currently open.",
		},
	)
	tunnelHandshake = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "open_duration_seconds",
			Help:      "Time from open request to refresh.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	watchlistRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchlist",
			Name:      "requests_total",
			Help:      "Watchlist request activity.",
		},
		[]string{"event"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "channel_events_total",
			Help:      "Reactor channel lifecycle events.",
		},
		[]string{"event"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"server", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			tunnelMessages, tunnelBytes, tunnelFragments, tunnelQueueMessages,
			tunnelRecovery, tunnelClosed, tunnelsOpen, tunnelHandshake,
			watchlistRequests, channelEvents, httpRequests, httpDuration,
		)
	})
}

// RecordTunnelOpened counts a stream that reached the open phase.
func RecordTunnelOpened(handshake time.Duration) {
	RegisterMetrics()
	tunnelsOpen.Inc()
	if handshake > 0 {
		tunnelHandshake.Observe(handshake.Seconds())
	}
}

// RecordTunnelClosed folds a closed stream's final counters into the
// totals. wasOpen says whether it had been counted by RecordTunnelOpened.
func RecordTunnelClosed(st tunnel.Stats, outcome string, wasOpen bool) {
	RegisterMetrics()
	if wasOpen {
		tunnelsOpen.Dec()
	}
	tunnelClosed.WithLabelValues(outcome).Inc()
	tunnelMessages.WithLabelValues("sent").Add(float64(st.MsgsSent))
	tunnelMessages.WithLabelValues("received").Add(float64(st.MsgsReceived))
	tunnelBytes.WithLabelValues("sent").Add(float64(st.BytesSent))
	tunnelBytes.WithLabelValues("received").Add(float64(st.BytesReceived))
	tunnelFragments.WithLabelValues("sent").Add(float64(st.FragmentsSent))
	tunnelFragments.WithLabelValues("received").Add(float64(st.FragmentsReceived))
	tunnelQueueMessages.WithLabelValues("sent").Add(float64(st.QueueMsgsSent))
	tunnelQueueMessages.WithLabelValues("received").Add(float64(st.QueueMsgsReceived))
	tunnelRecovery.WithLabelValues("retransmit").Add(float64(st.Retransmits))
	tunnelRecovery.WithLabelValues("duplicate").Add(float64(st.Duplicates))
	tunnelRecovery.WithLabelValues("gap_skipped").Add(float64(st.GapsSkipped))
}

// RecordWatchlist adds the growth between two snapshots of a handler's
// counters.
func RecordWatchlist(prev, cur watchlist.Stats) {
	RegisterMetrics()
	add := func(event string, before, after uint64) {
		if after > before {
			watchlistRequests.WithLabelValues(event).Add(float64(after - before))
		}
	}
	add("submitted", prev.Submitted, cur.Submitted)
	add("aggregated", prev.Aggregated, cur.Aggregated)
	add("late_join", prev.LateJoins, cur.LateJoins)
	add("retry", prev.Retries, cur.Retries)
	add("timeout", prev.TimedOut, cur.TimedOut)
	add("closed", prev.Closed, cur.Closed)
}

func RecordChannelEvent(event string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(event).Inc()
}

func RecordHTTPRequest(server, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, route, statusLabel).Observe(duration.Seconds())
}
