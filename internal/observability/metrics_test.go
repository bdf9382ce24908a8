package observability

import (
	"testing"
	"time"

	"github.com/danmuck/mdreactor/internal/testutil/testlog"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/watchlist"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("provider", "GET", "/health", 200, 12*time.Millisecond)
	RecordChannelEvent("up")
	RecordTunnelOpened(20 * time.Millisecond)
	RecordTunnelClosed(tunnel.Stats{MsgsSent: 3, Retransmits: 1}, "closed", true)
}

func TestRecordTunnelClosedAddsCounters(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(tunnelMessages.WithLabelValues("sent"))
	openBefore := testutil.ToFloat64(tunnelsOpen)

	RecordTunnelOpened(0)
	RecordTunnelClosed(tunnel.Stats{MsgsSent: 4, MsgsReceived: 2}, "failed", true)

	if got := testutil.ToFloat64(tunnelMessages.WithLabelValues("sent")) - before; got != 4 {
		t.Fatalf("sent messages delta got=%v", got)
	}
	if got := testutil.ToFloat64(tunnelsOpen); got != openBefore {
		t.Fatalf("open gauge must return to its previous value got=%v want=%v", got, openBefore)
	}
}

func TestRecordWatchlistCountsGrowthOnly(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(watchlistRequests.WithLabelValues("submitted"))
	RecordWatchlist(watchlist.Stats{Submitted: 2}, watchlist.Stats{Submitted: 5})
	RecordWatchlist(watchlist.Stats{Submitted: 5}, watchlist.Stats{Submitted: 5})
	if got := testutil.ToFloat64(watchlistRequests.WithLabelValues("submitted")) - before; got != 3 {
		t.Fatalf("submitted delta got=%v", got)
	}
}
