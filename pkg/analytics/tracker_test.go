package analytics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/naatiprep/adserve/pkg/events"
	"github.com/naatiprep/adserve/pkg/metric"
)

func newTestTracker() *Tracker {
	return NewTracker(metric.NewMetrics(prometheus.NewRegistry()))
}

func TestCountersAndViewabilityRate(t *testing.T) {
	tr := newTestTracker()

	tr.TrackDecision("s1", "p", "ad-1", decimal.NewFromFloat(2.0))
	tr.TrackImpression("s1", "p", "ad-1")
	tr.TrackImpression("s1", "p", "ad-1")
	tr.TrackViewable("s1", "p", events.ViewableImpression{
		AdID:               "ad-1",
		ViewportPercentage: 80,
		ViewDuration:       1200,
		IsVisible:          true,
		ScrollDepth:        30,
	})
	tr.TrackClick("s1", "p", "ad-1")
	tr.TrackNoFill("p2")

	require.Equal(t, uint64(1), tr.TotalDecisions.Load())
	require.Equal(t, uint64(2), tr.TotalImpressions.Load())
	require.Equal(t, uint64(1), tr.TotalViewables.Load())
	require.Equal(t, uint64(1), tr.TotalClicks.Load())
	require.Equal(t, uint64(1), tr.TotalNoFills.Load())
	require.InDelta(t, 0.5, tr.ViewabilityRate(), 0.0001)
}

func TestPlacementReport(t *testing.T) {
	tr := newTestTracker()

	tr.TrackDecision("s1", "dashboard_banner", "ad-1", decimal.NewFromFloat(3.0))
	tr.TrackImpression("s1", "dashboard_banner", "ad-1")
	tr.TrackViewable("s1", "dashboard_banner", events.ViewableImpression{AdID: "ad-1"})

	stats, ok := tr.PlacementReport("dashboard_banner")
	require.True(t, ok)
	require.Equal(t, uint64(1), stats.Decisions)
	require.Equal(t, uint64(1), stats.Impressions)
	require.Equal(t, uint64(1), stats.Viewables)
	// 3.0 CPM over 1000 impressions.
	require.True(t, decimal.NewFromFloat(0.003).Equal(stats.Revenue))

	_, ok = tr.PlacementReport("unknown")
	require.False(t, ok)
}

func TestQueryFiltering(t *testing.T) {
	tr := newTestTracker()

	tr.TrackImpression("s1", "p", "ad-1")
	tr.TrackImpression("s1", "p", "ad-2")
	tr.TrackClick("s1", "p", "ad-1")

	clicks, err := tr.Query(QueryFilter{EventTypes: []events.Type{events.TypeClick}})
	require.NoError(t, err)
	require.Len(t, clicks, 1)
	require.Equal(t, "ad-1", clicks[0].AdID)

	ad1, err := tr.Query(QueryFilter{AdIDs: []string{"ad-1"}})
	require.NoError(t, err)
	require.Len(t, ad1, 2)

	limited, err := tr.Query(QueryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := tr.Query(QueryFilter{EndTime: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestEventStreamDelivery(t *testing.T) {
	tr := newTestTracker()

	tr.TrackViewable("s1", "p", events.ViewableImpression{AdID: "ad-1", ViewDuration: 1100})

	select {
	case ev := <-tr.EventStream:
		require.Equal(t, events.TypeViewable, ev.Type)
		require.NotNil(t, ev.Viewable)
		require.Equal(t, int64(1100), ev.Viewable.ViewDuration)
	default:
		t.Fatal("expected event on stream")
	}
}

func TestEventStreamDropsOnBackpressure(t *testing.T) {
	tr := newTestTracker()

	// Nobody drains the stream; overfilling must not block.
	for i := 0; i < 2048; i++ {
		tr.TrackNoFill("p")
	}
	require.Equal(t, uint64(2048), tr.TotalNoFills.Load())
}
