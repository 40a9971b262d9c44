package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics for adserve
type Metrics struct {
	// Decision metrics
	DecisionsTotal prometheus.Counter
	NoFillsTotal   prometheus.Counter

	// Delivery metrics
	ImpressionsTotal prometheus.Counter
	ViewablesTotal   prometheus.Counter
	ClicksTotal      prometheus.Counter

	// Consent metrics
	ConsentSavesTotal prometheus.CounterVec

	// Viewability metrics
	DwellDuration prometheus.Histogram
	ScrollDepth   prometheus.Histogram
}

// NewMetrics registers all adserve metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "decisions_total",
			Help:      "Total number of ad decisions served",
		}),
		NoFillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "no_fills_total",
			Help:      "Total number of slots with no eligible inventory",
		}),
		ImpressionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "impressions_total",
			Help:      "Total number of ad impressions",
		}),
		ViewablesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "viewable_impressions_total",
			Help:      "Total number of confirmed viewable impressions",
		}),
		ClicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "clicks_total",
			Help:      "Total number of ad click-throughs",
		}),
		ConsentSavesTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserve",
			Name:      "consent_saves_total",
			Help:      "Total number of consent records saved, by marketing grant",
		}, []string{"marketing"}),
		DwellDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adserve",
			Name:      "dwell_duration_ms",
			Help:      "Observed dwell duration of viewable impressions in milliseconds",
			Buckets:   []float64{1000, 1250, 1500, 2000, 3000, 5000, 10000},
		}),
		ScrollDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adserve",
			Name:      "scroll_depth_pct",
			Help:      "Scroll depth at viewable confirmation, percent",
			Buckets:   []float64{10, 25, 50, 75, 90, 100},
		}),
	}
}
