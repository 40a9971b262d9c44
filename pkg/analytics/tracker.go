// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/naatiprep/adserve/pkg/events"
	"github.com/naatiprep/adserve/pkg/metric"
)

// Tracker aggregates adserve delivery events: decisions, impressions,
// viewable confirmations, clicks, and consent saves.
type Tracker struct {
	// Real-time counters
	TotalDecisions   atomic.Uint64
	TotalNoFills     atomic.Uint64
	TotalImpressions atomic.Uint64
	TotalViewables   atomic.Uint64
	TotalClicks      atomic.Uint64

	// Per-placement stats
	placements map[string]*PlacementStats
	mu         sync.RWMutex

	// Event stream for real-time consumers (websocket fan-out)
	EventStream chan *events.Event

	metrics *metric.Metrics
	storage StorageBackend
}

// PlacementStats tracks per-placement delivery
type PlacementStats struct {
	Placement   string
	Decisions   uint64
	Impressions uint64
	Viewables   uint64
	Clicks      uint64
	Revenue     decimal.Decimal
}

// StorageBackend persists analytics events
type StorageBackend interface {
	Store(event *events.Event) error
	Query(filter QueryFilter) ([]*events.Event, error)
}

// QueryFilter selects stored events
type QueryFilter struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []events.Type
	AdIDs      []string
	Limit      int
}

// NewTracker creates a tracker with in-memory event storage.
func NewTracker(m *metric.Metrics) *Tracker {
	return &Tracker{
		placements:  make(map[string]*PlacementStats),
		EventStream: make(chan *events.Event, 1024),
		metrics:     m,
		storage:     NewInMemoryStorage(),
	}
}

// TrackDecision records a filled ad decision.
func (t *Tracker) TrackDecision(subjectID, placement, adID string, cpm decimal.Decimal) {
	t.TotalDecisions.Add(1)
	t.metrics.DecisionsTotal.Inc()

	t.mu.Lock()
	stats := t.placementLocked(placement)
	stats.Decisions++
	stats.Revenue = stats.Revenue.Add(cpm.Div(decimal.NewFromInt(1000)))
	t.mu.Unlock()

	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeDecision,
		Timestamp: time.Now(),
		SubjectID: subjectID,
		AdID:      adID,
		Placement: placement,
	})
}

// TrackNoFill records a slot with no eligible inventory.
func (t *Tracker) TrackNoFill(placement string) {
	t.TotalNoFills.Add(1)
	t.metrics.NoFillsTotal.Inc()

	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeNoFill,
		Timestamp: time.Now(),
		Placement: placement,
	})
}

// TrackImpression records a rendered ad.
func (t *Tracker) TrackImpression(subjectID, placement, adID string) {
	t.TotalImpressions.Add(1)
	t.metrics.ImpressionsTotal.Inc()

	t.mu.Lock()
	t.placementLocked(placement).Impressions++
	t.mu.Unlock()

	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeImpression,
		Timestamp: time.Now(),
		SubjectID: subjectID,
		AdID:      adID,
		Placement: placement,
	})
}

// TrackViewable records a confirmed viewable impression from the tracker.
func (t *Tracker) TrackViewable(subjectID, placement string, v events.ViewableImpression) {
	t.TotalViewables.Add(1)
	t.metrics.ViewablesTotal.Inc()
	t.metrics.DwellDuration.Observe(float64(v.ViewDuration))
	t.metrics.ScrollDepth.Observe(v.ScrollDepth)

	t.mu.Lock()
	t.placementLocked(placement).Viewables++
	t.mu.Unlock()

	viewable := v
	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeViewable,
		Timestamp: time.Now(),
		SubjectID: subjectID,
		AdID:      v.AdID,
		Placement: placement,
		Viewable:  &viewable,
	})
}

// TrackClick records a click-through.
func (t *Tracker) TrackClick(subjectID, placement, adID string) {
	t.TotalClicks.Add(1)
	t.metrics.ClicksTotal.Inc()

	t.mu.Lock()
	t.placementLocked(placement).Clicks++
	t.mu.Unlock()

	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeClick,
		Timestamp: time.Now(),
		SubjectID: subjectID,
		AdID:      adID,
		Placement: placement,
	})
}

// TrackConsentSave records a consent decision, without the subject id.
func (t *Tracker) TrackConsentSave(marketing bool) {
	t.metrics.ConsentSavesTotal.WithLabelValues(fmt.Sprintf("%t", marketing)).Inc()

	t.record(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeConsentSave,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"marketing": marketing},
	})
}

// ViewabilityRate returns confirmed viewables over impressions, 0-1.
func (t *Tracker) ViewabilityRate() float64 {
	imps := t.TotalImpressions.Load()
	if imps == 0 {
		return 0
	}
	return float64(t.TotalViewables.Load()) / float64(imps)
}

// PlacementReport returns a copy of the stats for one placement.
func (t *Tracker) PlacementReport(placement string) (PlacementStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats, ok := t.placements[placement]
	if !ok {
		return PlacementStats{}, false
	}
	return *stats, true
}

// Query retrieves stored events matching the filter.
func (t *Tracker) Query(filter QueryFilter) ([]*events.Event, error) {
	return t.storage.Query(filter)
}

// RealTimeMetrics returns the current counters for the ops dashboard.
func (t *Tracker) RealTimeMetrics() map[string]any {
	return map[string]any{
		"total_decisions":   t.TotalDecisions.Load(),
		"total_no_fills":    t.TotalNoFills.Load(),
		"total_impressions": t.TotalImpressions.Load(),
		"total_viewables":   t.TotalViewables.Load(),
		"total_clicks":      t.TotalClicks.Load(),
		"viewability_rate":  t.ViewabilityRate(),
	}
}

// placementLocked returns the stats slot for placement; caller holds t.mu.
func (t *Tracker) placementLocked(placement string) *PlacementStats {
	stats, ok := t.placements[placement]
	if !ok {
		stats = &PlacementStats{Placement: placement}
		t.placements[placement] = stats
	}
	return stats
}

// record stores the event and offers it to the stream, dropping on backpressure.
func (t *Tracker) record(ev *events.Event) {
	t.storage.Store(ev)

	select {
	case t.EventStream <- ev:
	default:
		// Buffer full, drop event
	}
}
