// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package viewability

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/naatiprep/adserve/pkg/events"
	"github.com/naatiprep/adserve/pkg/log"
)

const (
	// DefaultThreshold is the industry-standard minimum visible fraction.
	DefaultThreshold = 0.5
	// DefaultDwellTime is the continuous time above threshold required
	// before an impression counts as viewable.
	DefaultDwellTime = 1000 * time.Millisecond
)

// Config controls the viewability rule.
type Config struct {
	Threshold float64
	DwellTime time.Duration
	// OncePerAd suppresses repeat viewable events for an ad id. Default is
	// to allow re-firing on every completed dwell cycle.
	OncePerAd bool
}

// DefaultConfig returns the standard 50%/1s rule with re-firing allowed.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		DwellTime: DefaultDwellTime,
	}
}

// Sink receives confirmed viewable impressions. Called outside the tracker
// lock; implementations may take their time.
type Sink func(events.ViewableImpression)

// Tracker converts visibility-fraction updates from the client's observation
// source into discrete viewable-impression events. Per ad id: Unseen ->
// Pending (fraction crossed threshold, dwell timer running) -> Confirmed
// (timer fired), with Pending dropping back to Unseen the instant the
// fraction falls below threshold.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	sink     Sink
	log      log.Logger
	closed   bool
	elements map[string]string      // element id -> ad id
	pending  map[string]*dwellTimer // ad id -> pending dwell timer
	fired    map[string]bool        // ad ids confirmed at least once
	fraction map[string]float64     // last reported fraction per ad id

	scrollDepth atomic.Uint64 // float64 bits, 0-100
}

// dwellTimer is the cancellation token for one pending dwell window.
// Cancel is idempotent; a cancelled token never fires.
type dwellTimer struct {
	timer     *time.Timer
	startedAt time.Time
	cancelled bool
}

// NewTracker creates a tracker delivering confirmed impressions to sink.
func NewTracker(cfg Config, sink Sink, logger log.Logger) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.DwellTime <= 0 {
		cfg.DwellTime = DefaultDwellTime
	}

	return &Tracker{
		cfg:      cfg,
		sink:     sink,
		log:      logger,
		elements: make(map[string]string),
		pending:  make(map[string]*dwellTimer),
		fired:    make(map[string]bool),
		fraction: make(map[string]float64),
	}
}

// Observe registers an element for visibility tracking under an ad id.
func (t *Tracker) Observe(elementID, adID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.elements[elementID] = adID
}

// Unobserve deregisters an element and cancels any pending dwell timer for
// its ad id. This is the only cleanup path for detached elements; callers
// must guarantee it runs on element teardown or the timer slot leaks.
func (t *Tracker) Unobserve(elementID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	adID, ok := t.elements[elementID]
	if !ok {
		return
	}
	delete(t.elements, elementID)
	delete(t.fraction, adID)
	t.cancelLocked(adID)
}

// OnVisibilityUpdate feeds a fraction change from the observation source.
// Crossing the threshold upward starts the dwell timer (a no-op if one is
// already pending); dropping below it cancels the pending timer immediately.
func (t *Tracker) OnVisibilityUpdate(adID string, visibleFraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.fraction[adID] = visibleFraction

	if visibleFraction < t.cfg.Threshold {
		t.cancelLocked(adID)
		return
	}

	if t.cfg.OncePerAd && t.fired[adID] {
		return
	}
	if _, exists := t.pending[adID]; exists {
		return
	}

	dt := &dwellTimer{startedAt: time.Now()}
	dt.timer = time.AfterFunc(t.cfg.DwellTime, func() {
		t.fire(adID, dt)
	})
	t.pending[adID] = dt

	t.log.Debug("dwell timer started", "ad", adID, "fraction", visibleFraction)
}

// UpdateScrollDepth records the client's current scroll depth percentage,
// carried on subsequent viewable events.
func (t *Tracker) UpdateScrollDepth(pct float64) {
	pct = math.Max(0, math.Min(100, pct))
	t.scrollDepth.Store(math.Float64bits(pct))
}

// Pending reports whether a dwell timer is currently running for the ad id.
func (t *Tracker) Pending(adID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[adID]
	return ok
}

// Disconnect cancels all pending timers and stops all observation.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for adID := range t.pending {
		t.cancelLocked(adID)
	}
	t.elements = make(map[string]string)
	t.fraction = make(map[string]float64)
	t.closed = true
}

// cancelLocked cancels the pending timer for adID, if any. Idempotent: a
// missing or already-cancelled slot is a no-op. Caller holds t.mu.
func (t *Tracker) cancelLocked(adID string) {
	dt, ok := t.pending[adID]
	if !ok {
		return
	}
	dt.cancelled = true
	dt.timer.Stop()
	delete(t.pending, adID)

	t.log.Debug("dwell timer cancelled", "ad", adID)
}

// fire runs on timer expiry: confirms the impression and clears the slot.
func (t *Tracker) fire(adID string, dt *dwellTimer) {
	t.mu.Lock()

	// The slot may have been cancelled or replaced between expiry and lock
	// acquisition; only the still-current token fires.
	if dt.cancelled || t.pending[adID] != dt {
		t.mu.Unlock()
		return
	}
	delete(t.pending, adID)
	t.fired[adID] = true

	ev := events.ViewableImpression{
		AdID:               adID,
		ViewportPercentage: t.fraction[adID] * 100,
		ViewDuration:       time.Since(dt.startedAt).Milliseconds(),
		IsVisible:          true,
		ScrollDepth:        math.Float64frombits(t.scrollDepth.Load()),
	}
	sink := t.sink
	t.mu.Unlock()

	t.log.Debug("viewable impression confirmed",
		"ad", adID,
		"viewport_pct", ev.ViewportPercentage,
		"duration_ms", ev.ViewDuration)

	if sink != nil {
		sink(ev)
	}
}
