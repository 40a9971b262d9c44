package events

import "time"

// Type identifies an application-level event.
type Type string

const (
	TypeDecision    Type = "decision"
	TypeNoFill      Type = "no_fill"
	TypeImpression  Type = "impression"
	TypeViewable    Type = "viewable"
	TypeClick       Type = "click"
	TypeConsentSave Type = "consent_save"
)

// ViewableImpression is emitted when an ad unit has been at least 50% visible
// for the full dwell window. The wire keys match what the web client and the
// analytics pipeline already exchange.
type ViewableImpression struct {
	AdID               string  `json:"adId"`
	ViewportPercentage float64 `json:"viewportPercentage"` // 0-100
	ViewDuration       int64   `json:"viewDuration"`       // milliseconds
	IsVisible          bool    `json:"isVisible"`          // always true when emitted
	ScrollDepth        float64 `json:"scrollDepth"`        // 0-100
}

// Event is the envelope consumed by the analytics tracker.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SubjectID string         `json:"subjectId,omitempty"`
	AdID      string         `json:"adId,omitempty"`
	Placement string         `json:"placement,omitempty"`
	Viewable  *ViewableImpression `json:"viewable,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
