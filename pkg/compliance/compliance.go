// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package compliance

import (
	"encoding/json"
	"time"

	"github.com/naatiprep/adserve/pkg/log"
	"github.com/naatiprep/adserve/pkg/storage"
)

// SchemaVersion is stamped on every persisted consent record.
const SchemaVersion = "1.0"

const consentKeyPrefix = "consent/"

// ConsentRecord is the persisted consent choice for a subject. Replaced
// wholesale on every save: there are no merge semantics.
type ConsentRecord struct {
	AnalyticsGranted  bool      `json:"analytics"`
	MarketingGranted  bool      `json:"marketing"`
	FunctionalGranted bool      `json:"functional"` // invariant: always true
	RecordedAt        time.Time `json:"timestamp"`
	SchemaVersion     string    `json:"version"`
}

// Choice is a consent decision as submitted by the subject.
type Choice struct {
	Analytics  bool `json:"analytics"`
	Marketing  bool `json:"marketing"`
	Functional bool `json:"functional"`
}

// AdUnit is the minimal view of an ad needed for an eligibility decision.
// Ads with any targeting rules are personalized content subject to marketing
// consent; ads without rules are the non-personalized fallback.
type AdUnit interface {
	TargetingRules() map[string]string
}

// Manager is the single source of truth for a subject's consent state and the
// regulations that apply to them. It is an explicitly constructed component:
// build one per subject at the composition root, no global instance.
type Manager struct {
	store storage.Store
	key   []byte
	app   Applicability
	log   log.Logger
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	timezone string
}

// WithTimezone overrides the detected runtime timezone. The web client sends
// its resolved zone; servers fall back to their local zone.
func WithTimezone(tz string) Option {
	return func(c *managerConfig) { c.timezone = tz }
}

// NewManager creates a consent manager for one subject. Regulation
// applicability is computed here, once, and never re-evaluated.
func NewManager(store storage.Store, subjectID string, logger log.Logger, opts ...Option) *Manager {
	cfg := managerConfig{timezone: localTimezone()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		store: store,
		key:   []byte(consentKeyPrefix + subjectID),
		app:   DetectApplicability(cfg.timezone),
		log:   logger,
	}
}

// Applicability returns the regulations detected at construction.
func (m *Manager) Applicability() Applicability {
	return m.app
}

// LoadConsent returns the persisted consent record, or nil when no valid
// record is on file. Storage and decode failures are swallowed: an unreadable
// record is indistinguishable from no record, and the caller re-prompts.
func (m *Manager) LoadConsent() *ConsentRecord {
	raw, err := m.store.Get(m.key)
	if err != nil {
		if err != storage.ErrNotFound {
			m.log.Warn("consent read failed, treating as absent", "error", err)
		}
		return nil
	}

	var rec ConsentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.log.Warn("consent record corrupt, treating as absent", "error", err)
		return nil
	}

	// A record missing its stamp fields, or claiming functional consent was
	// withheld, was not written by us. Reject it and force a re-prompt.
	if rec.SchemaVersion == "" || rec.RecordedAt.IsZero() || !rec.FunctionalGranted {
		m.log.Warn("consent record invalid, treating as absent",
			"version", rec.SchemaVersion,
			"functional", rec.FunctionalGranted)
		return nil
	}

	return &rec
}

// SaveConsent stamps, persists, and returns the new authoritative record,
// fully replacing any prior one. Functional consent is mandatory and coerced
// to true regardless of the submitted choice. A persist failure is logged and
// the in-memory record is still returned; the session proceeds with it.
func (m *Manager) SaveConsent(choice Choice) *ConsentRecord {
	rec := &ConsentRecord{
		AnalyticsGranted:  choice.Analytics,
		MarketingGranted:  choice.Marketing,
		FunctionalGranted: true,
		RecordedAt:        time.Now().UTC(),
		SchemaVersion:     SchemaVersion,
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		m.log.Error("consent record marshal failed", "error", err)
		return rec
	}

	if err := m.store.Put(m.key, raw); err != nil {
		m.log.Warn("consent persist failed", "error", err)
	}

	m.log.Debug("consent saved",
		"analytics", rec.AnalyticsGranted,
		"marketing", rec.MarketingGranted)

	return rec
}

// ClearConsent removes the persisted record. Exposed for the explicit
// "forget my choices" action.
func (m *Manager) ClearConsent() {
	if err := m.store.Delete(m.key); err != nil {
		m.log.Warn("consent delete failed", "error", err)
	}
}

// IsConsentRequired reports whether any detected regulation requires an
// explicit consent prompt.
func (m *Manager) IsConsentRequired() bool {
	return m.app.GDPRApplies || m.app.CCPAApplies
}

// HasMarketingConsent reports whether personalized ads may be shown. When no
// regulation applies, consent is implied. Absence of a record counts as not
// granted.
func (m *Manager) HasMarketingConsent() bool {
	if !m.IsConsentRequired() {
		return true
	}
	rec := m.LoadConsent()
	return rec != nil && rec.MarketingGranted
}

// HasAnalyticsConsent is the analytics counterpart of HasMarketingConsent.
func (m *Manager) HasAnalyticsConsent() bool {
	if !m.IsConsentRequired() {
		return true
	}
	rec := m.LoadConsent()
	return rec != nil && rec.AnalyticsGranted
}

// CanShowAd reports whether the given ad unit may be rendered for this
// subject right now.
func (m *Manager) CanShowAd(ad AdUnit) bool {
	return Eligible(ad, m.LoadConsent(), m.app)
}

// Eligible is the eligibility rule as a pure function: consent not required
// means everything is eligible; otherwise personalized (targeted) ads need
// granted marketing consent while untargeted house ads always pass.
func Eligible(ad AdUnit, rec *ConsentRecord, app Applicability) bool {
	if !app.GDPRApplies && !app.CCPAApplies {
		return true
	}
	if rec != nil && rec.MarketingGranted {
		return true
	}
	return len(ad.TargetingRules()) == 0
}

// localTimezone resolves the runtime's IANA timezone name, best effort.
func localTimezone() string {
	name := time.Local.String()
	if name == "Local" {
		return ""
	}
	return name
}
