// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package ads

import (
	"context"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/naatiprep/adserve/pkg/compliance"
	"github.com/naatiprep/adserve/pkg/log"
)

// Request describes one ad slot to fill.
type Request struct {
	SubjectID string
	Placement string
}

// Engine selects the ad to serve for a slot: filter inventory by placement,
// activity, consent eligibility, and frequency cap, then pick by weight.
// When house inventory has no fill and the subject permits personalized
// demand, the slot falls through to the exchange.
type Engine struct {
	store    *Store
	freq     *FrequencyCapper
	exchange ExchangeClient
	floor    decimal.Decimal
	log      log.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExchange enables the remnant-demand fallback at the given floor CPM.
func WithExchange(client ExchangeClient, floor decimal.Decimal) EngineOption {
	return func(e *Engine) {
		e.exchange = client
		e.floor = floor
	}
}

// NewEngine creates a decision engine over the given inventory.
func NewEngine(store *Store, freq *FrequencyCapper, logger log.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		freq:  freq,
		log:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the unit to render for the request, or ErrNoFill. The
// consent record and applicability come from the subject's compliance
// manager; eligibility is evaluated before anything else touches the unit.
func (e *Engine) Decide(ctx context.Context, req Request, rec *compliance.ConsentRecord, app compliance.Applicability) (*Unit, error) {
	units, err := e.store.ListPlacement(req.Placement)
	if err != nil {
		e.log.Warn("inventory read failed", "placement", req.Placement, "error", err)
		return nil, ErrNoFill
	}

	candidates := make([]*Unit, 0, len(units))
	for _, u := range units {
		if u.Active && compliance.Eligible(u, rec, app) {
			candidates = append(candidates, u)
		}
	}

	// Weighted pick, retrying without frequency-capped units.
	for len(candidates) > 0 {
		i := weightedIndex(candidates)
		u := candidates[i]
		if e.freq.Allow(req.SubjectID, u.ID, u.FrequencyCap) {
			e.log.Debug("decision made",
				"placement", req.Placement,
				"unit", u.ID,
				"candidates", len(candidates))
			return u, nil
		}
		candidates = append(candidates[:i], candidates[i+1:]...)
	}

	if e.exchange != nil && marketingAllowed(rec, app) {
		unit, err := e.exchange.Bid(ctx, BuildBidRequest(req, app, rec, e.floor))
		if err == nil && unit != nil {
			e.log.Debug("exchange fill", "placement", req.Placement, "unit", unit.ID)
			return unit, nil
		}
		if err != nil && err != ErrNoFill {
			e.log.Warn("exchange bid failed", "error", err)
		}
	}

	return nil, ErrNoFill
}

func weightedIndex(units []*Unit) int {
	total := 0
	for _, u := range units {
		total += u.Weight
	}
	n := rand.IntN(total)
	for i, u := range units {
		n -= u.Weight
		if n < 0 {
			return i
		}
	}
	return len(units) - 1
}

func marketingAllowed(rec *compliance.ConsentRecord, app compliance.Applicability) bool {
	if !app.GDPRApplies && !app.CCPAApplies {
		return true
	}
	return rec != nil && rec.MarketingGranted
}
