// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package ads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/naatiprep/adserve/pkg/compliance"
	"github.com/naatiprep/adserve/pkg/log"
)

// ExchangeClient fills a slot from external demand.
type ExchangeClient interface {
	Bid(ctx context.Context, req *openrtb2.BidRequest) (*Unit, error)
}

// BuildBidRequest maps a slot request to OpenRTB 2.x. Regulation signals are
// always carried; the subject id is only attached when marketing consent is
// granted (the caller has already checked, but the request must still be
// honest about the regs in force).
func BuildBidRequest(req Request, app compliance.Applicability, rec *compliance.ConsentRecord, floor decimal.Decimal) *openrtb2.BidRequest {
	secure := int8(1)
	w, h := int64(320), int64(100)

	regs := &openrtb2.Regs{}
	if app.GDPRApplies {
		gdpr := int8(1)
		regs.GDPR = &gdpr
	}
	if app.CCPAApplies {
		// No IAB US privacy string on file; signal applicability only.
		regs.USPrivacy = "1---"
	}

	bidReq := &openrtb2.BidRequest{
		ID: uuid.New().String(),
		Imp: []openrtb2.Imp{{
			ID:          "1",
			TagID:       req.Placement,
			Secure:      &secure,
			BidFloor:    floor.InexactFloat64(),
			BidFloorCur: "USD",
			Banner: &openrtb2.Banner{
				W: &w,
				H: &h,
			},
		}},
		App: &openrtb2.App{
			Name:   "NAATI Prep",
			Bundle: "com.naatiprep.app",
		},
		Regs: regs,
		TMax: 150,
		Cur:  []string{"USD"},
	}

	if marketingAllowed(rec, app) && req.SubjectID != "" {
		bidReq.User = &openrtb2.User{ID: req.SubjectID}
	}

	return bidReq
}

// HTTPExchange posts bid requests to a configured demand endpoint.
type HTTPExchange struct {
	endpoint string
	client   *http.Client
	log      log.Logger
}

// NewHTTPExchange creates an exchange client for endpoint.
func NewHTTPExchange(endpoint string, logger log.Logger) *HTTPExchange {
	return &HTTPExchange{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 300 * time.Millisecond},
		log:      logger,
	}
}

// Bid runs one request/response cycle against the exchange. A 204, an empty
// seat, or a below-floor response all surface as ErrNoFill.
func (x *HTTPExchange) Bid(ctx context.Context, bidReq *openrtb2.BidRequest) (*Unit, error) {
	body, err := json.Marshal(bidReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-openrtb-version", "2.6")

	resp, err := x.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoFill
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned %d", resp.StatusCode)
	}

	var bidResp openrtb2.BidResponse
	if err := json.NewDecoder(resp.Body).Decode(&bidResp); err != nil {
		return nil, err
	}

	return unitFromResponse(bidReq, &bidResp)
}

// unitFromResponse maps the winning bid onto an inventory unit so the rest
// of the pipeline (tracking, click-through) treats exchange fills uniformly.
func unitFromResponse(bidReq *openrtb2.BidRequest, bidResp *openrtb2.BidResponse) (*Unit, error) {
	for _, seat := range bidResp.SeatBid {
		for _, bid := range seat.Bid {
			if bid.Price <= 0 {
				continue
			}
			return &Unit{
				ID:              "rtb-" + bid.ID,
				Name:            seat.Seat,
				Placement:       bidReq.Imp[0].TagID,
				CreativeURL:     bid.IURL,
				ClickThroughURL: bid.NURL,
				CPM:             decimal.NewFromFloat(bid.Price),
				Weight:          1,
				Active:          true,
			}, nil
		}
	}
	return nil, ErrNoFill
}
