package ads

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/naatiprep/adserve/pkg/compliance"
	"github.com/naatiprep/adserve/pkg/log"
)

func TestBuildBidRequestRegsSignals(t *testing.T) {
	req := Request{SubjectID: "s1", Placement: "dashboard_banner"}
	floor := decimal.NewFromFloat(0.75)

	gdpr := BuildBidRequest(req, compliance.DetectApplicability("Europe/Berlin"), nil, floor)
	require.NotNil(t, gdpr.Regs.GDPR)
	require.Equal(t, int8(1), *gdpr.Regs.GDPR)
	require.Empty(t, gdpr.Regs.USPrivacy)
	// No marketing consent: the subject id must not leak to the exchange.
	require.Nil(t, gdpr.User)

	ccpa := BuildBidRequest(req, compliance.DetectApplicability("America/Los_Angeles"), nil, floor)
	require.Nil(t, ccpa.Regs.GDPR)
	require.Equal(t, "1---", ccpa.Regs.USPrivacy)

	open := BuildBidRequest(req, compliance.DetectApplicability("Australia/Sydney"), nil, floor)
	require.Nil(t, open.Regs.GDPR)
	require.NotNil(t, open.User)
	require.Equal(t, "s1", open.User.ID)
}

func TestBuildBidRequestImp(t *testing.T) {
	req := Request{SubjectID: "s1", Placement: "results_footer"}
	bidReq := BuildBidRequest(req, compliance.DetectApplicability(""), nil, decimal.NewFromFloat(0.5))

	require.Len(t, bidReq.Imp, 1)
	require.Equal(t, "results_footer", bidReq.Imp[0].TagID)
	require.InDelta(t, 0.5, bidReq.Imp[0].BidFloor, 0.0001)
	require.Equal(t, "USD", bidReq.Imp[0].BidFloorCur)
	require.NotNil(t, bidReq.Imp[0].Banner)
}

func TestBuildBidRequestUserWithConsent(t *testing.T) {
	req := Request{SubjectID: "s1", Placement: "p"}
	rec := &compliance.ConsentRecord{MarketingGranted: true, FunctionalGranted: true}

	bidReq := BuildBidRequest(req, compliance.DetectApplicability("Europe/Berlin"), rec, decimal.Zero)
	require.NotNil(t, bidReq.User)
	require.Equal(t, "s1", bidReq.User.ID)
}

func TestHTTPExchangeBid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var bidReq openrtb2.BidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bidReq))
		require.Len(t, bidReq.Imp, 1)

		resp := openrtb2.BidResponse{
			ID: bidReq.ID,
			SeatBid: []openrtb2.SeatBid{{
				Seat: "demo-dsp",
				Bid: []openrtb2.Bid{{
					ID:    "bid-1",
					ImpID: "1",
					Price: 1.20,
					IURL:  "https://cdn.demo-dsp.example/creative.png",
					NURL:  "https://demo-dsp.example/click",
				}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	x := NewHTTPExchange(srv.URL, log.NoOp())
	bidReq := BuildBidRequest(Request{SubjectID: "s1", Placement: "p"},
		compliance.DetectApplicability(""), nil, decimal.NewFromFloat(0.5))

	unit, err := x.Bid(context.Background(), bidReq)
	require.NoError(t, err)
	require.Equal(t, "rtb-bid-1", unit.ID)
	require.Equal(t, "demo-dsp", unit.Name)
	require.Equal(t, "p", unit.Placement)
	require.True(t, decimal.NewFromFloat(1.20).Equal(unit.CPM))
}

func TestHTTPExchangeNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	x := NewHTTPExchange(srv.URL, log.NoOp())
	bidReq := BuildBidRequest(Request{Placement: "p"}, compliance.DetectApplicability(""), nil, decimal.Zero)

	_, err := x.Bid(context.Background(), bidReq)
	require.ErrorIs(t, err, ErrNoFill)
}

func TestHTTPExchangeZeroPriceBidsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := openrtb2.BidResponse{
			SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{{ID: "free", Price: 0}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	x := NewHTTPExchange(srv.URL, log.NoOp())
	bidReq := BuildBidRequest(Request{Placement: "p"}, compliance.DetectApplicability(""), nil, decimal.Zero)

	_, err := x.Bid(context.Background(), bidReq)
	require.ErrorIs(t, err, ErrNoFill)
}
