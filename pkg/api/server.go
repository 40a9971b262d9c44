// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/naatiprep/adserve/pkg/ads"
	"github.com/naatiprep/adserve/pkg/analytics"
	"github.com/naatiprep/adserve/pkg/compliance"
	"github.com/naatiprep/adserve/pkg/events"
	"github.com/naatiprep/adserve/pkg/log"
	"github.com/naatiprep/adserve/pkg/storage"
	"github.com/naatiprep/adserve/pkg/viewability"
)

const (
	headerSubject  = "X-Subject-ID"
	headerTimezone = "X-Timezone"
)

// Server is the client-facing HTTP surface: consent, ad decisions, and
// delivery tracking.
type Server struct {
	db        storage.Store
	inventory *ads.Store
	engine    *ads.Engine
	analytics *analytics.Tracker
	tracker   *viewability.Tracker
	hub       *hub
	log       log.Logger

	mu    sync.Mutex
	slots map[string]slotInfo // ad id -> serving context
}

type slotInfo struct {
	subjectID string
	placement string
}

// NewServer wires the API over the given stores and trackers. The
// viewability tracker is owned here so confirmed impressions can be joined
// back to their serving context.
func NewServer(db storage.Store, inventory *ads.Store, engine *ads.Engine, tr *analytics.Tracker, vcfg viewability.Config, logger log.Logger) *Server {
	s := &Server{
		db:        db,
		inventory: inventory,
		engine:    engine,
		analytics: tr,
		hub:       newHub(logger),
		log:       logger,
		slots:     make(map[string]slotInfo),
	}
	s.tracker = viewability.NewTracker(vcfg, s.onViewable, logger)

	go s.hub.run(tr.EventStream)

	return s
}

// Tracker exposes the server's viewability tracker.
func (s *Server) Tracker() *viewability.Tracker {
	return s.tracker
}

// Close tears down the tracker and the websocket hub.
func (s *Server) Close() {
	s.tracker.Disconnect()
	s.hub.close()
}

// Router builds the gin route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/consent", s.handleGetConsent)
		v1.PUT("/consent", s.handlePutConsent)
		v1.DELETE("/consent", s.handleDeleteConsent)
		v1.GET("/consent/status", s.handleConsentStatus)

		v1.GET("/ads/decision", s.handleDecision)
		v1.GET("/ads/:id/click", s.handleClick)

		v1.POST("/track/observe", s.handleObserve)
		v1.POST("/track/unobserve", s.handleUnobserve)
		v1.POST("/track/visibility", s.handleVisibility)
		v1.POST("/track/scroll", s.handleScroll)
		v1.POST("/track/impression", s.handleImpression)

		v1.GET("/events/ws", s.hub.handleWS)

		admin := v1.Group("/admin")
		{
			admin.GET("/ads", s.handleListUnits)
			admin.POST("/ads", s.handlePutUnit)
			admin.GET("/ads/:id", s.handleGetUnit)
			admin.DELETE("/ads/:id", s.handleDeleteUnit)
			admin.GET("/report", s.handleReport)
		}
	}

	return r
}

// manager builds the subject's compliance manager for this request. The web
// client sends its resolved IANA timezone; absent that, the server's local
// zone stands in.
func (s *Server) manager(c *gin.Context) (*compliance.Manager, string, bool) {
	subject := c.GetHeader(headerSubject)
	if subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + headerSubject + " header"})
		return nil, "", false
	}

	var opts []compliance.Option
	if tz := c.GetHeader(headerTimezone); tz != "" {
		opts = append(opts, compliance.WithTimezone(tz))
	}

	return compliance.NewManager(s.db, subject, s.log, opts...), subject, true
}

func (s *Server) handleGetConsent(c *gin.Context) {
	mgr, _, ok := s.manager(c)
	if !ok {
		return
	}

	rec := mgr.LoadConsent()
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no consent on file"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePutConsent(c *gin.Context) {
	mgr, _, ok := s.manager(c)
	if !ok {
		return
	}

	var choice compliance.Choice
	if err := c.ShouldBindJSON(&choice); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consent payload: " + err.Error()})
		return
	}

	rec := mgr.SaveConsent(choice)
	s.analytics.TrackConsentSave(rec.MarketingGranted)

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteConsent(c *gin.Context) {
	mgr, _, ok := s.manager(c)
	if !ok {
		return
	}

	mgr.ClearConsent()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleConsentStatus(c *gin.Context) {
	mgr, _, ok := s.manager(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applicability":    mgr.Applicability(),
		"consentRequired":  mgr.IsConsentRequired(),
		"marketingGranted": mgr.HasMarketingConsent(),
		"analyticsGranted": mgr.HasAnalyticsConsent(),
		"onFile":           mgr.LoadConsent() != nil,
	})
}

func (s *Server) handleDecision(c *gin.Context) {
	mgr, subject, ok := s.manager(c)
	if !ok {
		return
	}

	placement := c.Query("placement")
	if placement == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing placement parameter"})
		return
	}

	unit, err := s.engine.Decide(c.Request.Context(),
		ads.Request{SubjectID: subject, Placement: placement},
		mgr.LoadConsent(), mgr.Applicability())
	if errors.Is(err, ads.ErrNoFill) {
		s.analytics.TrackNoFill(placement)
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.registerSlot(unit.ID, subject, placement)
	s.analytics.TrackDecision(subject, placement, unit.ID, unit.CPM)

	c.JSON(http.StatusOK, unit)
}

func (s *Server) handleClick(c *gin.Context) {
	subject := c.GetHeader(headerSubject)
	id := c.Param("id")

	unit, err := s.inventory.Get(id)
	if errors.Is(err, ads.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ad unit"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.analytics.TrackClick(subject, unit.Placement, unit.ID)

	if unit.ClickThroughURL == "" {
		c.Status(http.StatusNoContent)
		return
	}
	c.Redirect(http.StatusFound, unit.ClickThroughURL)
}

type observeRequest struct {
	ElementID string `json:"elementId" binding:"required"`
	AdID      string `json:"adId" binding:"required"`
	Placement string `json:"placement"`
}

func (s *Server) handleObserve(c *gin.Context) {
	subject := c.GetHeader(headerSubject)

	var req observeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.registerSlot(req.AdID, subject, req.Placement)
	s.tracker.Observe(req.ElementID, req.AdID)
	c.Status(http.StatusAccepted)
}

type unobserveRequest struct {
	ElementID string `json:"elementId" binding:"required"`
}

func (s *Server) handleUnobserve(c *gin.Context) {
	var req unobserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.tracker.Unobserve(req.ElementID)
	c.Status(http.StatusAccepted)
}

type visibilityRequest struct {
	AdID            string   `json:"adId" binding:"required"`
	VisibleFraction *float64 `json:"visibleFraction" binding:"required"`
}

func (s *Server) handleVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.tracker.OnVisibilityUpdate(req.AdID, *req.VisibleFraction)
	c.Status(http.StatusAccepted)
}

type scrollRequest struct {
	Depth *float64 `json:"depth" binding:"required"`
}

func (s *Server) handleScroll(c *gin.Context) {
	var req scrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.tracker.UpdateScrollDepth(*req.Depth)
	c.Status(http.StatusAccepted)
}

type impressionRequest struct {
	AdID      string `json:"adId" binding:"required"`
	Placement string `json:"placement"`
}

func (s *Server) handleImpression(c *gin.Context) {
	subject := c.GetHeader(headerSubject)

	var req impressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.analytics.TrackImpression(subject, req.Placement, req.AdID)
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListUnits(c *gin.Context) {
	units, err := s.inventory.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, units)
}

func (s *Server) handlePutUnit(c *gin.Context) {
	var unit ads.Unit
	if err := c.ShouldBindJSON(&unit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.inventory.Put(&unit); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) handleGetUnit(c *gin.Context) {
	unit, err := s.inventory.Get(c.Param("id"))
	if errors.Is(err, ads.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ad unit"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) handleDeleteUnit(c *gin.Context) {
	if err := s.inventory.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.analytics.RealTimeMetrics())
}

// registerSlot remembers the serving context for an ad id so a later
// viewable confirmation can be attributed.
func (s *Server) registerSlot(adID, subjectID, placement string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[adID] = slotInfo{subjectID: subjectID, placement: placement}
}

// onViewable is the tracker sink: join the confirmed impression back to its
// serving context and hand it to analytics.
func (s *Server) onViewable(v events.ViewableImpression) {
	s.mu.Lock()
	info := s.slots[v.AdID]
	s.mu.Unlock()

	s.analytics.TrackViewable(info.subjectID, info.placement, v)
}
