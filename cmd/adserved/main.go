// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/naatiprep/adserve/pkg/ads"
	"github.com/naatiprep/adserve/pkg/analytics"
	"github.com/naatiprep/adserve/pkg/api"
	"github.com/naatiprep/adserve/pkg/log"
	"github.com/naatiprep/adserve/pkg/metric"
	"github.com/naatiprep/adserve/pkg/storage"
	"github.com/naatiprep/adserve/pkg/viewability"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		port      = flag.Int("port", 8080, "API server port")
		opsPort   = flag.Int("ops-port", 9090, "Ops server port (metrics, health)")
		dbPath    = flag.String("db-path", "", "Badger database path (empty = in-memory)")
		logLevel  = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
		exchange  = flag.String("exchange-endpoint", "", "OpenRTB demand endpoint for remnant fill (empty = house only)")
		floorCPM  = flag.Float64("floor-cpm", 0.50, "Floor price CPM for exchange fallback")
		dwell     = flag.Duration("dwell", viewability.DefaultDwellTime, "Viewability dwell time")
		threshold = flag.Float64("viewability-threshold", viewability.DefaultThreshold, "Minimum visible fraction")
		oncePerAd = flag.Bool("viewable-once", false, "Fire at most one viewable event per ad id")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("adserved v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	logger := log.NewWithLevel(*logLevel)
	defer logger.Sync()

	logger.Info("starting adserved", "version", Version, "port", *port, "ops_port", *opsPort)

	var db storage.Store
	if *dbPath == "" {
		logger.Warn("no db-path given, consent and inventory are in-memory only")
		db = storage.NewMemStore()
	} else {
		badgerStore, err := storage.NewBadgerStore(*dbPath)
		if err != nil {
			logger.Fatal("failed to open database", "path", *dbPath, "error", err)
		}
		db = badgerStore
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := metric.NewMetrics(registry)

	tracker := analytics.NewTracker(metrics)
	inventory := ads.NewStore(db)
	freq := ads.NewFrequencyCapper(logger)

	var engineOpts []ads.EngineOption
	if *exchange != "" {
		logger.Info("exchange fallback enabled", "endpoint", *exchange, "floor_cpm", *floorCPM)
		engineOpts = append(engineOpts,
			ads.WithExchange(ads.NewHTTPExchange(*exchange, logger), decimal.NewFromFloat(*floorCPM)))
	}
	engine := ads.NewEngine(inventory, freq, logger, engineOpts...)

	server := api.NewServer(db, inventory, engine, tracker, viewability.Config{
		Threshold: *threshold,
		DwellTime: *dwell,
		OncePerAd: *oncePerAd,
	}, logger)
	defer server.Close()

	apiSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	opsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *opsPort),
		Handler: opsRouter(registry, tracker),
	}

	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", "error", err)
		}
	}()
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Error("api server shutdown error", "error", err)
	}
	if err := opsSrv.Shutdown(ctx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}
}

// opsRouter serves the operational endpoints on a separate port.
func opsRouter(registry *prometheus.Registry, tracker *analytics.Tracker) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"healthy"}`)
	}).Methods("GET")

	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"version":%q,"commit":%q,"built":%q}`, Version, GitCommit, BuildTime)
	}).Methods("GET")

	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		stats := tracker.RealTimeMetrics()
		fmt.Fprintf(w, `{"total_decisions":%d,"total_no_fills":%d,"total_impressions":%d,"total_viewables":%d,"total_clicks":%d,"viewability_rate":%.4f}`,
			stats["total_decisions"], stats["total_no_fills"], stats["total_impressions"],
			stats["total_viewables"], stats["total_clicks"], stats["viewability_rate"])
	}).Methods("GET")

	return r
}
