package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrade_core/internal/alerts"
	"autotrade_core/internal/allocator"
	"autotrade_core/internal/broker"
	"autotrade_core/internal/config"
	"autotrade_core/internal/costs"
	"autotrade_core/internal/httpapi"
	"autotrade_core/internal/logger"
	"autotrade_core/internal/models"
	"autotrade_core/internal/performance"
	"autotrade_core/internal/pipeline"
	"autotrade_core/internal/preentry"
	"autotrade_core/internal/risk"
	"autotrade_core/internal/sizer"
	"autotrade_core/internal/storage"
	"autotrade_core/internal/telemetry"
)

// istLoc pins the daily boundary to the exchange's session calendar.
var istLoc = time.FixedZone("IST", 5*3600+1800)

func main() {
	cfgPath := os.Getenv("ENGINE_CONFIG")
	if cfgPath == "" {
		cfgPath = "thresholds.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("CRITICAL: configuration invalid: %v", err)
	}

	logger.Setup(cfg.LogFile, 10, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alerting first: the risk engine needs its listener at construction.
	hub := alerts.NewHub()
	go hub.Run(ctx)
	dispatcher := alerts.NewDispatcher(alerts.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID), hub)
	metrics := telemetry.New()

	engine := risk.NewEngine(cfg.Risk, dispatcher)
	alloc := allocator.New(cfg.Allocator, cfg.StartingCapital)
	tracker := performance.NewTracker(cfg.Bands)

	store := storage.NewStore(cfg.SnapshotPath)
	snap, err := store.Load()
	if err != nil {
		log.Fatalf("CRITICAL: cannot load state snapshot: %v", err)
	}
	engine.Seed(snap.Risk)
	alloc.Seed(snap.Allocation)
	tracker.Seed(snap.History)

	saver := &snapshotSaver{store: store, engine: engine, alloc: alloc, tracker: tracker}
	p := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Gate:      preentry.NewGate(cfg.Gate),
		Costs:     costs.NewCalculator(cfg.Fees, cfg.MinMoveMultiplier, cfg.MaxCostRatio),
		Risk:      engine,
		Sizer:     sizer.New(cfg.Sizer),
		Allocator: alloc,
		Tracker:   tracker,
		Sink:      fanOutSink{dispatcher, metrics},
		Persister: saver,
	}, cfg.StartingCapital)
	p.SeedLayerEquity(snap.LayerEquity)
	saver.pipe = p

	var provider broker.Provider
	if cfg.BrokerEnabled {
		provider = broker.NewAlpacaProvider()
		if equity, err := provider.GetEquity(); err == nil {
			p.UpdateEquity(equity)
		} else {
			log.Printf("broker equity unavailable at startup: %v", err)
		}
	} else {
		log.Println("broker credentials missing, running on configured capital")
	}

	// A fresh snapshot has no rebalance timestamp; run one immediately
	// so the periodic schedule has an anchor.
	if snap.Allocation.LastRebalance.IsZero() {
		if _, err := p.RebalanceNow(time.Now()); err != nil {
			log.Fatalf("CRITICAL: initial rebalance failed: %v", err)
		}
	}

	go runLoops(ctx, cfg, p, engine, alloc, metrics, provider)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(p, metrics.Handler(), hub.Handler()).Router(),
	}
	go func() {
		log.Printf("admission engine listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("CRITICAL: http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	saver.Persist()
	log.Println("state persisted, goodbye")
}

// runLoops drives the timer-based activities: the daily boundary, the
// periodic rebalance, the reconciliation sweep and the broker equity
// refresh. All of them go through the pipeline so they serialize with
// admissions.
func runLoops(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline,
	engine *risk.Engine, alloc *allocator.Allocator, metrics *telemetry.Metrics,
	provider broker.Provider) {

	lastDay := time.Now().In(istLoc).Format("2006-01-02")

	dayTick := time.NewTicker(time.Minute)
	defer dayTick.Stop()
	rebalanceTick := time.NewTicker(time.Hour)
	defer rebalanceTick.Stop()
	reconcileTick := time.NewTicker(cfg.ReconcileEvery)
	defer reconcileTick.Stop()
	equityTick := time.NewTicker(cfg.EquityRefreshEvery)
	defer equityTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-dayTick.C:
			day := time.Now().In(istLoc).Format("2006-01-02")
			if day != lastDay {
				log.Printf("daily boundary: %s", day)
				p.DailyReset(day)
				lastDay = day
			}

		case <-rebalanceTick.C:
			if alloc.Due(time.Now()) {
				if _, err := p.RebalanceNow(time.Now()); err != nil {
					log.Printf("rebalance failed, admission halted: %v", err)
				}
			}

		case <-reconcileTick.C:
			p.ReconcileSweep()
			metrics.RefreshRiskGauges(engine.Snapshot(), alloc.DrawdownPct())

		case <-equityTick.C:
			if provider == nil {
				continue
			}
			// No point marking equity while the session is closed; a
			// clock error falls through to the refresh attempt.
			if clock, err := provider.GetClock(); err == nil && !clock.IsOpen {
				continue
			}
			equity, err := provider.GetEquity()
			if err != nil {
				log.Printf("equity refresh failed: %v", err)
				continue
			}
			p.UpdateEquity(equity)
		}
	}
}

// fanOutSink delivers pipeline events to every configured sink.
type fanOutSink []pipeline.Sink

func (f fanOutSink) OrderApproved(o models.ApprovedOrder) {
	for _, s := range f {
		s.OrderApproved(o)
	}
}

func (f fanOutSink) SignalRejected(ev models.RejectionEvent) {
	for _, s := range f {
		s.SignalRejected(ev)
	}
}

func (f fanOutSink) RebalanceCompleted(r models.RebalanceReport) {
	for _, s := range f {
		s.RebalanceCompleted(r)
	}
}

func (f fanOutSink) ReconciliationTimeout(r risk.Reservation) {
	for _, s := range f {
		s.ReconciliationTimeout(r)
	}
}

// snapshotSaver persists the full engine state after every mutation.
type snapshotSaver struct {
	store   *storage.Store
	engine  *risk.Engine
	alloc   *allocator.Allocator
	tracker *performance.Tracker
	pipe    *pipeline.Pipeline
}

func (s *snapshotSaver) Persist() {
	snap := storage.Snapshot{
		Risk:       s.engine.Snapshot(),
		Allocation: s.alloc.Snapshot(),
		History:    s.tracker.History(),
	}
	if s.pipe != nil {
		snap.LayerEquity = s.pipe.LayerEquity()
	}
	if err := s.store.Save(snap); err != nil {
		log.Printf("ERROR: state persistence failed: %v", err)
	}
}
