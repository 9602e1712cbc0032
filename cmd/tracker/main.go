package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/api"
	"bus-tracker/internal/catalog"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/quote"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/transit"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat := loadCatalog(ctx, cfg)
	log.Printf("catalog: %d routes, operators %v", cat.Len(), cat.Operators())

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SpeedMultiplier, cfg.StaleAfter)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	store := fleet.NewStore(cfg.StaleAfter)
	if mcol != nil {
		store.OnUpsert(func(v transit.VehiclePosition) {
			mcol.PositionUpserts.WithLabelValues(string(v.Source)).Inc()
		})
	}

	// Optional NATS fan-out of every position
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		store.OnUpsert(func(v transit.VehiclePosition) {
			if err := pub.PublishPosition(v); err != nil {
				log.Printf("publish %s: %v", v.VehicleID, err)
			}
		})
	}

	// Optional Redis mirror of the latest positions
	if cfg.RedisAddr != "" {
		mirror, err := publisher.NewRedisMirror(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.StaleAfter, wrapMirrorMetrics(mcol))
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer mirror.Close()
		go mirror.Run(ctx)
		store.OnUpsert(mirror.Enqueue)
	}

	router := newRouter(cfg, mcol)

	mgr := sim.NewManager(cat, store, router, sim.Timing{
		StartDelay:      cfg.StartDelay,
		Step:            cfg.StepInterval,
		DwellMin:        cfg.DwellMin,
		DwellMax:        cfg.DwellMax,
		Turnaround:      cfg.Turnaround,
		SpeedMultiplier: cfg.SpeedMultiplier,
		DefaultSpeedKmh: cfg.DefaultSpeedKmh,
	}, mcol)
	mgr.Start(ctx)
	for _, v := range cfg.Simulate {
		if _, err := mgr.Launch(sim.Spec{Operator: v.Operator, RouteNumber: v.RouteNumber, SpeedKmh: v.SpeedKmh}); err != nil {
			log.Printf("bootstrap vehicle %s/%d: %v", v.Operator, v.RouteNumber, err)
		}
	}

	go pruneLoop(ctx, store, cfg.PruneInterval, mcol)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.New(api.Deps{
			Catalog:     cat,
			Fleet:       store,
			Simulations: mgr,
			Quotes:      quote.New(cat, router),
			ETA:         eta.New(cat, store),
			Router:      router,
			Metrics:     mcol,
			CORSOrigins: cfg.CORSOrigins,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdown(srv)
	mgr.Stop()
	log.Println("shutdown complete")
}

// loadCatalog reads routes from the database when one is configured, then
// from ROUTES_FILE, and falls back to the embedded network.
func loadCatalog(ctx context.Context, cfg *config.Config) *catalog.Catalog {
	switch {
	case cfg.DatabaseURL != "":
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error (%s): %v", db.Redact(cfg.DatabaseURL), err)
		}
		return catalogFromDB(ctx, sqlDB)
	case cfg.RoutesFile != "":
		c, err := catalog.LoadFile(cfg.RoutesFile)
		if err != nil {
			log.Fatalf("routes file error: %v", err)
		}
		return c
	}
	return catalog.Default()
}

func catalogFromDB(ctx context.Context, sqlDB *sql.DB) *catalog.Catalog {
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		log.Fatalf("db schema error: %v", err)
	}
	c, err := db.LoadCatalog(ctx, sqlDB)
	if err != nil {
		log.Fatalf("load catalog error: %v", err)
	}
	return c
}

// newRouter returns the OSRM client, or a provider that never routes when
// routing is disabled.
func newRouter(cfg *config.Config, mcol *metrics.Collector) routing.Provider {
	if !cfg.RoutingEnabled {
		log.Printf("routing disabled, estimates use catalog routes only")
		return routing.Unavailable{}
	}
	var m routing.Metrics
	if mcol != nil {
		m = mcol
	}
	return routing.NewOSRM(cfg.RoutingURL, cfg.RoutingTimeout, m)
}

func pruneLoop(ctx context.Context, store *fleet.Store, every time.Duration, mcol *metrics.Collector) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.Prune(now); n > 0 {
				log.Printf("pruned %d stale vehicles", n)
			}
			if mcol != nil {
				mcol.ActiveVehicles.Set(float64(len(store.SnapshotActive(now))))
			}
		}
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

func wrapMirrorMetrics(c *metrics.Collector) publisher.MirrorMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func (p *pubMetrics) RedisWriteInc() { p.c.RedisWrites.Inc() }
func (p *pubMetrics) RedisErrInc()   { p.c.RedisErrs.Inc() }
func (p *pubMetrics) RedisDropInc()  { p.c.RedisDrops.Inc() }
