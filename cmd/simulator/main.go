package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"fleet-simulator/internal/config"
	"fleet-simulator/internal/logging"
	"fleet-simulator/internal/metrics"
	"fleet-simulator/internal/publisher"
	"fleet-simulator/internal/route"
	"fleet-simulator/internal/sim"
	"fleet-simulator/internal/stream"
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

	logg := logging.NewFromEnv()

	catalog := loadCatalog(ctx, cfg)
	logg.Info("catalog loaded", logging.Int("routes", len(catalog.Routes())))

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TickInterval, cfg.CompletedGrace, cfg.DefaultSpeedKmh)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	engine := sim.New(catalog,
		sim.WithTickInterval(cfg.TickInterval),
		sim.WithRemoveAfter(cfg.CompletedGrace),
		sim.WithDefaultSpeed(cfg.DefaultSpeedKmh),
		sim.WithLogger(logg),
		sim.WithMetrics(mcol),
	)

	// WebSocket fan-out
	hub := stream.NewHub(engine.Active, logg)
	engine.OnUpdate(hub.BroadcastUpdate)
	engine.OnEvent(hub.BroadcastEvent)

	// Optional NATS bridge
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		engine.OnUpdate(func(states []sim.VehicleState) {
			for _, st := range states {
				if err := pub.PublishState(st); err != nil {
					logg.Warn("nats state publish failed",
						logging.String("vehicle", st.VehicleID), logging.Err(err))
				}
			}
		})
		engine.OnEvent(func(ev sim.Event) {
			if err := pub.PublishEvent(ev); err != nil {
				logg.Warn("nats event publish failed",
					logging.String("vehicle", ev.VehicleID), logging.Err(err))
			}
		})
	}

	// HTTP surface: WebSocket stream and health
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"routes":   len(catalog.Routes()),
			"vehicles": len(engine.Active()),
			"viewers":  hub.Count(),
		})
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logg.Info("http listening", logging.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	if cfg.AutoStart {
		for _, r := range catalog.Routes() {
			vehicleID := "veh-" + r.ID
			if err := engine.Start(vehicleID, r.ID); err != nil {
				logg.Warn("auto-start failed",
					logging.String("vehicle", vehicleID),
					logging.String("route", r.ID),
					logging.Err(err))
			}
		}
	}

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	engine.Close()
	hub.Close()
	if pub != nil {
		pub.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

func loadCatalog(ctx context.Context, cfg *config.Config) *route.StaticCatalog {
	if cfg.DatabaseURL != "" {
		db, err := route.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := route.Ping(ctx, db); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		catalog, err := route.LoadPostgres(ctx, db)
		if err != nil {
			log.Fatalf("load routes from postgres: %v", err)
		}
		return catalog
	}
	catalog, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("load routes from %s: %v", cfg.RoutesFile, err)
	}
	return catalog
}

// publisherMetrics adapts the Collector to the publisher's metrics interface
// without handing it a typed nil.
func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
