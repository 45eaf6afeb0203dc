package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveVehicles prometheus.Gauge

	VehiclesStarted   prometheus.Counter
	VehiclesStopped   prometheus.Counter
	VehiclesCompleted prometheus.Counter

	EventsEmitted  *prometheus.CounterVec // kind label: started|stopped|delayed|emergency|milestone|completed
	ListenerPanics prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	TickInterval   prometheus.Gauge // seconds
	CompletedGrace prometheus.Gauge // seconds
	DefaultSpeed   prometheus.Gauge // km/h
}

func NewCollector(tickInterval, completedGrace time.Duration, defaultSpeedKmh float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_active_vehicles",
			Help: "Number of vehicle states currently in the registry.",
		}),
		VehiclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_vehicles_started_total",
			Help: "Total vehicles started.",
		}),
		VehiclesStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_vehicles_stopped_total",
			Help: "Total vehicles removed via stop.",
		}),
		VehiclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_vehicles_completed_total",
			Help: "Total vehicles that completed their route.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_events_emitted_total",
			Help: "Total simulation events emitted.",
		}, []string{"kind"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_listener_panics_total",
			Help: "Total panics recovered from subscriber callbacks.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_tick_duration_seconds",
			Help:    "Duration of simulation tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_tick_interval_seconds",
			Help: "Tick interval in seconds.",
		}),
		CompletedGrace: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_completed_grace_seconds",
			Help: "Grace period before a completed vehicle is removed, in seconds.",
		}),
		DefaultSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_default_speed_kmh",
			Help: "Seed speed for started vehicles in km/h.",
		}),
	}

	// Register
	reg.MustRegister(
		c.ActiveVehicles,
		c.VehiclesStarted, c.VehiclesStopped, c.VehiclesCompleted,
		c.EventsEmitted, c.ListenerPanics,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
		c.TickInterval, c.CompletedGrace, c.DefaultSpeed,
	)

	// Set static gauges
	c.TickInterval.Set(tickInterval.Seconds())
	c.CompletedGrace.Set(completedGrace.Seconds())
	c.DefaultSpeed.Set(defaultSpeedKmh)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Publisher instrumentation hooks.

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
