package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/services/farm"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/metrics"
)

type Config struct {
	RequestTimeout time.Duration
	AllowedOrigins []string

	// stream
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxBackfill  int

	// letture dal log persistente (source=log)
	LogQueryLimit   int
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	BreakerInterval time.Duration

	// /readyz: un errore di scrittura più recente di così rende il servizio not ready
	ReadyMinErrorAge   time.Duration
	PersistenceBackend string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxBackfill <= 0 {
		c.MaxBackfill = 500
	}
	if c.LogQueryLimit <= 0 {
		c.LogQueryLimit = 20000
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 15 * time.Second
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = time.Minute
	}
	if c.ReadyMinErrorAge <= 0 {
		c.ReadyMinErrorAge = 30 * time.Second
	}
	return c
}

// MQTTStatus is satisfied by mqtt.Client.
type MQTTStatus interface {
	IsConnectionOpen() bool
}

// Gateway espone la farm via HTTP: API REST, stream real-time e health.
type Gateway struct {
	cfg      Config
	farm     *farm.Farm
	plog     persistence.Log
	logs     *LogReader
	mqtt     MQTTStatus
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type Option func(*Gateway)

// WithPersistence enables source=log queries and the log ping in /readyz.
func WithPersistence(l persistence.Log) Option { return func(g *Gateway) { g.plog = l } }

func WithMQTT(m MQTTStatus) Option { return func(g *Gateway) { g.mqtt = m } }

func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(g *Gateway) { g.metrics, g.gatherer = m, gatherer }
}

func NewGateway(cfg Config, f *farm.Farm, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{cfg: cfg.withDefaults(), farm: f, log: logger}
	for _, o := range opts {
		o(g)
	}
	if g.plog != nil {
		g.logs = NewLogReader(g.plog, g.cfg, logger.Named("log-reader"))
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Routes builds the router for the whole HTTP surface.
func (g *Gateway) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	mux.Get("/healthz", g.HandleHealth)
	mux.Get("/readyz", g.HandleReady)
	if g.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Get("/ws/sensors", g.HandleWebSocket)

	mux.Route("/api", func(r chi.Router) {
		r.Route("/sensors", func(r chi.Router) {
			r.Get("/current", g.HandleCurrent)
			r.Get("/historical", g.HandleHistorical)
			r.Post("/data", g.HandleSensorData)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", g.HandleAlerts)
			r.Post("/{id}/ack", g.HandleAckAlert)
		})
		r.Route("/irrigation", func(r chi.Router) {
			r.Get("/status", g.HandleIrrigationStatus)
			r.Post("/control", g.HandleIrrigationControl)
		})
		r.Get("/system/status", g.HandleSystemStatus)
		r.Get("/stream", g.HandleSSE)
	})
	return mux
}
