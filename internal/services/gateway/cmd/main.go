package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	sensorSimulator "github.com/LeonardoBeccarini/agrimonitor/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/aggregator"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/event"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/farm"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/gateway/app"
	irrigation "github.com/LeonardoBeccarini/agrimonitor/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/clock"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/dedup"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/logger"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/metrics"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

func main() {
	cfg, cfgErr := loadConfig()
	log, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "agrimonitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	if cfgErr != nil {
		log.Fatal("invalid configuration", zap.Error(cfgErr))
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("agrimonitor stopped with error", zap.Error(err))
	}
	log.Info("agrimonitor stopped")
}

func run(cfg Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Sensori e metriche ===
	specs, err := farm.LoadSpecs(cfg.SensorsConfigPath)
	if err != nil {
		return err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// === Log persistente ===
	plog, err := persistence.OpenLog(ctx, cfg.Persistence, log.Named("persistence"))
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	var opts []farm.Option
	var sink *persistence.Sink
	if plog != nil {
		defer plog.Close()
		sc := persistence.DefaultSinkConfig()
		sc.QueueSize = cfg.PersistQueue
		sink = persistence.NewSink(plog, sc, m, log.Named("sink"))
		opts = append(opts, farm.WithSink(sink))
		log.Info("persistence log ready", zap.String("backend", cfg.Persistence.Backend))
	}

	// === Redis (stato live) ===
	if cfg.RedisAddr != "" {
		kv := persistence.NewRedisKVStore(persistence.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		defer kv.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := kv.Ping(pctx)
		cancel()
		if err != nil {
			log.Warn("redis unreachable, live snapshot disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			opts = append(opts, farm.WithLiveState(persistence.NewLiveState(kv, cfg.RedisPrefix, cfg.RedisTTL)))
		}
	}

	// === Farm ===
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts = append(opts, farm.WithMetrics(m))
	f, err := farm.New(farm.Config{
		TickInterval:      cfg.TickInterval,
		Seed:              seed,
		HistoryMaxPoints:  cfg.HistoryMaxPoints,
		HistoryMaxAge:     cfg.HistoryMaxAge,
		AlertHistoryLimit: cfg.AlertHistoryLimit,
		AlertRetention:    cfg.AlertRetention,
		HubQueueSize:      cfg.HubQueueSize,
		Location:          loc,
	}, specs, clock.Real{}, log.Named("farm"), opts...)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := f.Restore(rctx, plog); err != nil {
		log.Warn("starting with partial state", zap.Error(err))
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(gctx) })
	if sink != nil {
		g.Go(func() error { sink.Run(gctx); return nil })
		if pr, ok := plog.(persistence.Pruner); ok {
			persistence.StartCleanupJob(gctx, pr, cfg.CleanupInterval, cfg.LogRetention, clock.Real{}.Now, log.Named("cleanup"))
		}
	}

	// === MQTT ===
	var mqttClient mqtt.Client
	if cfg.MQTTEnabled {
		mqttClient, err = rabbitmq.NewRabbitMQConn(gctx, &cfg.Rabbit, log.Named("mqtt"))
		if err != nil {
			return err
		}
		defer rabbitmq.CloseRabbitMQConn(mqttClient, log)
		startMQTT(g, gctx, cfg, f, mqttClient, m, log)
	}

	// === gRPC health ===
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc :%s: %w", cfg.GRPCPort, err)
	}
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	g.Go(func() error {
		log.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		watchHealth(gctx, f, hs)
		grpcServer.GracefulStop()
		return nil
	})

	// === HTTP ===
	gw := app.NewGateway(app.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		MaxBackfill:        cfg.MaxBackfill,
		LogQueryLimit:      cfg.HistoryMaxPoints,
		BreakerFailures:    uint32(cfg.CBFails),
		BreakerOpenFor:     time.Duration(cfg.CBOpenMs) * time.Millisecond,
		BreakerInterval:    time.Duration(cfg.CBInterval) * time.Millisecond,
		PersistenceBackend: cfg.Persistence.Backend,
	}, f, log.Named("gateway"), gatewayOptions(plog, mqttClient, m, reg)...)
	hsrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", hsrv.Addr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shCancel()
		f.Hub.Close() // chiude gli stream aperti, altrimenti Shutdown li aspetta
		return hsrv.Shutdown(shCtx)
	})

	err = g.Wait()
	if sink != nil {
		select {
		case <-sink.Done():
		case <-time.After(cfg.ShutdownGrace):
			log.Warn("persistence flush timed out", zap.Int("pending", sink.Pending()))
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func gatewayOptions(plog persistence.Log, client mqtt.Client, m *metrics.Metrics, reg *prometheus.Registry) []app.Option {
	opts := []app.Option{app.WithMetrics(m, reg)}
	if plog != nil {
		opts = append(opts, app.WithPersistence(plog))
	}
	if client != nil {
		opts = append(opts, app.WithMQTT(client))
	}
	return opts
}

// startMQTT collega hub e broker: bridge in uscita, aggregati periodici,
// comandi di irrigazione e override dei sensori in ingresso.
func startMQTT(g *errgroup.Group, ctx context.Context, cfg Config, f *farm.Farm, client mqtt.Client, m *metrics.Metrics, log *zap.Logger) {
	publisher := rabbitmq.NewPublisher(client, "", log.Named("publisher"))
	bridge := event.NewBridge(f.Hub, publisher, event.NewStats(), log.Named("bridge"))
	agg := aggregator.NewDataAggregatorService(f.Hub, publisher, cfg.AggregationInterval, log.Named("aggregator"))

	// dedup solo sui topic QoS1 (comandi e override)
	deduper := dedup.New(cfg.DedupTTL, 20000)
	cmdConsumer := rabbitmq.NewMultiConsumer(client, []string{irrigation.CommandTopicPrefix + "#"}, nil, log.Named("commands"))
	commands := irrigation.NewCommandListener(cmdConsumer, f.Irrigation, deduper, log.Named("commands"))
	commands.OnResult(m.ObserveCommand)

	ovConsumer := rabbitmq.NewMultiConsumer(client, []string{
		sensorSimulator.OverrideTopicPrefix + "#",
		sensorSimulator.DeviceTopicPrefix + "#",
	}, nil, log.Named("overrides"))
	overrides := sensorSimulator.NewSensorSimulator(ovConsumer, f.Source, deduper, log.Named("overrides"))

	g.Go(func() error { bridge.Start(ctx); return nil })
	g.Go(func() error { agg.Start(ctx); return nil })
	g.Go(func() error { commands.Start(ctx); return nil })
	g.Go(func() error { overrides.Start(ctx); return nil })
}

// watchHealth riflette lo stato dello scheduler sul servizio gRPC health.
func watchHealth(ctx context.Context, f *farm.Farm, hs *health.Server) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if f.Running() {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus("agrimonitor.Farm", status)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
		}
	}
}
