package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/auth"
	"fleet-monitor/gateway/internal/config"
	"fleet-monitor/gateway/internal/metrics"
	"fleet-monitor/gateway/internal/notify"
	"fleet-monitor/gateway/internal/pipeline"
	"fleet-monitor/gateway/internal/store"
	transport "fleet-monitor/gateway/internal/transport/http"
)

type gatewayStore interface {
	pipeline.Store
	Ping(ctx context.Context) error
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level '%s', defaulting to 'info'", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	// Store
	var (
		st     gatewayStore
		checks = map[string]transport.Pinger{}
	)
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemoryStore()
	default:
		pg, err := store.NewPostgresStore(ctx, cfg)
		if err != nil {
			logger.WithError(err).Fatal("postgres connection failed")
		}
		defer pg.Close()
		st = pg
	}
	checks["db"] = st

	// Redis backs live state, API keys, pub/sub and device locks.
	redisStore, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		if cfg.StoreBackend != "memory" {
			logger.WithError(err).Fatal("redis connection failed")
		}
		logger.WithError(err).Warn("redis unavailable, live state and notifications disabled")
	} else {
		defer redisStore.Close()
		checks["redis"] = redisStore
	}

	anomalyCfg := pipeline.DefaultAnomalyConfig()
	if cfg.AnomalyConfigPath != "" {
		if anomalyCfg, err = pipeline.LoadAnomalyConfig(cfg.AnomalyConfigPath); err != nil {
			logger.WithError(err).Fatal("loading anomaly config failed")
		}
	}

	dispatcher := pipeline.NewDispatcher(cfg.StateChannelSize, cfg.NotifyChannelSize)

	opts := pipeline.Options{
		Dispatcher:  dispatcher,
		Anomaly:     anomalyCfg,
		ColdChain:   pipeline.ColdChainBand{MinC: cfg.ColdChainMinC, MaxC: cfg.ColdChainMaxC},
		Lease:       time.Duration(cfg.ProcessingLeaseSeconds) * time.Second,
		RetryDelay:  time.Duration(cfg.RetryDelaySeconds) * time.Second,
		MaxAttempts: cfg.ReplayMaxAttempts,
		LockTTL:     time.Duration(cfg.DeviceLockTTLSeconds) * time.Second,
		Logger:      logger,
	}
	if cfg.DeviceLockEnabled && redisStore != nil {
		opts.Locker = redisStore
	}
	gateway := pipeline.NewGateway(st, opts)

	// Background workers. Drainers stop when the dispatcher closes; the
	// replay worker feeds the dispatcher, so it stops first.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	replayCtx, cancelReplay := context.WithCancel(context.Background())
	var drainers, replayers sync.WaitGroup
	start := func(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	var publishers []pipeline.Publisher
	if redisStore != nil {
		publishers = append(publishers, redisStore)
		for i := 0; i < cfg.StateWriterWorkers; i++ {
			w := pipeline.NewStateWriter(dispatcher.StateChan, redisStore, logger.WithField("worker", i), cfg.StateBatchSize, cfg.StateFlushIntervalMS)
			start(drainCtx, &drainers, w.Run)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg)
		if err != nil {
			logger.WithError(err).Fatal("kafka publisher setup failed")
		}
		defer kp.Close()
		publishers = append(publishers, kp)
	}
	if len(publishers) > 0 {
		for i := 0; i < cfg.NotifierWorkers; i++ {
			n := pipeline.NewNotifier(dispatcher.NotifyChan, logger.WithField("notifier", i), publishers...)
			start(drainCtx, &drainers, n.Run)
		}
	}
	if cfg.ReplayEnabled {
		rw := pipeline.NewReplayWorker(gateway, st, logger.WithField("component", "replay"),
			cfg.ReplayBatchSize, time.Duration(cfg.ReplayIntervalSeconds)*time.Second)
		start(replayCtx, &replayers, rw.Run)
	}

	// HTTP
	routerOpts := transport.RouterOptions{
		IngestTimeout:  time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		Logger:         logger,
		MetricsHandler: metrics.Handler(),
	}
	if cfg.AuthEnabled {
		var lookup auth.KeyLookup
		if redisStore != nil {
			lookup = redisStore
		}
		routerOpts.Auth = transport.NewAuthMiddleware(auth.NewAuthenticator(cfg, lookup, logger))
	}
	handler := transport.NewHandler(gateway, st, checks, logger)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      transport.NewRouter(handler, routerOpts),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("telemetry gateway listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown failed")
	}

	cancelReplay()
	replayers.Wait()

	dispatcher.Close()
	drained := make(chan struct{})
	go func() {
		drainers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("drain timed out, dropping buffered notifications")
		cancelDrain()
		<-drained
	}
	cancelDrain()
	logger.Info("shutdown complete")
}
