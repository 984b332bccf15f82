package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/cors"

	"bletracker/go-mqtt-server/internal/broadcast"
	"bletracker/go-mqtt-server/internal/config"
	"bletracker/go-mqtt-server/internal/dedup"
	"bletracker/go-mqtt-server/internal/ingest"
	"bletracker/go-mqtt-server/internal/liveness"
	"bletracker/go-mqtt-server/internal/livemap"
	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/mqttbroker"
	"bletracker/go-mqtt-server/internal/occupancy"
	"bletracker/go-mqtt-server/internal/position"
	"bletracker/go-mqtt-server/internal/store"
	"bletracker/go-mqtt-server/internal/timeutil"
)

// App wires together the tracking services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	clock  timeutil.Clock

	store       *store.Store
	ingestor    *ingest.Ingestor
	engine      *livemap.Engine
	sweeper     *liveness.Sweeper
	hub         *broadcast.Hub
	broadcaster *broadcast.Broadcaster

	broker     *mqttbroker.Broker
	subscriber *ingest.Subscriber
	redis      *broadcast.RedisSink
	mdns       *zeroconf.Server

	ready atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Tuning = cfg.Tuning.WithDefaults()
	return &App{cfg: cfg, logger: logger, clock: timeutil.RealClock{}}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	metrics.Init()
	a.assemble(db)

	ingressErrCh, publisher, err := a.startIngress(ctx)
	if err != nil {
		return err
	}
	defer a.stopIngress()

	sinks := []broadcast.Sink{broadcast.NewMQTTSink(publisher, broadcast.DefaultTopicPrefix)}
	if a.cfg.RedisAddr != "" {
		a.redis = broadcast.NewRedisSink(a.cfg.RedisAddr, a.cfg.RedisChannel)
		sinks = append(sinks, a.redis)
		defer func() { _ = a.redis.Close() }()
		a.logger.Info("redis fan-out enabled", "addr", a.cfg.RedisAddr, "channel", a.cfg.RedisChannel)
	}
	if err := a.attachSinks(ctx, sinks...); err != nil {
		return err
	}
	defer a.broadcaster.Close()
	defer a.hub.Close()

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(a.advertisedPort()); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	a.ready.Store(true)

	snapshotTicker := time.NewTicker(a.cfg.Tuning.SnapshotInterval)
	defer snapshotTicker.Stop()
	dedupTicker := time.NewTicker(a.cfg.Tuning.DedupClear)
	defer dedupTicker.Stop()
	sweepTicker := time.NewTicker(a.cfg.Tuning.SweepInterval)
	defer sweepTicker.Stop()

	shutdown := func() {
		a.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		a.logger.Info("http server stopped")
	}

	for {
		select {
		case <-ctx.Done():
			shutdown()
			return nil
		case <-snapshotTicker.C:
			a.publishSnapshot(ctx)
		case <-dedupTicker.C:
			a.ingestor.ClearDedup()
			a.logger.Debug("cleared jitter table")
		case <-sweepTicker.C:
			_, _ = a.sweeper.Sweep(ctx)
		case err := <-httpErrCh:
			shutdown()
			return err
		case err, ok := <-ingressErrCh:
			if !ok {
				ingressErrCh = nil
				continue
			}
			if err != nil {
				shutdown()
				return err
			}
		}
	}
}

// assemble builds the processing pipeline over db from the configured tuning.
func (a *App) assemble(db *store.Store) {
	t := a.cfg.Tuning
	a.store = db

	tracker := liveness.NewTracker(a.clock, t.LivenessTimeout)
	estimator := position.New(position.Config{
		Window:         t.RecentWindow,
		WeakFloor:      position.Floor(t.WeakFloorDBm()),
		WeightExponent: t.WeightExponent,
		DominanceRatio: t.DominanceRatio,
	}, tracker.OnlineAt)

	a.ingestor = ingest.New(db, dedup.New(t.JitterTolerance), ingest.Options{
		TopicPrefix: a.cfg.TopicPrefix,
		SessionGap:  t.SessionGap,
		Clock:       a.clock,
		Logger:      a.logger.With("component", "ingest"),
	})
	a.engine = livemap.NewEngine(db, estimator, tracker, occupancy.NewPolicy(t.ColdThreshold), livemap.Options{
		Window: t.RecentWindow,
		Logger: a.logger.With("component", "livemap"),
	})
	a.sweeper = liveness.NewSweeper(db, a.clock, t.SweepCutoff, a.logger.With("component", "liveness"))
	a.hub = broadcast.NewHub(a.logger.With("component", "websocket"), a.checkOrigin)
}

// attachSinks creates the broadcaster over the websocket hub plus extra sinks and primes
// the active floor-plan cache.
func (a *App) attachSinks(ctx context.Context, extra ...broadcast.Sink) error {
	sinks := append([]broadcast.Sink{a.hub}, extra...)
	a.broadcaster = broadcast.New(a.logger.With("component", "broadcast"), sinks...)
	a.hub.OnJoin(a.broadcaster.Greet)

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	fp, err := a.store.ActiveFloorPlan(loadCtx)
	if err != nil {
		return fmt.Errorf("load active floor plan: %w", err)
	}
	a.broadcaster.LoadActiveMap(fp)
	return nil
}

// startIngress runs the embedded broker, or subscribes to an external one when a broker
// URL is configured. The returned publisher carries outbound events on the same broker.
func (a *App) startIngress(ctx context.Context) (<-chan error, broadcast.Publisher, error) {
	if a.cfg.MQTTBrokerURL != "" {
		sub := ingest.NewSubscriber(a.cfg.MQTTBrokerURL, a.cfg.MQTTClientID, a.cfg.TopicPrefix, a.ingestor, a.logger.With("component", "mqtt"))
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := sub.Connect(connectCtx); err != nil {
			sub.Close()
			return nil, nil, err
		}
		a.subscriber = sub
		a.logger.Info("using external mqtt broker", "broker", a.cfg.MQTTBrokerURL)
		return nil, broadcast.PahoPublisher{Client: sub.Client()}, nil
	}

	broker := mqttbroker.New(a.logger.With("component", "mqtt"))
	broker.SetPublishHandler(a.handleMQTTPublish)
	errCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return nil, nil, err
	}
	a.broker = broker
	return errCh, broker, nil
}

func (a *App) stopIngress() {
	if a.subscriber != nil {
		a.subscriber.Close()
		a.logger.Info("mqtt subscriber stopped")
	}
	if a.broker != nil {
		if err := a.broker.Stop(); err != nil {
			a.logger.Error("mqtt broker stop", "error", err)
		}
		a.logger.Info("mqtt broker stopped")
	}
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if _, err := a.ingestor.Handle(ctx, msg.Topic, msg.Payload); err != nil {
		a.logger.Debug("sighting not recorded", "client", msg.ClientID, "topic", msg.Topic, "error", err)
	}
}

// publishSnapshot builds and pushes one live-map frame. A failed build skips the cycle.
func (a *App) publishSnapshot(ctx context.Context) {
	buildCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	snap, err := a.engine.Snapshot(buildCtx)
	if err != nil {
		a.logger.Error("failed to build live map", "error", err)
		return
	}
	if err := a.broadcaster.BroadcastLiveUpdate(ctx, snap); err != nil {
		a.logger.Error("failed to broadcast live map", "error", err)
	}
}

func (a *App) handler() http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}
	if len(a.cfg.CORSOrigins) > 0 {
		opts.AllowedOrigins = a.cfg.CORSOrigins
	} else {
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts).Handler(a.routes())
}

// checkOrigin applies the CORS allow-list to websocket upgrades.
func (a *App) checkOrigin(r *http.Request) bool {
	if len(a.cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (a *App) advertisedPort() int {
	if a.broker != nil {
		if addr, ok := a.broker.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
		if _, port, err := net.SplitHostPort(a.cfg.MQTTBindAddress); err == nil {
			if n, err := strconv.Atoi(port); err == nil {
				return n
			}
		}
	}
	return a.cfg.HTTPPort
}
