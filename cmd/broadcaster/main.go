package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/devices/catalog"
	"livecast/internal/infrastructure/events"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/netwatch"
	wsserver "livecast/internal/infrastructure/signal"
	"livecast/internal/infrastructure/transport/loopback"
	"livecast/internal/infrastructure/transport/whip"
	"livecast/pkg/config"
	"livecast/pkg/distributed"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const streamLockTTL = 15 * time.Second

// version is set at link time with -X main.version.
var version = "dev"

func loadConfig() *config.Config {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/livecast/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("LIVECAST_CONFIG"); path != "" {
		configPaths = []string{path}
	}

	var (
		cfg *config.Config
		err error
	)
	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		if cfg, err = config.Load(path); err == nil {
			return cfg
		}
		break
	}
	if err != nil {
		// A present but broken file is fatal; a missing one means defaults.
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}
	cfg, err = config.Load("")
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid default configuration", "error", err)
	}
	return cfg
}

func newTransports(cfg *config.Config, clk clock.Clock, log *zap.SugaredLogger) ports.TransportFactory {
	if cfg.Transport.Kind == "loopback" {
		return loopback.NewFactory(loopback.Config{
			Link: loopback.Link{
				Bandwidth:  cfg.Transport.Loopback.Bandwidth,
				RTT:        cfg.Transport.Loopback.RTT,
				PacketLoss: cfg.Transport.Loopback.PacketLoss,
			},
			TelemetryInterval: cfg.Transport.TelemetryInterval,
			Clock:             clk,
			Logger:            log,
		})
	}
	return whip.NewFactory(whip.Config{
		ICEServers:        cfg.Transport.ICEServers,
		TelemetryInterval: cfg.Transport.TelemetryInterval,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
		Clock:             clk,
		Logger:            log,
	})
}

// attachConfigured attaches the devices named in configuration, either by
// preset or by URN.
func attachConfigured(ctx context.Context, session *services.BroadcastSession, names []string, log *zap.SugaredLogger) {
	if len(names) == 0 {
		return
	}
	available, err := session.ListAvailableDevices(ctx)
	if err != nil {
		log.Errorw("failed to list devices", "error", err)
		return
	}

	for _, name := range names {
		var (
			desc  domain.DeviceDescriptor
			found bool
		)
		if preset, ok := domain.ParseDevicePreset(name); ok {
			desc, found = preset.Select(available)
		} else {
			for _, d := range available {
				if d.URN == name {
					desc, found = d, true
					break
				}
			}
		}
		if !found {
			log.Warnw("configured device not available", "device", name)
			continue
		}
		session.Attach(desc, "", func(dev ports.Device, err error) {
			if err != nil {
				log.Warnw("failed to attach configured device", "device", desc.URN, "error", err)
			}
		})
	}
}

func main() {
	cfg := loadConfig()

	// Initialize logger
	zapLogger, level := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	broadcastCfg, err := cfg.BroadcastConfiguration()
	if err != nil {
		log.Fatalw("invalid broadcast configuration", "error", err)
	}
	if cfg.Broadcast.LogLevel == "" {
		broadcastCfg.LogLevel = domain.ParseLogLevel(cfg.Logging.Level)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast-broadcaster",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     version,
		Transport:   cfg.Transport.Kind,
		Preset:      cfg.Broadcast.Preset,
		Codec:       broadcastCfg.Video.Codec,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	clk := clock.New()

	descriptors := make([]domain.DeviceDescriptor, 0, len(cfg.Devices.Catalog))
	for _, entry := range cfg.Devices.Catalog {
		descriptors = append(descriptors, entry.Descriptor())
	}
	devices := catalog.New(descriptors, log.Named("devices"))

	connectivity := netwatch.New(netwatch.Config{
		ProbeAddress: cfg.Connectivity.ProbeAddress,
		Timeout:      cfg.Connectivity.Timeout,
		Interval:     cfg.Connectivity.Interval,
		Clock:        clk,
		Logger:       log.Named("netwatch"),
	})

	session, err := services.NewBroadcastSession(services.SessionOptions{
		Config:        broadcastCfg,
		AudioStrategy: cfg.AudioStrategy(),
		Provider:      devices,
		Transports:    newTransports(cfg, clk, log.Named("transport")),
		Connectivity:  connectivity,
		Clock:         clk,
		Logger:        log.Named("session"),
		Level:         &level,

		HealthHysteresis: cfg.Broadcast.Network.HealthHysteresis,
	})
	if err != nil {
		log.Fatalw("failed to create broadcast session", "error", err)
	}

	// Initialize monitoring
	// With metrics disabled the collector still runs against a private
	// registry that nothing serves.
	var (
		registerer prometheus.Registerer = prometheus.NewRegistry()
		gatherer   prometheus.Gatherer
	)
	if cfg.Monitoring.PrometheusEnabled {
		registerer = prometheus.DefaultRegisterer
		gatherer = prometheus.DefaultGatherer
		log.Info("Prometheus metrics enabled")
	}
	collector := monitoring.NewPrometheusCollector(registerer)

	checker := monitoring.NewHealthChecker(clk)
	checker.AddSessionCheck(session, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	checker.AddConnectivityCheck(connectivity, cfg.Monitoring.HealthCheckInterval, cfg.Connectivity.Timeout)

	// Event sinks
	hub := wsserver.NewWebSocketServer(wsserver.Config{
		PingInterval:      cfg.Events.WebSocket.PingInterval,
		PongTimeout:       cfg.Events.WebSocket.PongTimeout,
		SendBuffer:        cfg.Events.WebSocket.SendBuffer,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxClients:        cfg.RateLimiting.WebSocket.MaxConcurrent,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, session, collector, log.Named("events"))
	sinks := events.Fanout{hub}

	var (
		redisClient *redis.Client
		bus         *events.EventBus
		locks       *distributed.LockManager
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		instanceID, _ := os.Hostname()
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		bus = events.NewEventBus(redisClient, events.BusConfig{
			Channel:       cfg.Events.RedisChannel,
			InstanceID:    instanceID,
			BatchSize:     cfg.Events.BatchSize,
			BatchInterval: cfg.Events.BatchInterval,
			Clock:         clk,
			OnPublished:   func(n int) { collector.RecordEventPublished("redis", n) },
			OnDropped:     func(n int) { collector.RecordEventsDropped("redis", n) },
		}, log.Named("eventbus"))
		sinks = append(sinks, bus)
		locks = distributed.NewLockManager(redisClient, "livecast:ingest:", streamLockTTL, clk, log.Named("locks"))
		checker.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
		log.Infow("Publishing events to Redis", "address", cfg.Redis.Address, "channel", cfg.Events.RedisChannel)
	}

	recorder := events.NewRecorder(session, sinks, clk, log.Named("events"))
	session.Subscribe(recorder.Listener())
	session.Subscribe(collector.Listener())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	attachConfigured(ctx, session, cfg.Devices.Attach, log)

	// Initialize HTTP handlers
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.OperatorKey, cfg.Auth.AccessTokenTTL, clk)
	ingest := httphandlers.IngestDefaults{Endpoint: cfg.Ingest.Endpoint, StreamKey: cfg.Ingest.StreamKey}

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLogger := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestMiddleware(requestLogger, collector, session),
		middleware.NewHTTPRateLimitMiddleware(cfg, clk),
		middleware.ErrorHandlerMiddleware(requestLogger),
	)

	httphandlers.NewHealthHandler(checker, gatherer, clk).SetupRoutes(router)
	httphandlers.NewAuthHandler(authService).SetupRoutes(router)
	sessionHandler := httphandlers.NewSessionHandler(session, ingest, recorder, log.Named("api"))
	if locks != nil {
		sessionHandler.WithStreamLock(locks)
	}
	httphandlers.SetupControlRoutes(router, authService,
		sessionHandler,
		httphandlers.NewDeviceHandler(session),
		httphandlers.NewMixerHandler(session),
	)
	if cfg.Events.WebSocket.Enabled {
		router.GET("/ws", middleware.AuthMiddleware(authService, services.RoleViewer), func(c *gin.Context) {
			claims, _ := c.MustGet(middleware.ClaimsKey).(*services.Claims)
			hub.Serve(c.Writer, c.Request, authService.HasRole(claims, services.RoleOperator))
		})
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("Starting LiveCast broadcaster", "address", cfg.Server.Address, "transport", cfg.Transport.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down LiveCast broadcaster...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
			return srv.Close()
		}
		return nil
	})

	checker.StartBackgroundChecks(gctx)

	if cfg.Ingest.AutoStart {
		session.AwaitDeviceChanges(func() {
			go func() {
				if err := sessionHandler.StartBroadcast(gctx, cfg.Ingest.Endpoint, cfg.Ingest.StreamKey); err != nil {
					log.Errorw("Failed to start broadcast", "error", err)
				}
			}()
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorw("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if session.State() != domain.SessionStateDisconnected {
		if err := sessionHandler.StopBroadcast(); err != nil {
			log.Warnw("Error stopping broadcast", "error", err)
		}
	}
	if err := session.Close(shutdownCtx); err != nil {
		log.Errorw("Error closing broadcast session", "error", err)
	}
	hub.Close()
	if bus != nil {
		if err := bus.Close(shutdownCtx); err != nil {
			log.Errorw("Error flushing event bus", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}
	if err := devices.Close(); err != nil {
		log.Errorw("Error closing device catalog", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("LiveCast broadcaster stopped")
}
