package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"notification-relay/internal/auth"
	"notification-relay/internal/config"
	"notification-relay/internal/db"
	"notification-relay/internal/dispatch"
	relaygrpc "notification-relay/internal/grpc"
	"notification-relay/internal/handlers"
	"notification-relay/internal/logging"
	"notification-relay/internal/middleware"
	"notification-relay/internal/observability"
	"notification-relay/internal/presence"
	"notification-relay/internal/rabbitmq"
	"notification-relay/internal/repositories"
	"notification-relay/internal/telemetry"
	"notification-relay/internal/ws"
)

func parseCommandLine() string {
	var configPath string
	opt := getoptions.New()
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&configPath, "config", "",
		opt.Alias("c"),
		opt.Description("path to config.yaml, searched in . and ./config when empty"))

	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(2)
	}
	return configPath
}

func main() {
	cfg, err := config.Load(parseCommandLine())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env.Log, cfg.Env.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Env.ServiceName,
		Environment: cfg.Env.Name,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")

	audit := telemetry.NewAuditEmitter(publisher, "audit.notification-relay", cfg.Env.ServiceName, cfg.Env.Name, logger)

	authn, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	// the notification store and order lookups need Postgres; without it the
	// relay still delivers live events
	var (
		notifications repositories.NotificationRepository
		orders        ws.OrderOwnership
	)
	if cfg.Postgres.DSN != "" {
		database, err := db.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.Migrate, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		notifications = repositories.NewNotificationRepo(database)
		orders = repositories.NewOrderRepo(database)
	} else {
		logger.Warn().Msg("postgres dsn empty: notification API and order tracking disabled")
	}

	var (
		tracker ws.PresenceTracker       = presence.Noop{}
		counter handlers.PresenceCounter = presence.Noop{}
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, presence disabled")
		} else if store, err := presence.NewRedisStore(rdb, cfg.Redis.PresenceTTL, logger); err == nil {
			tracker = store
			counter = store
		}
	}

	hub := ws.NewHub(logger, ws.WithAuthorizer(ws.NewRoomAuthorizer(orders)), ws.WithAudit(audit))
	dispatcher := dispatch.NewDispatcher(hub, logger)
	wsHandler := ws.NewHandler(hub, authn, tracker, audit, cfg.WS, logger)

	router := newRouter(cfg, authn, hub, dispatcher, notifications, counter, wsHandler, audit)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	grpcServer := relaygrpc.NewServer(logger)
	consumer := rabbitmq.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Events, dispatcher, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcServer.Serve(lis); err != nil {
				errs <- err
			}
		}()
		grpcServer.SetServing(true)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-errs:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	grpcServer.SetServing(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	// hijacked websocket connections are not tracked by http.Server
	hub.Shutdown()
	grpcServer.Stop(shutdownCtx)

	wg.Wait()
	logger.Info().Msg("relay stopped")
	return runErr
}

func newRouter(
	cfg *config.Config,
	authn auth.Authenticator,
	hub *ws.Hub,
	dispatcher *dispatch.Dispatcher,
	notifications repositories.NotificationRepository,
	counter handlers.PresenceCounter,
	wsHandler *ws.Handler,
	audit *telemetry.AuditEmitter,
) *gin.Engine {
	if !cfg.Env.Log.Pretty {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Env.ServiceName), observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Stats().Connections})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET(cfg.WS.Path, wsHandler.Handle)

	authMiddleware := middleware.AuthMiddleware(authn)

	if notifications != nil {
		nh := handlers.NewNotificationHandler(notifications)
		g := router.Group("/notifications", authMiddleware)
		g.GET("", nh.List)
		g.PATCH("/read-all", nh.MarkAllRead)
		g.PATCH("/:id/read", nh.MarkRead)
	}

	ih := handlers.NewInternalHandler(dispatcher, notifications, hub, audit)
	internal := router.Group("/internal", authMiddleware, middleware.RequireRole(auth.RoleService, auth.RoleAdmin))
	internal.POST("/events", ih.PublishEvent)
	internal.DELETE("/sessions/:user_id", ih.RevokeSessions)

	handlers.RegisterDebugRoutes(router.Group("", authMiddleware), audit, hub, counter, cfg.Debug.Enabled)
	return router
}
