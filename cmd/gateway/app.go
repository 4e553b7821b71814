package gatewayservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"ridelink/internal/domain/user"
	"ridelink/internal/general/config"
	"ridelink/internal/general/hub"
	"ridelink/internal/general/jwt"
	"ridelink/internal/general/logger"
	"ridelink/internal/general/postgres"
	"ridelink/internal/general/rabbitmq"
	"ridelink/internal/general/websocket"
	"ridelink/internal/ports"
	"ridelink/internal/realtime/broadcast"
	"ridelink/internal/software/gateway/service"
)

// Run wires the realtime gateway and blocks until ctx is cancelled.
func Run(ctx context.Context, maxConcurrent int) error {
	// set up a new logger and context for the gateway with a static request ID for startup logs
	logger := logger.New("realtime-gateway")
	ctx = logger.WithRequestID(ctx, "startup-001")

	// load a config from file
	cfg, err := config.LoadFromFile("config/config.yaml")
	if err != nil {
		logger.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}

	// set up a Postgres connection pool
	pool, err := postgres.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
		return err
	}
	defer pool.Close()

	// connect to RabbitMQ
	rmq, err := rabbitmq.ConnectRabbitMQ(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "rabbitmq_connection_failed", "Failed to connect to RabbitMQ", err, nil)
		return err
	}
	defer rmq.Close()

	// set up the JWT manager
	jwtManager := jwt.NewManager(cfg.JWT.SecretKey, 2*time.Hour)

	// set up persistence collaborators
	uow := postgres.NewUnitOfWork(pool)
	store := postgres.NewEntityStore()
	journal := postgres.NewEventJournal(pool)

	// set up the session hub and the AMQP mirror for rule deliveries
	sessions := hub.NewHub(logger)
	bridge := rabbitmq.NewBroadcastBridge(rmq)
	sender := &mirroredSender{primary: sessions, mirror: bridge, logger: logger}

	// set up the broadcasting engine
	engine, err := broadcast.New(broadcast.Options{
		Tuning:  cfg.Realtime,
		Sender:  sender,
		Journal: journal,
		Logger:  logger,
	})
	if err != nil {
		logger.Error(ctx, "engine_init_failed", "Failed to initialize broadcasting engine", err, nil)
		return err
	}

	// load declarative broadcast rules when configured
	if cfg.Gateway.RulesFile != "" {
		rules, err := broadcast.LoadRulesFile(cfg.Gateway.RulesFile)
		if err != nil {
			logger.Error(ctx, "rules_load_failed", "Failed to load broadcast rules", err,
				map[string]any{"path": cfg.Gateway.RulesFile})
			return err
		}
		for _, rule := range rules {
			if err := engine.AddRule(rule); err != nil {
				logger.Error(ctx, "rule_rejected", "Broadcast rule rejected", err,
					map[string]any{"rule": rule.Name})
				return err
			}
		}
		logger.Info(ctx, "rules_loaded", "Broadcast rules loaded",
			map[string]any{"count": len(rules), "path": cfg.Gateway.RulesFile})
	}

	// run the engine's processing loop
	go engine.Run(ctx)

	// drain the journal queue so events published by peer instances reach
	// the shared journal; restart the consumer when the channel dies
	go func() {
		for {
			if err := rmq.ConsumeJournal(ctx, journal); err != nil {
				logger.Error(ctx, "journal_consume_failed", "Journal consumer stopped", err, nil)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	// set up the gateway service and the websocket handler
	events := rabbitmq.NewEventPublisher(rmq, "realtime-gateway")
	svc := service.NewGatewayService(logger, uow, store, journal, engine, events)
	gateway := websocket.NewGateway(logger, jwtManager, sessions, svc)

	// set up the HTTP handler and its routes
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.Connect)
	mux.HandleFunc("/health", healthHandler(sessions, engine))
	mux.HandleFunc("/events/recent",
		jwt.AuthMiddlewareFunc(jwtManager, user.RoleOperator, user.RoleAdmin)(recentEventsHandler(svc, logger)))

	// global concurrency limiter; blocks when capacity is full
	limitedHandler := withConcurrencyLimit(maxConcurrent, mux)

	// set up the server configurations
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           limitedHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// log service start
	logger.Info(ctx, "service_started",
		fmt.Sprintf("Realtime Gateway started on port %d", cfg.Gateway.Port),
		map[string]any{"port": cfg.Gateway.Port, "max_concurrent": maxConcurrent},
	)

	// start the server in a background goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	// wait for context cancellation or server error
	select {
	case <-ctx.Done():
		// graceful HTTP shutdown on context cancel
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(ctx, "shutdown_started", "Starting graceful shutdown", nil)
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_shutdown_failed", "Failed to gracefully shut down HTTP server", err, nil)
		}
	case err := <-errCh:
		// server returned a terminal error at startup or during run
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_server_error", "HTTP server terminated with error", err,
				map[string]any{"port": cfg.Gateway.Port})
			return err
		}
		return nil
	}

	return nil
}

// healthHandler reports liveness plus a few gauge values.
func healthHandler(sessions *hub.Hub, engine *broadcast.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": len(sessions.Connected()),
			"queue_depth": engine.QueueDepth(),
		})
	}
}

// recentEventsHandler serves journaled history to operator tooling.
func recentEventsHandler(svc ports.GatewayService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		events, err := svc.RecentEvents(r.Context(), limit)
		if err != nil {
			logger.Error(r.Context(), "history_query_failed", "Failed to load event history", err, nil)
			http.Error(w, "failed to load history", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
	}
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
// It controls how many HTTP requests can be in-progress at the same time.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}: // acquire
			defer func() { <-sem }() // release
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			// client canceled or server is shutting down
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
