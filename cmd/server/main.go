// Package main is the entry point for the swarmlight server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/swarmlight/internal/api"
	"github.com/onnwee/swarmlight/internal/auth"
	"github.com/onnwee/swarmlight/internal/config"
	"github.com/onnwee/swarmlight/internal/event"
	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/health"
	"github.com/onnwee/swarmlight/internal/jobs"
	"github.com/onnwee/swarmlight/internal/middleware"
	"github.com/onnwee/swarmlight/internal/simulation"
	"github.com/onnwee/swarmlight/internal/tracing"
)

const (
	serviceName     = "swarmlight"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Swarmlight Server")
		fmt.Println()
		fmt.Println("Usage: server [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := cfg.LogSummary()
	attrs := make([]any, 0, 2*len(summary))
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run serves until ctx is done, then shuts down gracefully. A nil listener
// listens on cfg.Port.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		Exporter:     tracing.Exporter(cfg.TracingExporter),
		Endpoint:     cfg.TracingEndpoint,
		Insecure:     cfg.TracingInsecure,
		SamplingRate: cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	redisChecker := health.NewRedisChecker(client)
	if err := redisChecker.HealthCheck(ctx); err != nil {
		// Not fatal: /ready reports it until Redis comes up.
		logger.Warn("redis not reachable at startup", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	eventMetrics := event.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, eventMetrics, jobMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	solver := simulation.DefaultConfig()
	solver.Iterations = cfg.SolverIterations
	solver.SpringConstant = cfg.SpringConstant

	registry := event.NewRegistry(event.RegistryConfig{
		NewStore: func(eventID string) graph.Store {
			return graph.NewRedisStore(client, eventID, cfg.GraphTTL, logger)
		},
		Session: event.SessionOptions{
			Debounce:   cfg.Debounce,
			MaxWait:    cfg.MaxWait,
			RunTimeout: cfg.RunTimeout,
			Solver:     solver,
			Precision:  cfg.Precision,
			Logger:     logger,
			Metrics:    eventMetrics,
			JobMetrics: jobMetrics,
		},
		AroundRadius: cfg.AroundRadius,
		Logger:       logger,
	})
	defer registry.Shutdown()

	if err := registry.Load(eventRecords(cfg.Events)); err != nil {
		logger.Warn("some configured events were not opened", "error", err)
	}

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious, auth.DefaultLeeway)

	router := api.NewRouter(api.RouterConfig{
		Events: api.NewEventHandlers(registry),
		WebSockets: api.NewWebSocketHandlers(api.WebSocketConfig{
			Registry:       registry,
			Authenticator:  jwtService,
			Metrics:        httpMetrics,
			EventMetrics:   eventMetrics,
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         logger,
		}),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			RedisChecker:   redisChecker,
			MetricsEnabled: true,
		}),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Authenticator:  jwtService,
		RateLimitStore: middleware.NewRedisRateLimitStore(client, httpMetrics, logger),
		GlobalLimit:    middleware.DefaultGlobalLimit(),
		ConnectLimit:   middleware.DefaultConnectLimit(),
		HTTPMetrics:    httpMetrics,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> router
	var handler http.Handler = middleware.HTTPMetrics(httpMetrics)(router)
	handler = middleware.Logging(logger)(handler)
	if tp.IsEnabled() {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Handler: handler,
		// No ReadTimeout: it would also cut off idle websocket connections.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if ln == nil {
		ln, err = net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String(), "events", registry.Len())
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func eventRecords(events []config.EventConfig) []event.Record {
	records := make([]event.Record, 0, len(events))
	for _, ev := range events {
		records = append(records, event.Record{
			ID:      ev.ID,
			Name:    ev.Name,
			AdminID: ev.AdminID,
			Anchor:  geo.Point{Latitude: ev.Latitude, Longitude: ev.Longitude},
		})
	}
	return records
}
