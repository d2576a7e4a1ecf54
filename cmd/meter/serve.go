package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/usage-meter/config"
	"github.com/vnmchuo/usage-meter/internal/audit"
	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/counter"
	"github.com/vnmchuo/usage-meter/internal/gate"
	"github.com/vnmchuo/usage-meter/internal/meter"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/provider/openai"
	"github.com/vnmchuo/usage-meter/internal/proxy"
	"github.com/vnmchuo/usage-meter/internal/quota"
	"github.com/vnmchuo/usage-meter/internal/seeder"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/internal/tokens"
	"github.com/vnmchuo/usage-meter/internal/worker"
	"github.com/vnmchuo/usage-meter/pkg/ratelimit"
)

const serviceName = "usage-meter"

func newServeCmd() *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metering HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg, seed)
		},
	}

	cmd.Flags().BoolVar(&seed, "seed", os.Getenv("RUN_SEED") == "true", "create the test API key on startup")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, seed bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Logging and tracing
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	// 3. Storage
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()
	if err := st.migrate(ctx); err != nil {
		return err
	}
	logger.Info("storage ready", "driver", cfg.StoreDriver)

	// 4. Counters, optionally on Redis
	var (
		rdb       *redis.Client
		counters  counter.Store
		authCache auth.Cache
	)
	subs := st.subs
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		counters = counter.NewRedisStore(rdb)
		authCache = rdb
		if subs != nil {
			subs = quota.NewCachedSubscriptions(subs, rdb, time.Minute, logger)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		counters = counter.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, counters are in-process and not shared across replicas")
	}

	// 5. Pricing, reloaded on file change
	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		if table, err = pricing.LoadFile(cfg.PricingFile); err != nil {
			return err
		}
	}
	calc := pricing.NewCalculator(table, logger)
	if cfg.PricingFile != "" {
		go func() {
			if err := calc.Watch(ctx, cfg.PricingFile); err != nil {
				logger.Error("pricing watch stopped", "error", err)
			}
		}()
	}

	// 6. Quota policy and admission
	policy := quota.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = quota.LoadPolicy(cfg.PolicyFile); err != nil {
			return err
		}
	}
	resolver := quota.NewResolver(subs, policy.ResetHour)

	gateOpts := []gate.Option{
		gate.WithTimeout(cfg.AdmitTimeout),
		gate.WithMetrics(metrics),
		gate.WithTracer(tracer),
		gate.WithLogger(logger),
	}
	if rdb != nil && cfg.DefaultBurstTPM > 0 {
		gateOpts = append(gateOpts, gate.WithBurst(ratelimit.NewLimiter(rdb, cfg.DefaultBurstTPM)))
	}
	g := gate.New(resolver, counters, policy, gateOpts...)

	// 7. Background commits
	pool := worker.NewPool(worker.Config{
		Workers:     cfg.WorkerCount,
		QueueSize:   cfg.WorkerQueueSize,
		TaskTimeout: cfg.WorkerTaskTimeout,
	}, worker.WithMetrics(metrics), worker.WithTracer(tracer), worker.WithLogger(logger))

	engine := meter.New(meter.Deps{
		Pricing:    calc,
		Resolver:   resolver,
		Gate:       g,
		Aggregator: billing.NewAggregator(st.billing, tracer, logger),
		Audit:      audit.NewLogger(st.audit, tracer, logger),
		Pool:       pool,
		Tokens:     tokens.NewCounter(nil, logger),
		Metrics:    metrics,
		Logger:     logger,
		FlushChars: int64(cfg.StreamFlushChars),
	})

	// 8. HTTP surface
	handler := proxy.NewHandler(engine, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), tracer, logger)
	authMiddleware := auth.NewMiddleware(st.auth, authCache, logger)

	if seed {
		if err := seeder.SeedTestAPIKey(ctx, st.auth, logger); err != nil {
			logger.Error("failed to seed test API key", "error", err)
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usage-meter"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Post("/v1/usage/track", handler.HandleTrack)
		r.Post("/v1/admit", handler.HandleAdmit)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("usage meter starting", "port", cfg.Port, "version", telemetry.ServiceVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	// Requests are done; let queued commits reach storage.
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("background tasks dropped at shutdown", "pending", pool.Len(), "error", err)
	}
	logger.Info("server stopped")
	return nil
}
