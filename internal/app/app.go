package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/codeindex"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/pricing"
	"github.com/xenking/kart-discounts/internal/handler"
	"github.com/xenking/kart-discounts/internal/storage/postgres"
	"github.com/xenking/kart-discounts/internal/storage/redis"
	"github.com/xenking/kart-discounts/pkg/health"
	"github.com/xenking/kart-discounts/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var rdb *goredis.Client
	if cfg.usesRedis() {
		rdb, err = redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// Repositories.
	discountRepo := postgres.NewDiscountRepository(pool)
	customerRepo := postgres.NewCustomerRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	productRepo := postgres.NewProductRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	var (
		rules discount.Repository = discountRepo
		usage pricing.UsageStore  = postgres.NewUsageRepository(pool)
	)
	if cfg.Usage.Backend == BackendRedis {
		store := redis.NewUsageStore(rdb, cfg.Redis.Prefix)
		rules = redis.NewCountingSource(discountRepo, store)
		usage = store
	}

	// Domain services.
	stacking, err := pricing.ParseStackingPolicy(cfg.Engine.Stacking)
	if err != nil {
		return errors.Wrap(err, "engine config")
	}
	validator := discount.NewValidator(discount.Policy{
		EnforcePerCustomerLimit: cfg.Engine.EnforcePerCustomerLimit,
		EnforceFirstOrderOnly:   cfg.Engine.EnforceFirstOrderOnly,
	})
	engine := pricing.NewEngine(rules, validator, pricing.EngineOptions{
		Stacking:          stacking,
		RequireCouponCode: cfg.Engine.RequireCouponCode,
	})

	opts := pricing.Options{
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	}
	if cfg.CodeIndex.Enabled {
		codes := codeindex.New(discountRepo, codeindex.Options{
			Capacity: cfg.CodeIndex.Capacity,
			FPR:      cfg.CodeIndex.FPR,
		})
		go func() { _ = codes.Run(ctx, cfg.CodeIndex.Refresh) }()
		opts.Codes = codes
	}

	discountSvc, err := pricing.NewService(engine, rules, customerRepo, cartRepo, productRepo, usage, opts)
	if err != nil {
		return errors.Wrap(err, "create discount service")
	}

	// HTTP handlers.
	h := handler.NewHandler(discountSvc, handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper)))

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(router)

	rateLimit := httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	}
	var rateLimiter httpmiddleware.Middleware
	if cfg.RateLimit.Backend == BackendRedis {
		rateLimit.Limiter = httpmiddleware.NewRedisLimiter(rdb, cfg.Redis.Prefix, rateLimit.Max, rateLimit.Window)
		rateLimiter = httpmiddleware.RateLimit(rateLimit)
	} else {
		rateLimiter = httpmiddleware.RateLimitWithCleanup(ctx, rateLimit)
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RouteContext(),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			rateLimiter,
			httpmiddleware.Instrument("kart-discounts", m),
			httpmiddleware.LogRequests(httpmiddleware.ChiRoute),
			httpmiddleware.Labeler(httpmiddleware.ChiRoute),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening",
		zap.String("addr", cfg.Addr),
		zap.String("stacking", string(stacking)),
		zap.String("usage_backend", cfg.Usage.Backend),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
