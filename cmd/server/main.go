package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/promptdeck/config"
	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/billing"
	"github.com/vnmchuo/promptdeck/internal/entitlement"
	"github.com/vnmchuo/promptdeck/internal/gate"
	"github.com/vnmchuo/promptdeck/internal/generation"
	"github.com/vnmchuo/promptdeck/internal/logger"
	"github.com/vnmchuo/promptdeck/internal/payments"
	"github.com/vnmchuo/promptdeck/internal/provider"
	"github.com/vnmchuo/promptdeck/internal/provider/claude"
	"github.com/vnmchuo/promptdeck/internal/provider/gemini"
	"github.com/vnmchuo/promptdeck/internal/provider/openai"
	"github.com/vnmchuo/promptdeck/internal/provider/replicate"
	"github.com/vnmchuo/promptdeck/internal/quota"
	"github.com/vnmchuo/promptdeck/internal/seeder"
	"github.com/vnmchuo/promptdeck/internal/store"
	"github.com/vnmchuo/promptdeck/internal/telemetry"
	"github.com/vnmchuo/promptdeck/pkg/ratelimit"
)

const (
	serviceName    = "promptdeck"
	serviceVersion = "0.1.0"
)

type stores struct {
	usage   quota.Store
	subs    entitlement.Store
	history billing.Store
	close   func()
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Logging, tracing, metrics
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: serviceName})

	shutdownTracer, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     serviceVersion,
		Exporter:    cfg.OTELExporterType,
		Endpoint:    cfg.OTELExporterEndpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// 3. Record store
	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open record store")
	}
	defer st.close()

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")

	subs := st.subs
	if cfg.EntitlementCacheTTL > 0 {
		subs = entitlement.NewCachedStore(st.subs, rdb, cfg.EntitlementCacheTTL)
	}

	// 5. Gate
	resolver := entitlement.NewResolver(subs, cfg.EntitlementGraceWindow)
	ledger := quota.NewLedger(st.usage, cfg.FreeQuotaLimit)
	g := gate.New(resolver, ledger,
		gate.WithTimeout(cfg.StoreTimeout),
		gate.WithTracer(tracer),
		gate.WithMetrics(metrics),
	)

	if cfg.RunSeed {
		if err := seeder.Seed(ctx, subs, cfg.JWTSecret, cfg.JWTIssuer); err != nil {
			log.Error().Err(err).Msg("seeding failed")
		}
	}

	// 6. Providers and handlers
	providers := buildProviders(cfg)
	router := generation.NewRouter(providers)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)
	genHandler := generation.NewHandler(router, g, st.history, limiter, tracer, metrics,
		chatModel(providers.Chat, cfg.ChatModel))

	stripeAPI := payments.NewStripeAPI(cfg.StripeSecretKey, cfg.StripePriceID)
	payHandler := payments.NewHandler(stripeAPI, subs, cfg.AppURL)
	webhook := payments.NewWebhookHandler(cfg.StripeWebhookSecret, stripeAPI, subs, metrics)

	authMiddleware := auth.NewMiddleware(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer))

	// 7. HTTP routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logger.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"promptdeck"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/api/webhook", webhook)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/api/conversation", genHandler.HandleConversation)
		r.Post("/api/conversation/stream", genHandler.HandleConversationStream)
		r.Post("/api/code", genHandler.HandleCode)
		r.Post("/api/image", genHandler.HandleImage)
		r.Post("/api/music", genHandler.HandleMusic)
		r.Post("/api/video", genHandler.HandleVideo)
		r.Get("/api/usage", genHandler.HandleUsage)
		r.Get("/api/usage/history", genHandler.HandleHistory)
		r.Get("/api/stripe", payHandler.HandleManage)
	})

	// 8. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // video predictions poll for minutes
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("promptdeck starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
		return
	}
	log.Info().Msg("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("using in-memory record store; state is lost on restart")
		return &stores{
			usage:   quota.NewMemoryStore(),
			subs:    entitlement.NewMemoryStore(),
			history: billing.NewMemoryStore(),
			close:   func() {},
		}, nil
	}

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		log.Info().Msg("migrations applied")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("postgres connected")

	return &stores{
		usage:   quota.NewPostgresStore(pool),
		subs:    entitlement.NewPostgresStore(pool),
		history: billing.NewPostgresStore(pool),
		close:   pool.Close,
	}, nil
}

// buildProviders registers every provider that has credentials.
func buildProviders(cfg *config.Config) generation.Providers {
	var p generation.Providers

	if cfg.OpenAIAPIKey != "" {
		o := openai.New(cfg.OpenAIAPIKey)
		p.Chat = append(p.Chat, o)
		p.Image = append(p.Image, o)
	}
	if cfg.GeminiAPIKey != "" {
		p.Chat = append(p.Chat, gemini.New(cfg.GeminiAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		p.Chat = append(p.Chat, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.ReplicateAPIToken != "" {
		rp := replicate.New(cfg.ReplicateAPIToken)
		p.Music = append(p.Music, rp)
		p.Video = append(p.Video, rp)
	}

	if len(p.Chat) == 0 {
		log.Warn().Msg("no chat provider configured")
	}
	return p
}

// chatModel returns model if a configured provider serves it, or "" to let
// the router pick the cheapest provider.
func chatModel(providers []provider.Provider, model string) string {
	for _, p := range providers {
		for _, m := range p.SupportedModels() {
			if m == model {
				return model
			}
		}
	}
	if model != "" {
		log.Warn().Str("model", model).Msg("configured chat model has no provider, routing by cost")
	}
	return ""
}
