package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/keyproxy/internal/api"
	"github.com/felipepmaragno/keyproxy/internal/auth"
	"github.com/felipepmaragno/keyproxy/internal/config"
	"github.com/felipepmaragno/keyproxy/internal/crypto"
	"github.com/felipepmaragno/keyproxy/internal/domain"
	"github.com/felipepmaragno/keyproxy/internal/httputil"
	"github.com/felipepmaragno/keyproxy/internal/notifications"
	"github.com/felipepmaragno/keyproxy/internal/provider/anthropic"
	"github.com/felipepmaragno/keyproxy/internal/provider/gemini"
	"github.com/felipepmaragno/keyproxy/internal/provider/geminiimage"
	"github.com/felipepmaragno/keyproxy/internal/provider/openai"
	"github.com/felipepmaragno/keyproxy/internal/ratelimit"
	"github.com/felipepmaragno/keyproxy/internal/repository"
	"github.com/felipepmaragno/keyproxy/internal/router"
	"github.com/felipepmaragno/keyproxy/internal/secrets"
	"github.com/felipepmaragno/keyproxy/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting keyproxy", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.AppName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	var secretStore *secrets.AWSSecretsManager
	if cfg.UseSecretManager {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets manager client", "error", err)
			os.Exit(1)
		}
		if err := cfg.ApplySecrets(ctx, secretStore); err != nil {
			slog.Error("failed to load secrets", "error", err)
			os.Exit(1)
		}
		slog.Info("using aws secrets manager", "region", cfg.AWSRegion)
	}

	var checkers []api.HealthChecker

	var productSource *repository.PostgresProductSource
	if cfg.DatabaseURL != "" {
		db, source, err := openProductSource(ctx, cfg)
		if err != nil {
			slog.Error("failed to open product database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		productSource = source
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres product source")
	}

	products, err := loadProducts(ctx, cfg, productSource)
	if err != nil {
		slog.Error("failed to load products", "error", err)
		os.Exit(1)
	}
	productRepo := repository.NewInMemoryProductRepository(products)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		slog.Error("failed to build verifier", "error", err)
		os.Exit(1)
	}

	limitCfg := ratelimit.Config{
		Capacity:        float64(cfg.RateLimit.BucketCapacity),
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
		DailyQuota:      cfg.RateLimit.DailyQuota,
	}

	var limiter ratelimit.Limiter
	var dedup notifications.Deduplicator
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, limitCfg, ratelimit.WithPrefix(cfg.RedisPrefix))
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		dedup = notifications.NewRedisDeduplicator(redisLimiter.Client(), cfg.RedisPrefix)
		checkers = append(checkers, api.NewRedisHealthChecker(redisLimiter.Client()))
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewMemoryLimiter(limitCfg)
		dedup = notifications.NewInMemoryDeduplicator()
		slog.Info("using in-memory rate limiter")
	}

	var notifier notifications.Notifier
	if cfg.QuotaAlertTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.QuotaAlertTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("quota alerts enabled", "topic", cfg.QuotaAlertTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	clientCfg := httputil.DefaultConfig()
	clientCfg.Timeout = cfg.RequestTimeout
	client := httputil.NewClient(clientCfg)

	images := geminiimage.New(client)
	providerRouter := router.New(
		openai.New(client),
		anthropic.New(client, cfg.MaxTokens),
		gemini.New(client, images),
	)
	slog.Info("registered providers", "providers", providerRouter.ListProviders())

	handler := api.NewHandler(api.HandlerConfig{
		AppName:      cfg.AppName,
		Verifier:     verifier,
		Products:     productRepo,
		Limiter:      limiter,
		Router:       providerRouter,
		GeminiImages: images,
		Alerts:       notifications.NewQuotaAlerter(notifier, dedup),
		Limits: api.Limits{
			MaxTokens:      cfg.MaxTokens,
			MinTemperature: cfg.MinTemperature,
			MaxTemperature: cfg.MaxTemperature,
		},
		Checkers: checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		if err := reload(ctx, secretStore, productSource, productRepo, handler); err != nil {
			slog.Error("reload failed, keeping current configuration", "error", err)
			continue
		}
		slog.Info("configuration reloaded")
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func openProductSource(ctx context.Context, cfg *config.Config) (*sql.DB, *repository.PostgresProductSource, error) {
	cipher, err := crypto.NewKeyCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	source := repository.NewPostgresProductSource(db, cipher)
	if err := source.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := source.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, source, nil
}

func loadProducts(ctx context.Context, cfg *config.Config, source *repository.PostgresProductSource) (map[string]*domain.Product, error) {
	if source == nil {
		return cfg.Products()
	}
	stored, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Products(stored)
}

func buildVerifier(cfg *config.Config) (*auth.Verifier, error) {
	keys, err := auth.ParsePublicKeys(cfg.JWTPublicKeys)
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(auth.Config{
		JWTKeys:        keys,
		HMACSecrets:    cfg.ClientHMACSecrets,
		Audience:       cfg.JWTAudience,
		ClockTolerance: cfg.HMACClockTolerance,
	}), nil
}

// reload rebuilds products and credentials from scratch and swaps them in.
// Nothing is swapped unless every step succeeds.
func reload(ctx context.Context, store *secrets.AWSSecretsManager, source *repository.PostgresProductSource, repo *repository.InMemoryProductRepository, handler *api.Handler) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if store != nil {
		store.Invalidate()
		if err := cfg.ApplySecrets(ctx, store); err != nil {
			return err
		}
	}

	products, err := loadProducts(ctx, cfg, source)
	if err != nil {
		return err
	}
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	repo.Replace(products)
	handler.SetVerifier(verifier)
	slog.Info("products loaded", "count", len(products))
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
