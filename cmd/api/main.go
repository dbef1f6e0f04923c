package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"wrapserver/internal/adapter/repo"
	"wrapserver/internal/http/handlers"
	"wrapserver/internal/http/httpapi"
	"wrapserver/internal/inference"
	"wrapserver/internal/infra"
	"wrapserver/internal/infra/geoip"
	"wrapserver/internal/middleware"
	"wrapserver/internal/service"
	"wrapserver/internal/statuscache"
	"wrapserver/internal/steplog"
	"wrapserver/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg, "api")

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, status cache disabled")
			rdb = nil
		}
	}

	store, err := newStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object storage")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable")
	}
	var lookup middleware.CountryLookup
	if resolver != nil {
		lookup = resolver.CountryCode
	}

	tasks := repo.NewTaskRepository(pool)
	svc := service.NewGenerationService(
		repo.NewCreditLedger(pool),
		tasks,
		repo.NewWrapRepository(pool),
		store,
		inference.NewClient(inference.Options{
			APIKey:  cfg.InferenceAPIKey,
			BaseURL: cfg.InferenceBaseURL,
			Model:   cfg.InferenceModel,
			Timeout: cfg.InferenceTimeout,
		}),
		service.NewHTTPFetcher(nil, int64(cfg.MaxReferenceBytes)*4),
		steplog.New(tasks, logger),
		logger,
		service.GenerationConfig{
			CreditCost:        cfg.GenerationCost,
			MaxReferences:     cfg.MaxReferenceImages,
			MaxReferenceBytes: cfg.MaxReferenceBytes,
			StrictReferences:  cfg.ReferenceUploadStrict,
			ReferenceHosts:    cfg.ReferenceHostAllow,
			MaskBaseURL:       cfg.MaskBaseURL,
		},
	)

	cache := statuscache.New(rdb, cfg.StatusThrottle, cfg.StatusCacheTTL, logger)
	app := handlers.NewApp(svc, cache, logger, cfg.StatusRetryAfterSec)

	router := httpapi.NewRouter(httpapi.RouterOptions{
		App:             app,
		JWTSecret:       cfg.JWTSecret,
		Log:             logger,
		CountryLookup:   lookup,
		DefaultLocale:   cfg.DefaultLocale,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func newStore(cfg *infra.Config) (storage.Store, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewMinioStore(storage.MinioOptions{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			BaseURL:   cfg.StorageBaseURL,
		})
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
