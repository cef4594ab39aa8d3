package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"modmaster/internal/metrics"
	"modmaster/internal/ratelimit"
	"modmaster/internal/servicetoken"
	"modmaster/internal/usertoken"
	"modmaster/internal/util"
	"modmaster/pkg/queue"
	"modmaster/pkg/recognition"
	"modmaster/pkg/statuscache"
	"modmaster/pkg/storage"
	"modmaster/pkg/store"
	"modmaster/services/scan/internal/app"
	"modmaster/services/scan/internal/config"
	"modmaster/services/scan/internal/server"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	scanStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		Region:        cfg.MinioRegion,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var cache statuscache.Cache
	switch cfg.StatusCacheBackend {
	case config.CacheBackendMemory:
		cache = statuscache.NewMemoryCache(0, cfg.StatusCacheTTL())
	default:
		redisCache, err := statuscache.NewRedisCache(statuscache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			TTL:      cfg.StatusCacheTTL(),
		})
		if err != nil {
			log.Fatalf("failed to init status cache: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
	}

	scanQueue, err := queue.NewRedisScanQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueName,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		log.Fatalf("failed to init scan queue: %v", err)
	}
	defer scanQueue.Close()

	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "scan-service",
	})
	if err != nil {
		log.Fatalf("failed to init service token signer: %v", err)
	}
	recognizer, err := recognition.NewClient(recognition.Config{
		BaseURL: cfg.RecognitionURL,
		Timeout: cfg.RecognitionTimeout(),
		Signer:  signer,
	})
	if err != nil {
		log.Fatalf("failed to init recognition client: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	scanMetrics, err := metrics.NewScanMetrics(registry)
	if err != nil {
		log.Fatalf("failed to init metrics: %v", err)
	}

	var quota server.UploadQuota
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadQuota, err := ratelimit.NewOwnerQuota(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "modmaster:scan:quota",
			Limit:    cfg.UploadRateLimitPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			log.Fatalf("failed to init upload quota: %v", err)
		}
		defer uploadQuota.Close()
		quota = uploadQuota
	}

	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:              scanStore,
		Objects:            objects,
		Cache:              cache,
		Dispatcher:         scanQueue,
		Recognizer:         recognizer,
		Notifier:           app.NewNotifier(cfg.NotifyURL, signer),
		Metrics:            scanMetrics,
		RecognitionTimeout: cfg.RecognitionTimeout(),
		MaxUploadBytes:     cfg.MaxUploadBytes,
		ImageMaxDimension:  cfg.ImageMaxDimension,
		ImageJPEGQuality:   cfg.ImageJPEGQuality,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       tokenVerifier,
		Quota:          quota,
		Metrics:        scanMetrics,
		Gatherer:       registry,
		TrustedProxies: trusted,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("scan server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scanQueue.Start(gctx, cfg.QueueConcurrency, appCore.HandleDispatch); err != nil {
			return err
		}
		slog.Info("scan workers started", "concurrency", cfg.QueueConcurrency, "stream", cfg.QueueName)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		scanQueue.Stop()
		slog.Info("scan server stopped")
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
