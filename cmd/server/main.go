package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bothost/internal/auth"
	"bothost/internal/backup"
	"bothost/internal/bots"
	"bothost/internal/config"
	"bothost/internal/db"
	"bothost/internal/engine"
	"bothost/internal/handlers"
	"bothost/internal/logging"
	"bothost/internal/logstream"
	"bothost/internal/metrics"
	"bothost/internal/middleware"
	"bothost/internal/runtimes"
	"bothost/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 15 * time.Second
	collectorInterval = 30 * time.Second
	authPerMinute     = 10
)

func main() {
	envErr := godotenv.Load()
	if envErr != nil {
		// Try parent directory for .env
		envErr = godotenv.Load("../.env")
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}

	cfg := config.Load()
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.NewDatabase(db.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.SeedPlans(ctx); err != nil {
		log.Fatal("failed to seed plans", zap.Error(err))
	}

	store := db.NewStore(database.DB)

	authOpts := []auth.Option{auth.WithTokenExpiry(cfg.TokenTTL)}
	if cfg.JWTSecretOld != "" {
		authOpts = append(authOpts, auth.WithPreviousSecret(cfg.JWTSecretOld))
	}
	authService := auth.NewAuthService(store, cfg.JWTSecret, authOpts...)

	if cfg.OwnerEmail != "" {
		if err := seedOwner(ctx, database, authService, cfg); err != nil {
			log.Warn("owner account not seeded", zap.Error(err))
		}
	}

	eng, err := engine.NewFromEnv(cfg.DockerHost,
		engine.WithTimeouts(engine.Timeouts{Start: cfg.StartTimeout, Build: cfg.BuildTimeout}),
		engine.WithLogger(log.Named("engine")))
	if err != nil {
		log.Fatal("failed to create container engine client", zap.Error(err))
	}
	defer eng.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := eng.Ping(pingCtx); err != nil {
		// Bots stay usable once the daemon comes back; health reports degraded meanwhile.
		log.Warn("container engine unreachable", zap.Error(err))
	}
	pingCancel()

	backups, err := openBackups(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open backup storage", zap.Error(err))
	}

	storageOpts := []storage.Option{
		storage.WithMaxFileSize(cfg.MaxUploadBytes),
		storage.WithLogger(log.Named("storage")),
	}
	serviceOpts := []bots.Option{
		bots.WithStopGrace(cfg.StopGrace),
		bots.WithLogger(log.Named("bots")),
	}
	if backups != nil {
		storageOpts = append(storageOpts, storage.WithArchiver(backups))
		serviceOpts = append(serviceOpts, bots.WithBackups(backups))
	}

	files, err := storage.New(cfg.StorageRoot, storageOpts...)
	if err != nil {
		log.Fatal("failed to prepare bot storage", zap.Error(err))
	}

	botService := bots.NewService(store, eng, files, runtimes.Default(), serviceOpts...)
	gateway := logstream.NewGateway(botService, eng, log.Named("logstream"))
	botService.SetStreams(gateway)

	reconciler := bots.NewReconciler(botService, cfg.ReconcileInterval)
	reconciler.Start(ctx)

	collector := metrics.NewCollector(database.DB, eng, collectorInterval)
	collector.Start(ctx)

	ipLimiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute)
	authIPLimiter := middleware.NewIPRateLimiter(authPerMinute, authPerMinute)
	var limiter, authLimiter middleware.Limiter = ipLimiter, authIPLimiter

	if cfg.RedisURL != "" {
		redisClient, err := db.NewRedisClient(ctx, db.RedisConfigFromEnv(cfg.RedisURL))
		if err != nil {
			log.Warn("redis unavailable, rate limiting per instance", zap.Error(err))
		} else {
			defer redisClient.Close()
			limiter = middleware.NewRedisRateLimiter(redisClient, "ratelimit:api", cfg.RateLimitPerMinute, time.Minute, ipLimiter)
			authLimiter = middleware.NewRedisRateLimiter(redisClient, "ratelimit:auth", authPerMinute, time.Minute, authIPLimiter)
		}
	}

	h := handlers.NewHandler(handlers.Dependencies{
		Bots:           botService,
		Auth:           authService,
		Store:          store,
		Logs:           gateway,
		Backups:        backups,
		Database:       database,
		Engine:         eng,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log.Named("handlers"),
	})
	router := h.NewRouter(handlers.RouterOptions{
		Limiter:     limiter,
		AuthLimiter: authLimiter,
		Metrics:     true,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	log.Info("bothost listening",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.Bool("backups", backups != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests first; websocket streams end with the
	// request contexts.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}

	reconciler.Stop()
	collector.Stop()
	ipLimiter.Stop()
	authIPLimiter.Stop()
	cancel()

	// Bot containers keep running; the next start reconciles them.
	log.Info("shutdown complete")
}

// seedOwner ensures the configured owner account exists.
func seedOwner(ctx context.Context, database *db.Database, authService *auth.AuthService, cfg *config.Config) error {
	email, err := auth.NormalizeEmail(cfg.OwnerEmail)
	if err != nil {
		return err
	}
	// Without a password an existing account is only promoted.
	hash := ""
	if cfg.OwnerPassword != "" {
		if err := auth.ValidatePassword(cfg.OwnerPassword); err != nil {
			return err
		}
		if hash, err = authService.HashPassword(cfg.OwnerPassword); err != nil {
			return err
		}
	}
	return database.SeedOwner(ctx, email, hash)
}

// openBackups returns nil when neither a bucket nor a local directory is
// configured.
func openBackups(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backup.Manager, error) {
	provider, err := backup.OpenStorage(ctx, cfg)
	if err != nil || provider == nil {
		return nil, err
	}
	return backup.NewManager(provider, backup.Config{
		EncryptionKey: cfg.BackupKey,
		Retain:        cfg.BackupRetain,
	}, log.Named("backup")), nil
}
