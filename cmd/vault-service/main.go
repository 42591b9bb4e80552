package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"securevault-backend/internal/blob"
	"securevault-backend/internal/database"
	"securevault-backend/internal/ephemeral"
	adminHandler "securevault-backend/internal/handler/http/admin"
	archiveHandler "securevault-backend/internal/handler/http/archive"
	shareHandler "securevault-backend/internal/handler/http/share"
	vaultHandler "securevault-backend/internal/handler/http/vault"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/repository/cockroach"
	redisrepo "securevault-backend/internal/repository/redis"
	"securevault-backend/internal/scheduler"
	archiveService "securevault-backend/internal/service/archive"
	shareService "securevault-backend/internal/service/share"
	vaultService "securevault-backend/internal/service/vault"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/cache"
	"securevault-backend/pkg/config"
	"securevault-backend/pkg/constants"
	"securevault-backend/pkg/cryptostream"
	"securevault-backend/pkg/jwt"
	"securevault-backend/pkg/logger"
	"securevault-backend/pkg/metrics"
	"securevault-backend/pkg/password"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Build(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logger.Set(log)
	defer logger.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Vault service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Connect to CockroachDB
	dsn := cfg.Database.DSN()
	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, dsn, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	db, err := database.NewDB(ctx, dsn, database.PoolConfig(cfg.Database), log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	files := cockroach.NewFileRepository(db.Pool)

	// 3. Ephemeral store: Redis, or process memory for single-node setups
	health := map[string]middleware.HealthChecker{"database": db}
	var (
		store    ephemeral.Store
		degraded = func() bool { return false }
	)
	if cfg.Redis.Disabled {
		mem := cache.NewMemoryStore(constants.MemoryStoreMaxEntries)
		stopCleanup := mem.StartCleanup(constants.MemoryStoreCleanupInterval)
		defer stopCleanup()
		store = mem
		log.Warn("Redis disabled; share links and archives will not survive a restart")
	} else {
		rdb := database.NewRedisDB(cfg.Redis, m, log)
		defer rdb.Close()
		if err := rdb.HealthCheck(ctx); err != nil {
			log.Warn("Redis unreachable at startup", zap.Error(err))
		}
		rdb.StartHealthCheck(ctx, constants.StoreHealthCheckInterval)
		store = redisrepo.NewStore(rdb.Client)
		degraded = rdb.IsDegraded
		health["redis"] = rdb
	}
	fallback := cache.NewMemoryStore(constants.MemoryFallbackMaxEntries)
	stopFallbackCleanup := fallback.StartCleanup(constants.MemoryStoreCleanupInterval)
	defer stopFallbackCleanup()

	// 4. Blob storage
	blobs, err := newBlobStore(ctx, cfg, m, log)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.TempDir, 0o700); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	var wrapper *cryptostream.KeyWrapper
	if cfg.Crypto.MasterPassphrase != "" {
		wrapper, err = cryptostream.NewKeyWrapper([]byte(cfg.Crypto.MasterPassphrase), []byte(cfg.Crypto.MasterSalt))
		if err != nil {
			return fmt.Errorf("key wrapper: %w", err)
		}
	} else {
		log.Warn("VAULT_MASTER_PASSPHRASE not set; file keys are stored unwrapped")
	}

	// 5. Services
	auditLogger := audit.NewAuditLogger(store, cfg.Share.ActivityLength, cfg.Share.ActivityRetention, log)

	shareSvc := shareService.NewService(store, files, password.NewHasher(0, 0), auditLogger, m, shareService.Config{
		BaseURL:             cfg.Share.PublicBaseURL,
		DefaultTTL:          cfg.Share.DefaultTTL,
		DefaultMaxDownloads: cfg.Share.DefaultMaxDownloads,
		Grace:               cfg.Share.RevokeGrace,
		PasswordAttempts:    cfg.Share.PasswordAttempts,
		AttemptWindow:       cfg.Share.AttemptWindow,
		IssuerIndexLength:   cfg.Share.IssuerIndexLength,
		IndexRetention:      cfg.Share.ActivityRetention,
		ActivityLimit:       cfg.Share.ActivityLength,
	}, log)

	vaultSvc := vaultService.NewService(files, blobs, store, shareSvc, wrapper, auditLogger, m, vaultService.Config{
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		TempDir:         cfg.Storage.TempDir,
		UploadMarkerTTL: constants.UploadMarkerTTL,
		CleanupBatch:    constants.CleanupBatch,
		BulkLimit:       constants.BulkLimit,
	}, log)

	archiveSvc := archiveService.NewService(files, vaultSvc, store, auditLogger, m, archiveService.Config{
		Dir:              cfg.Storage.TempDir,
		Retention:        cfg.Archive.Retention,
		CompressionLevel: cfg.Archive.CompressionLevel,
		Concurrency:      cfg.Archive.Concurrency,
		MaxFiles:         cfg.Archive.MaxFiles,
	}, log)

	// 6. Maintenance jobs
	jobs := scheduler.New(constants.JobTimeout, log)
	for _, j := range []struct {
		name, schedule string
		fn             scheduler.JobFunc
	}{
		{constants.JobExpiredFiles, cfg.Schedule.ExpiredFiles, vaultSvc.CleanupExpiredFiles},
		{constants.JobOrphanedBlobs, cfg.Schedule.OrphanedBlobs, vaultSvc.CleanupOrphanedBlobs},
		{constants.JobStaleArchives, cfg.Schedule.StaleArchives, archiveSvc.CleanupStaleArchives},
	} {
		if err := jobs.Register(j.name, j.schedule, j.fn); err != nil {
			return fmt.Errorf("register job %s: %w", j.name, err)
		}
	}
	jobs.Start()

	// 7. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	router := gin.New()
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, health))
	router.GET("/health", func(c *gin.Context) {})
	router.GET("/metrics", middleware.MetricsHandler(m))

	shareHdlr := shareHandler.NewHandler(shareSvc, vaultSvc)

	public := router.Group("/share")
	public.Use(middleware.NewRateLimiter("share", store, fallback, degraded, cfg.Server.ShareRateLimit, cfg.Server.RateWindow).Middleware())
	shareHdlr.RegisterPublicRoutes(public)

	timeout := middleware.NewTimeoutMiddleware(&middleware.TimeoutConfig{
		DefaultTimeout: cfg.Server.RequestTimeout,
		ExemptRoutes: []string{
			"/v1/files",
			"/v1/files/:file_id/download",
			"/v1/archives/:handle",
		},
	})

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewStoreRevocationChecker(store)))
	v1.Use(middleware.NewRateLimiter("api", store, fallback, degraded, cfg.Server.RateLimit, cfg.Server.RateWindow).Middleware())
	v1.Use(middleware.NewDBPoolLimiter(db, m).Middleware())
	v1.Use(timeout.Middleware())
	vaultHandler.NewHandler(vaultSvc, cfg.Server.MaxUploadBytes).RegisterRoutes(v1)
	shareHdlr.RegisterRoutes(v1)
	archiveHandler.NewHandler(archiveSvc).RegisterRoutes(v1)
	adminHandler.NewHandler(jobs, auditLogger).RegisterRoutes(v1)

	go reportDBStats(ctx, db, m)

	// 8. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Vault service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("redis", !cfg.Redis.Disabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down vault service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	jobs.Stop(shutdownCtx)
	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageMinIO:
		client, err := blob.NewMinioClient(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return blob.NewMinioStore(ctx, client, cfg.MinIO.Bucket, cfg.MinIO.PartSize, m.Registry(), log)
	case config.StorageS3:
		client, err := blob.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(client, cfg.S3.Bucket, cfg.Storage.TempDir, m.Registry(), log), nil
	default:
		return blob.NewLocalStore(cfg.Storage.BasePath, log)
	}
}

func reportDBStats(ctx context.Context, db *database.DB, m *metrics.Metrics) {
	ticker := time.NewTicker(constants.DBStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.ReportStats(m)
		}
	}
}
