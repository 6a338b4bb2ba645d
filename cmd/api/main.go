package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tvoe/clipshare/internal/api"
	"github.com/tvoe/clipshare/internal/config"
	"github.com/tvoe/clipshare/internal/db"
	"github.com/tvoe/clipshare/internal/ffmpeg"
	"github.com/tvoe/clipshare/internal/media"
	"github.com/tvoe/clipshare/internal/metrics"
	"github.com/tvoe/clipshare/internal/share"
	"github.com/tvoe/clipshare/internal/storage/local"
	"github.com/tvoe/clipshare/internal/storage/s3"
	"github.com/tvoe/clipshare/internal/sweeper"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
	logger.Info("API server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Initialize database
	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(logger); err != nil {
			return err
		}
	}

	// Initialize repositories
	mediaRepo := db.NewMediaRepository(database)
	tokenRepo := db.NewTokenRepository(database)

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize artifact store
	store, err := local.New(cfg.Storage.Root, cfg.Storage.VideosDir, logger)
	if err != nil {
		return err
	}
	manifestDir := cfg.Storage.ManifestDir
	if !filepath.IsAbs(manifestDir) {
		manifestDir = filepath.Join(store.Root(), manifestDir)
	}

	// Initialize transcode executor
	runner := ffmpeg.NewRunner(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProcessTimeout)
	executor := ffmpeg.NewExecutor(runner, ffmpeg.NewCommandBuilder("libx264", "aac"), cfg.FFmpeg.MaxParallel, logger, m)

	checks := []api.HealthCheck{
		{Name: "database", Check: database.Health},
		{Name: "storage", Check: func(context.Context) error {
			_, err := os.Stat(store.Root())
			return err
		}},
	}

	mediaOpts := media.Options{
		ManifestDir:    manifestDir,
		UploadMaxBytes: cfg.Storage.UploadMaxBytes,
		Prober:         ffmpeg.NewProber(cfg.FFmpeg.FFprobePath),
	}

	// Initialize S3 mirror
	if cfg.S3.MirrorEnabled {
		s3Client, err := s3.New(cfg.S3)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		mediaOpts.Mirror = s3.NewMirror(s3Client, cfg.S3.Prefix, logger, m)
		checks = append(checks, api.HealthCheck{Name: "s3", Check: s3Client.Health})
	}

	// Initialize services
	mediaSvc := media.NewService(mediaRepo, store, executor, mediaOpts, logger, m)
	shareSvc, err := share.NewService(tokenRepo, mediaRepo, share.Options{
		Digits:      cfg.Share.TokenDigits,
		MaxAttempts: cfg.Share.MaxIssueAttempts,
	}, logger, m)
	if err != nil {
		return err
	}

	// Initialize maintenance jobs
	sweep, err := sweeper.New(cfg.Sweep, manifestDir, store.Root(), shareSvc, logger, m)
	if err != nil {
		return err
	}

	// Initialize handler
	handler := api.NewHandler(api.HandlerConfig{
		PublicBaseURL:  cfg.API.PublicBaseURL,
		UploadMaxBytes: cfg.Storage.UploadMaxBytes,
		JobTimeout:     cfg.API.JobTimeout,
	}, mediaSvc, shareSvc, store, checks, logger)

	var auth *api.Authenticator
	if cfg.Auth.Enabled {
		auth = api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.RequiredRole)
	} else {
		logger.Warn("authentication disabled")
	}

	// Create router
	router := api.NewRouter(handler, auth, api.RouterConfig{
		RedeemRateLimit:  cfg.Share.RedeemRateLimit,
		RedeemRateWindow: cfg.Share.RedeemRateWindow,
	}, logger)

	// Create server
	server := api.NewServer(cfg.API, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		sweep.Start(gctx)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sweep.Stop(stopCtx)
		return nil
	})

	logger.Info("API server started",
		zap.Int("port", cfg.API.Port),
		zap.String("storageRoot", store.Root()),
		zap.Int("maxParallelFFmpeg", cfg.FFmpeg.MaxParallel),
	)

	return g.Wait()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
