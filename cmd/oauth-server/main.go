// Package main provides the entry point for the OAuth authorization server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/authz-engine/oauth-core/internal/audit"
	"github.com/authz-engine/oauth-core/internal/authcode"
	"github.com/authz-engine/oauth-core/internal/clientauth"
	"github.com/authz-engine/oauth-core/internal/config"
	"github.com/authz-engine/oauth-core/internal/db"
	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/keys"
	"github.com/authz-engine/oauth-core/internal/metrics"
	"github.com/authz-engine/oauth-core/internal/oauth"
	"github.com/authz-engine/oauth-core/internal/ratelimit"
	"github.com/authz-engine/oauth-core/internal/refresh"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/server"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		port            = flag.Int("port", 0, "HTTP server port (overrides config)")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("oauth-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Info("Starting OAuth authorization server",
		zap.String("version", Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Port),
	)

	// Repository: Postgres when configured, in-memory otherwise.
	var (
		repo  storage.Repository
		sqlDB *sql.DB
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sqlDB.PingContext(ctx); err != nil {
			cancel()
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		cancel()

		runner, err := db.NewMigrationRunner(sqlDB, logger)
		if err != nil {
			logger.Fatal("Failed to create migration runner", zap.Error(err))
		}
		if err := runner.Up(); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}

		repo = storage.NewPostgresRepository(sqlDB)
		logger.Info("Connected to PostgreSQL")
	} else {
		repo = storage.NewMemoryRepository()
		logger.Warn("DATABASE_URL not set, using in-memory storage; all state is lost on restart")
	}

	// Redis backs the JTI blacklist and the rate limiter when available.
	var (
		blacklist   storage.JTIBlacklist = repo
		limiter     ratelimit.Limiter
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		cancel()

		blacklist = storage.NewRedisBlacklist(redisClient, logger)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
		logger.Info("Redis not configured, using in-process blacklist and rate limiter")
	}

	// Signing keys: loaded from config, optionally hot-reloaded and rotated.
	keySvc, err := keys.Load(&cfg.JWT, cfg.IsProduction(), logger)
	if err != nil {
		logger.Fatal("Failed to load signing keys", zap.Error(err))
	}
	defer keySvc.Close()

	if cfg.JWT.PrivateKeyPath != "" {
		watcher, err := keys.NewWatcher(keySvc, cfg.JWT.PrivateKeyPath, logger)
		if err != nil {
			logger.Warn("Key file watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}
	if cfg.JWT.RotationInterval > 0 {
		keySvc.StartRotation(cfg.JWT.RotationInterval)
	}

	engine, err := jwt.NewEngine(keySvc, blacklist, jwt.Options{
		Issuer:          cfg.JWT.Issuer,
		Audience:        cfg.JWT.Audience,
		AccessTokenTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTokenTTL: cfg.JWT.RefreshTokenTTL,
		IDTokenTTL:      cfg.JWT.IDTokenTTL,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create token engine", zap.Error(err))
	}

	// Audit trail: repository sink always, rotating file sink when configured.
	sinks := []audit.Sink{audit.NewRepositorySink(repo)}
	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(cfg.Audit.FilePath, cfg.Audit.MaxSizeMB, cfg.Audit.MaxAgeDays, cfg.Audit.MaxBackups)
		if err != nil {
			logger.Fatal("Failed to open audit log file", zap.Error(err))
		}
		sinks = append(sinks, fileSink)
	}
	auditLogger := audit.NewLogger(audit.Config{BufferSize: cfg.Audit.BufferSize}, logger, sinks...)
	defer auditLogger.Close()

	svc := oauth.NewService(oauth.Config{
		Repo:          repo,
		Authenticator: clientauth.NewAuthenticator(repo, cfg.JWT.Issuer, logger),
		Codes:         authcode.NewStore(logger),
		Rotator:       refresh.NewRotator(engine, logger),
		Engine:        engine,
		Scopes:        scope.NewResolver(repo),
		Audit:         auditLogger,
		Logger:        logger,
		IssuerURL:     cfg.JWT.Issuer,
	})

	srvConfig := server.DefaultConfig()
	srvConfig.Port = cfg.Port
	srvConfig.Version = Version
	srvConfig.DisableRateLimit = cfg.RateLimit.Disabled

	srv, err := server.New(srvConfig, svc, keySvc, limiter, metrics.New("oauth"), logger)
	if err != nil {
		logger.Fatal("Failed to create HTTP server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
		if err := limiter.Close(); err != nil {
			logger.Warn("Rate limiter close failed", zap.Error(err))
		}
		if sqlDB != nil {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("Database close failed", zap.Error(err))
			}
		}
	}

	logger.Info("Server stopped successfully")
}

// initLogger initializes the zap logger
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
