package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/idverify/internal/auth"
	"github.com/example/idverify/internal/handlers"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/usecase"
	"github.com/example/idverify/internal/verification"
	"github.com/example/idverify/internal/workflow"
)

type config struct {
	listenAddr     string
	serviceURL     string
	requestTimeout time.Duration
	sessionTimeout time.Duration
	databaseDSN    string
	redisAddr      string
	jwtSecret      string
	jwtAudience    string
}

func loadConfig(logger *zap.Logger) config {
	cfg := config{
		listenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		serviceURL:     getEnv("VERIFY_SERVICE_URL", "http://verification-service:5000"),
		requestTimeout: verification.DefaultTimeout,
		sessionTimeout: workflow.DefaultIdleTimeout,
		databaseDSN:    getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=idverify port=5432 sslmode=disable"),
		redisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		jwtSecret:      getEnv("JWT_SECRET", "dev-secret"),
		jwtAudience:    os.Getenv("JWT_AUDIENCE"),
	}

	cfg.requestTimeout = durationEnv(logger, "VERIFY_REQUEST_TIMEOUT", cfg.requestTimeout)
	cfg.sessionTimeout = durationEnv(logger, "SESSION_TIMEOUT", cfg.sessionTimeout)
	return cfg
}

func durationEnv(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		logger.Warn("ignoring invalid duration", zap.String("key", key), zap.String("value", raw), zap.Error(err))
		return fallback
	}
	return value
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := loadConfig(logger)

	db := initDatabase(ctx, cfg.databaseDSN, logger)
	repo := repository.NewVerdictRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.redisAddr, logger)

	client := verification.NewClient(cfg.serviceURL, cfg.requestTimeout, logger)
	if err := client.HealthCheck(ctx); err != nil {
		logger.Warn("verification service not reachable at startup", zap.String("url", cfg.serviceURL), zap.Error(err))
	}

	archive := usecase.NewVerdictArchive(repo, usecase.NewRedisCache(redisClient), logger)
	manager := workflow.NewManager(func(ownerID string) *workflow.Workflow {
		return workflow.New(client, logger, workflow.WithVerdictSink(archive.ForOwner(ownerID)))
	}, logger, workflow.WithIdleTimeout(cfg.sessionTimeout))
	defer manager.Close()

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.NewTokenVerifier(cfg.jwtSecret, cfg.jwtAudience))
	handlers.RegisterRoutes(r, manager, archive, authMiddleware)

	server := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: r,
	}

	logger.Info("identity verification API listening", zap.String("addr", cfg.listenAddr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
