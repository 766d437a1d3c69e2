package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gridterm/internal/api"
	"gridterm/internal/config"
	"gridterm/internal/connmgr"
	"gridterm/internal/exchange"
	"gridterm/internal/keys"
	"gridterm/internal/pool"
	"gridterm/internal/repository"
	"gridterm/internal/stream"
	"gridterm/pkg/crypto"
	"gridterm/pkg/ratelimit"
	"gridterm/pkg/retry"
	"gridterm/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()

	// Шифр учётных данных. Материал ключа приходит только из
	// окружения и в логи не попадает.
	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal("failed to initialize credential cipher", zap.Error(err))
	}

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Репозитории
	keyRepo := repository.NewKeyRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	// Реестр виртуальных ключей с кэшем расшифрованных секретов
	keyCache := keys.NewSecureKeyCache(cfg.KeyCache.TTL)
	keyManager := keys.NewApiKeyManager(keyRepo, usageRepo, cipher, keyCache, logger)
	defer keyManager.Close()

	// Пул аутентифицированных REST клиентов
	limiters := ratelimit.NewRegistry()
	connPool := pool.NewPool(pool.Config{
		MaxSize:      cfg.Pool.MaxSize,
		TTL:          cfg.Pool.TTL,
		HealthStale:  cfg.Pool.HealthStale,
		BuildTimeout: cfg.Pool.BuildTimeout,
		Backoff: retry.Config{
			MaxAttempts:  cfg.Pool.BuildAttempts,
			InitialDelay: cfg.Pool.BuildBaseDelay,
			MaxDelay:     cfg.Pool.BuildTimeout,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}, keyManager, pool.DefaultClientFactory(limiters), logger)
	defer connPool.Close()

	// Деактивация ключа немедленно выселяет и кэш секретов, и пул
	keyManager.AddInvalidator(connPool)

	// Фасад соединений
	streamCfg := stream.Config{
		PingInterval:     cfg.Stream.PingInterval,
		HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
		ConnectTimeout:   cfg.Stream.ConnectTimeout,
		Reconnect: retry.Config{
			MaxAttempts:  cfg.Stream.ReconnectAttempts,
			InitialDelay: cfg.Stream.ReconnectBase,
			MaxDelay:     cfg.Stream.ReconnectCap,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}
	connManager := connmgr.NewManager(connPool, keyManager, streamCfg, logger)
	defer connManager.Close()

	// HTTP роутер операционной поверхности
	router := api.SetupRoutes(&api.Dependencies{
		KeyService:        keyManager,
		ConnectionService: connManager,
		Logger:            logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if cfg.Server.UseHTTPS {
			if err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", zap.Error(err))
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", zap.Error(err))
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Сессии, пул и реестр закрываются деферами; общий HTTP клиент - явно
	exchange.CloseGlobalClient()

	logger.Info("server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
