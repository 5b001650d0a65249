// Точка входа relay-портала.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает репозитории, FTP-клиент и сервисный слой, запускает
// topologymetrics и HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fileflow/relay-portal/internal/api/handlers"
	"github.com/fileflow/relay-portal/internal/api/middleware"
	"github.com/fileflow/relay-portal/internal/config"
	"github.com/fileflow/relay-portal/internal/database"
	"github.com/fileflow/relay-portal/internal/ftpclient"
	"github.com/fileflow/relay-portal/internal/repository"
	"github.com/fileflow/relay-portal/internal/server"
	"github.com/fileflow/relay-portal/internal/service"
)

func main() {
	// 1. Конфигурация из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Relay Portal запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("FR_DEPHEALTH_GROUP") == "" {
		logger.Warn("FR_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}
	if len(cfg.CredentialKey) == 0 {
		logger.Warn("FR_CREDENTIAL_KEY не задан: пароли FTP хранятся без шифрования")
	}

	// 3. Миграции
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. PostgreSQL
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт через тот же пул
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	recordRepo := repository.NewTransferRecordRepository(pool)
	destRepo := repository.NewDestinationRepository(pool)
	accessRepo := repository.NewAccessRepository(pool)

	// 6. FTP-клиент
	ftpClient, err := ftpclient.New(cfg.CACertPath, cfg.FTPDialTimeout, cfg.FTPTLSSkipVerify, logger)
	if err != nil {
		logger.Error("Ошибка создания FTP-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.FTPTLSSkipVerify {
		logger.Warn("Проверка сертификатов FTPS отключена (FR_FTP_TLS_SKIP_VERIFY)")
	}

	// 7. Services
	cipher, err := service.NewCredentialCipher(cfg.CredentialKey)
	if err != nil {
		logger.Error("Ошибка инициализации шифрования паролей", slog.String("error", err.Error()))
		os.Exit(1)
	}
	destinationsSvc := service.NewDestinationService(
		destRepo, cipher, ftpClient,
		cfg.DestinationCacheSize, cfg.DestinationCacheTTL,
		logger,
	)
	relaySvc := service.NewRelayService(
		service.NewAccessPolicy(accessRepo, logger),
		service.NewFileValidator(accessRepo, cfg.MaxFileSize),
		destinationsSvc,
		recordRepo,
		ftpClient,
		cfg.RelayTimeout,
		logger,
	)
	transfersSvc := service.NewTransferService(recordRepo, accessRepo, logger)

	// 8. Readiness checkers (PostgreSQL + JWKS)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.CACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), jwksChecker)

	// 9. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		relaySvc,
		transfersSvc,
		destinationsSvc,
		cfg.MaxFileSize,
		logger,
	)

	// 10. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.CACertPath,
		cfg.JWTIssuer,
		cfg.RoleStaffGroups,
		cfg.RoleClientGroups,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 11. topologymetrics: мониторинг зависимостей (PostgreSQL + JWKS)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:      "relay-portal",
		Group:          cfg.DephealthGroup,
		DB:             pgDB,
		PgConnURL:      cfg.DatabaseURL(),
		JWKSURL:        cfg.JWTJWKSURL,
		JWKSSkipVerify: cfg.JWKSTLSSkipVerify,
		CheckInterval:  cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 12. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	runErr := srv.Run()

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}

	logger.Info("Relay Portal остановлен")
}
