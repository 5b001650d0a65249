// dephealth.go: интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Мониторятся две зависимости:
//   - PostgreSQL: SQL checker через существующий pgxpool (connection pool mode, critical)
//   - JWKS: HTTP checker к endpoint ключей провайдера идентификации (critical)
//
// FTP-назначения не мониторятся: их много, они внешние для каждой компании
// и проверяются по запросу через POST /api/v1/destinations/{tenantID}/test.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для JWKS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig: параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID: имя вершины графа текущего приложения
	ServiceID string
	// Group: имя группы в метриках (FR_DEPHEALTH_GROUP)
	Group string
	// DB: *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL: URL PostgreSQL для лейблов метрик, не для подключения
	PgConnURL string
	JWKSURL   string
	// JWKSSkipVerify: не проверять TLS-сертификат JWKS (dev)
	JWKSSkipVerify bool
	CheckInterval  time.Duration
}

// DephealthService: сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	// HTTP checker к JWKS endpoint
	jwksDep := dephealth.HTTP("identity-jwks",
		dephealth.FromURL(cfg.JWKSURL),
		dephealth.WithHTTPHealthPath(jwksHealthPath(cfg.JWKSURL)),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	)
	if cfg.JWKSSkipVerify {
		jwksDep = dephealth.HTTP("identity-jwks",
			dephealth.FromURL(cfg.JWKSURL),
			dephealth.WithHTTPHealthPath(jwksHealthPath(cfg.JWKSURL)),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
		)
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PgConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
		jwksDep,
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// jwksHealthPath возвращает path самого JWKS URL, так как провайдер может не отдавать /health
// на публичном порту. Для пустого path используется /health.
func jwksHealthPath(jwksURL string) string {
	if parsed, err := url.Parse(jwksURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/health"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + JWKS)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ: имя зависимости, значение, true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
