// Пакет config: загрузка и валидация конфигурации Relay Portal
// из переменных окружения.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Relay Portal.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT (identity-сервис) ---

	// Ожидаемый issuer JWT (пустой: не проверяется)
	JWTIssuer string
	// URL JWKS endpoint identity-сервиса
	JWTJWKSURL string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Путь к CA-сертификату для TLS к JWKS и FTPS-назначениям (опционально)
	CACertPath string
	// Не проверять сертификат JWKS в dephealth (только для dev)
	JWKSTLSSkipVerify bool

	// --- Маппинг групп → ролей ---

	// Группы, дающие роль staff (через запятую)
	RoleStaffGroups []string
	// Группы, дающие роль client (через запятую)
	RoleClientGroups []string

	// --- Relay ---

	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Таймаут одной попытки relay (проверки + доставка)
	RelayTimeout time.Duration
	// Таймаут установки FTP control-соединения
	FTPDialTimeout time.Duration
	// Не проверять сертификат FTP-сервера (только для dev)
	FTPTLSSkipVerify bool
	// Размер LRU-кэша конфигураций назначения
	DestinationCacheSize int
	// TTL записи кэша конфигураций назначения
	DestinationCacheTTL time.Duration
	// Ключ AES-256 для шифрования FTP-паролей в БД (32 байта, опционально)
	CredentialKey []byte

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FR_PORT: порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("FR_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FR_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FR_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FR_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FR_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FR_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FR_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("FR_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("FR_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FR_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("FR_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("FR_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("FR_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("FR_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("FR_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	// FR_JWT_JWKS_URL: обязательный, identity-сервис непрозрачен для портала
	cfg.JWTJWKSURL, err = getEnvRequired("FR_JWT_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("FR_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("FR_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("FR_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FR_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWKSClientTimeout, err = getEnvDuration("FR_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.CACertPath = getEnvDefault("FR_CA_CERT_PATH", "")

	cfg.JWKSTLSSkipVerify, err = getEnvBool("FR_JWKS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("FR_JWKS_TLS_SKIP_VERIFY: %w", err)
	}

	// --- Маппинг групп → ролей ---

	cfg.RoleStaffGroups = parseCSV(getEnvDefault("FR_ROLE_STAFF_GROUPS", "fileflow-staff"))
	cfg.RoleClientGroups = parseCSV(getEnvDefault("FR_ROLE_CLIENT_GROUPS", "fileflow-clients"))

	// --- Relay ---

	// FR_MAX_FILE_SIZE: потолок размера файла (по умолчанию 50 МБ)
	cfg.MaxFileSize, err = getEnvInt64("FR_MAX_FILE_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FR_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < 1 {
		return nil, fmt.Errorf("FR_MAX_FILE_SIZE: значение %d должно быть положительным", cfg.MaxFileSize)
	}

	cfg.RelayTimeout, err = getEnvDuration("FR_RELAY_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FR_RELAY_TIMEOUT: %w", err)
	}

	cfg.FTPDialTimeout, err = getEnvDuration("FR_FTP_DIAL_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_FTP_DIAL_TIMEOUT: %w", err)
	}

	cfg.FTPTLSSkipVerify, err = getEnvBool("FR_FTP_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("FR_FTP_TLS_SKIP_VERIFY: %w", err)
	}

	cfg.DestinationCacheSize, err = getEnvInt("FR_DESTINATION_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("FR_DESTINATION_CACHE_SIZE: %w", err)
	}
	if cfg.DestinationCacheSize < 1 {
		return nil, fmt.Errorf("FR_DESTINATION_CACHE_SIZE: значение %d должно быть положительным", cfg.DestinationCacheSize)
	}

	cfg.DestinationCacheTTL, err = getEnvDuration("FR_DESTINATION_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FR_DESTINATION_CACHE_TTL: %w", err)
	}

	// FR_CREDENTIAL_KEY: 32 байта как есть или в base64 (опционально)
	if raw := getEnvDefault("FR_CREDENTIAL_KEY", ""); raw != "" {
		cfg.CredentialKey, err = decodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("FR_CREDENTIAL_KEY: %w", err)
		}
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FR_DEPHEALTH_GROUP", "fileflow")

	cfg.DephealthCheckInterval, err = getEnvDuration("FR_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("FR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FR_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// decodeKey принимает ключ длиной 32 байта как есть либо в base64.
func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("ключ должен быть 32 байта или base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("некорректная длина ключа %d, ожидается 32", len(key))
	}
	return key, nil
}
