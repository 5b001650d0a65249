// destinations.go: реестр FTP-назначений компаний.
// Resolve обслуживает relay через LRU-кэш с TTL, CRUD-операции
// инвалидируют запись кэша при любом изменении.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/repository"
)

// Prometheus-метрики кэша назначений.
var (
	destinationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_destination_cache_hits_total",
		Help: "Общее количество попаданий в кэш FTP-назначений.",
	})
	destinationCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_destination_cache_misses_total",
		Help: "Общее количество промахов кэша FTP-назначений.",
	})
)

// Значения по умолчанию для новых назначений.
const (
	defaultFTPPort  = 21
	defaultBasePath = "/"
)

// Prober проверяет доступность назначения.
type Prober interface {
	Probe(ctx context.Context, dest *model.Destination) error
}

// CreateDestinationParams: параметры нового назначения.
type CreateDestinationParams struct {
	TenantID string
	Host     string
	Port     *int
	Username string
	Secret   string
	BasePath *string
	UseTLS   *bool
}

// UpdateDestinationParams: частичное обновление. nil, поле не меняется.
type UpdateDestinationParams struct {
	Host     *string
	Port     *int
	Username *string
	Secret   *string
	BasePath *string
	UseTLS   *bool
}

// ConnectionCheck: результат проверки соединения с назначением.
type ConnectionCheck struct {
	OK      bool
	Message string
}

// DestinationService: реестр и управление FTP-назначениями.
type DestinationService struct {
	repo   repository.DestinationRepository
	cipher *CredentialCipher
	prober Prober
	cache  *expirable.LRU[string, *model.Destination]
	logger *slog.Logger

	// gens: поколение конфигурации компании, растёт при каждом изменении.
	// Resolve кладёт запись в кэш, только если поколение не сменилось
	// за время чтения из БД.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewDestinationService создаёт сервис назначений.
// cacheSize: максимум записей в кэше, ttl, время жизни записи.
func NewDestinationService(
	repo repository.DestinationRepository,
	cipher *CredentialCipher,
	prober Prober,
	cacheSize int,
	ttl time.Duration,
	logger *slog.Logger,
) *DestinationService {
	return &DestinationService{
		repo:   repo,
		cipher: cipher,
		prober: prober,
		cache:  expirable.NewLRU[string, *model.Destination](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "destination_service")),
		gens:   make(map[string]uint64),
	}
}

// Resolve возвращает параметры назначения компании с расшифрованным паролем.
// ErrDestinationNotFound: назначение не настроено.
func (s *DestinationService) Resolve(ctx context.Context, tenantID string) (*model.Destination, error) {
	if cached, ok := s.cache.Get(tenantID); ok {
		destinationCacheHits.Inc()
		dest := *cached
		return &dest, nil
	}
	destinationCacheMisses.Inc()

	gen := s.generation(tenantID)
	dest, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDestinationNotFound
		}
		return nil, fmt.Errorf("получение назначения: %w", err)
	}

	dest.Secret, err = s.cipher.Decrypt(dest.Secret)
	if err != nil {
		return nil, fmt.Errorf("расшифровка пароля назначения %s: %w", tenantID, err)
	}

	cached := *dest
	s.cacheIfCurrent(tenantID, gen, &cached)
	return dest, nil
}

func (s *DestinationService) generation(tenantID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[tenantID]
}

// cacheIfCurrent кэширует dest, если с момента чтения поколения
// конфигурация компании не менялась.
func (s *DestinationService) cacheIfCurrent(tenantID string, gen uint64, dest *model.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[tenantID] != gen {
		return
	}
	s.cache.Add(tenantID, dest)
}

// invalidate сбрасывает кэш компании и сдвигает поколение: чтение,
// начатое до изменения, в кэш уже не попадёт.
func (s *DestinationService) invalidate(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[tenantID]++
	s.cache.Remove(tenantID)
}

// Get возвращает назначение по tenantID (секрет не расшифровывается).
func (s *DestinationService) Get(ctx context.Context, tenantID string) (*model.Destination, error) {
	dest, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: назначение для %s", ErrNotFound, tenantID)
		}
		return nil, fmt.Errorf("получение назначения: %w", err)
	}
	return dest, nil
}

// List возвращает все назначения.
func (s *DestinationService) List(ctx context.Context) ([]*model.Destination, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка назначений: %w", err)
	}
	return list, nil
}

// Create создаёт назначение. Порт по умолчанию 21, basePath "/", TLS включён.
func (s *DestinationService) Create(ctx context.Context, params CreateDestinationParams) (*model.Destination, error) {
	dest := &model.Destination{
		TenantID: strings.TrimSpace(params.TenantID),
		Host:     strings.TrimSpace(params.Host),
		Port:     defaultFTPPort,
		Username: params.Username,
		BasePath: defaultBasePath,
		UseTLS:   true,
	}
	if params.Port != nil {
		dest.Port = *params.Port
	}
	if params.BasePath != nil {
		dest.BasePath = normalizeBasePath(*params.BasePath)
	}
	if params.UseTLS != nil {
		dest.UseTLS = *params.UseTLS
	}

	if !IsValidIdentifier(dest.TenantID) {
		return nil, fmt.Errorf("%w: некорректный tenant_id %q", ErrValidation, params.TenantID)
	}
	if err := validateDestination(dest); err != nil {
		return nil, err
	}

	secret, err := s.cipher.Encrypt(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("шифрование пароля: %w", err)
	}
	dest.Secret = secret

	if err := s.repo.Create(ctx, dest); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: назначение для %s уже существует", ErrConflict, dest.TenantID)
		}
		return nil, fmt.Errorf("сохранение назначения: %w", err)
	}
	s.invalidate(dest.TenantID)

	s.logger.Info("Назначение создано",
		slog.String("tenant_id", dest.TenantID),
		slog.String("address", dest.Address()),
		slog.Bool("use_tls", dest.UseTLS),
	)
	return dest, nil
}

// Update частично обновляет назначение.
func (s *DestinationService) Update(ctx context.Context, tenantID string, params UpdateDestinationParams) (*model.Destination, error) {
	dest, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if params.Host != nil {
		dest.Host = strings.TrimSpace(*params.Host)
	}
	if params.Port != nil {
		dest.Port = *params.Port
	}
	if params.Username != nil {
		dest.Username = *params.Username
	}
	if params.BasePath != nil {
		dest.BasePath = normalizeBasePath(*params.BasePath)
	}
	if params.UseTLS != nil {
		dest.UseTLS = *params.UseTLS
	}
	if err := validateDestination(dest); err != nil {
		return nil, err
	}
	if params.Secret != nil {
		dest.Secret, err = s.cipher.Encrypt(*params.Secret)
		if err != nil {
			return nil, fmt.Errorf("шифрование пароля: %w", err)
		}
	}

	if err := s.repo.Update(ctx, dest); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: назначение для %s", ErrNotFound, tenantID)
		}
		return nil, fmt.Errorf("обновление назначения: %w", err)
	}
	s.invalidate(tenantID)

	s.logger.Info("Назначение обновлено",
		slog.String("tenant_id", tenantID),
		slog.String("address", dest.Address()),
	)
	return dest, nil
}

// Delete удаляет назначение.
func (s *DestinationService) Delete(ctx context.Context, tenantID string) error {
	if err := s.repo.Delete(ctx, tenantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: назначение для %s", ErrNotFound, tenantID)
		}
		return fmt.Errorf("удаление назначения: %w", err)
	}
	s.invalidate(tenantID)

	s.logger.Info("Назначение удалено", slog.String("tenant_id", tenantID))
	return nil
}

// TestConnection проверяет соединение с назначением: логин и листинг basePath.
// Недоступность назначения: не ошибка, а ConnectionCheck с OK=false.
func (s *DestinationService) TestConnection(ctx context.Context, tenantID string) (*ConnectionCheck, error) {
	dest, err := s.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrDestinationNotFound) {
			return nil, fmt.Errorf("%w: назначение для %s", ErrNotFound, tenantID)
		}
		return nil, err
	}

	if err := s.prober.Probe(ctx, dest); err != nil {
		s.logger.Warn("Проверка соединения не пройдена",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return &ConnectionCheck{Message: err.Error()}, nil
	}
	return &ConnectionCheck{OK: true, Message: "соединение установлено"}, nil
}

// validateDestination проверяет обязательные поля назначения.
func validateDestination(dest *model.Destination) error {
	if dest.Host == "" {
		return fmt.Errorf("%w: host обязателен", ErrValidation)
	}
	if strings.TrimSpace(dest.Username) == "" {
		return fmt.Errorf("%w: username обязателен", ErrValidation)
	}
	if dest.Port < 1 || dest.Port > 65535 {
		return fmt.Errorf("%w: port должен быть в диапазоне 1-65535, получено %d", ErrValidation, dest.Port)
	}
	for _, segment := range strings.Split(dest.BasePath, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: base_path не может содержать '..'", ErrValidation)
		}
	}
	return nil
}

// normalizeBasePath приводит basePath к абсолютному виду без завершающего слэша.
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultBasePath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return defaultBasePath
	}
	return p
}
