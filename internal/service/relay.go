// relay.go: оркестратор relay. Политика доступа → проверка файла →
// запись pending → processing → разрешение назначения → доставка → финализация.
//
// Запись создаётся только после успешных проверок доступа и файла.
// Каждая созданная запись доводится до терминального состояния,
// в том числе при отмене запроса: финализация выполняется на отвязанном контексте.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/ftpclient"
	"github.com/fileflow/relay-portal/internal/repository"
)

// Prometheus-метрики relay.
var (
	relaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_relays_total",
			Help: "Общее количество попыток relay по исходу.",
		},
		[]string{"outcome"},
	)
	relayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fr_relay_duration_seconds",
			Help:    "Длительность relay в секундах.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	relayBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_relay_bytes_total",
		Help: "Общий объём доставленных на FTP данных в байтах.",
	})
	activeRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fr_active_relays",
		Help: "Количество relay в процессе выполнения.",
	})
)

// Диагностика, записываемая в error_detail.
const (
	DetailDestinationNotConfigured = "destination not configured"
	DetailCancelled                = "cancelled"
)

// defaultFinalizeTimeout: время на финализацию записи после отмены запроса.
const defaultFinalizeTimeout = 5 * time.Second

// Outcome: исход relay.
type Outcome string

const (
	// OutcomeCompleted: файл доставлен, запись completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed: запись завершена в error (назначение не настроено, сбой доставки, отмена).
	OutcomeFailed Outcome = "failed"
	// OutcomeDenied: отказ политики доступа, запись не создаётся.
	OutcomeDenied Outcome = "denied"
	// OutcomeInvalid: файл не прошёл проверку, запись не создаётся.
	OutcomeInvalid Outcome = "invalid"
)

// RelayResult: результат relay.
// RecordID пуст для Denied и Invalid. Reason: причина отказа или error_detail.
type RelayResult struct {
	Outcome  Outcome
	RecordID string
	Reason   string
}

var (
	referenceMonthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	identifierPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// IsValidIdentifier проверяет tenant_id / document_type_id: они становятся
// сегментами пути на FTP, поэтому слэши и ".." запрещены.
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s) && !strings.Contains(s, "..")
}

// IsValidReferenceMonth проверяет формат YYYY-MM.
func IsValidReferenceMonth(s string) bool {
	return referenceMonthPattern.MatchString(s)
}

// RelayRequest: запрос на relay одного файла.
type RelayRequest struct {
	// IdentityID: sub из проверенного JWT
	IdentityID     string
	TenantID       string
	DocumentTypeID string
	ReferenceMonth string
	FileName       string
	Payload        []byte
}

// Validate проверяет форму запроса до передачи в оркестратор.
func (r *RelayRequest) Validate() error {
	var problems []string

	if r.IdentityID == "" {
		problems = append(problems, "identity не определена")
	}
	if !IsValidIdentifier(r.TenantID) {
		problems = append(problems, "некорректный tenant_id")
	}
	if !IsValidIdentifier(r.DocumentTypeID) {
		problems = append(problems, "некорректный document_type_id")
	}
	if !IsValidReferenceMonth(r.ReferenceMonth) {
		problems = append(problems, "reference_month должен быть в формате YYYY-MM")
	}
	if err := validateFileName(r.FileName); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// validateFileName: имя файла становится последним сегментом пути на FTP.
func validateFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("file_name обязателен")
	case len(name) > 255:
		return errors.New("file_name длиннее 255 байт")
	case name == "." || name == "..":
		return errors.New("некорректный file_name")
	case strings.ContainsAny(name, "/\\\x00\r\n"):
		return errors.New("file_name не может содержать разделители пути и управляющие символы")
	}
	return nil
}

// Authorizer: проверка доступа.
type Authorizer interface {
	Authorize(ctx context.Context, identityID, tenantID, documentTypeID string) (Decision, error)
}

// Validator: проверка файла.
type Validator interface {
	Validate(ctx context.Context, fileName string, fileSizeBytes int64, documentTypeID string) (Verdict, error)
}

// DestinationResolver: разрешение назначения компании.
type DestinationResolver interface {
	Resolve(ctx context.Context, tenantID string) (*model.Destination, error)
}

// Deliverer: доставка payload на назначение.
type Deliverer interface {
	Deliver(ctx context.Context, dest *model.Destination, remotePath string, payload []byte) ftpclient.Result
}

// RelayService: оркестратор relay.
type RelayService struct {
	policy          Authorizer
	validator       Validator
	destinations    DestinationResolver
	records         repository.TransferRecordRepository
	deliverer       Deliverer
	timeout         time.Duration
	finalizeTimeout time.Duration
	logger          *slog.Logger
}

// NewRelayService создаёт оркестратор relay.
// timeout ограничивает одну попытку целиком (0: без ограничения).
func NewRelayService(
	policy Authorizer,
	validator Validator,
	destinations DestinationResolver,
	records repository.TransferRecordRepository,
	deliverer Deliverer,
	timeout time.Duration,
	logger *slog.Logger,
) *RelayService {
	return &RelayService{
		policy:          policy,
		validator:       validator,
		destinations:    destinations,
		records:         records,
		deliverer:       deliverer,
		timeout:         timeout,
		finalizeTimeout: defaultFinalizeTimeout,
		logger:          logger.With(slog.String("component", "relay_service")),
	}
}

// Relay выполняет одну попытку relay.
// Отказ доступа, невалидный файл и сбой доставки возвращаются в RelayResult.
// Ошибка возвращается при невалидном запросе (ErrValidation), сбое хранилища
// и недопустимом переходе состояния (ErrInvalidTransition).
func (s *RelayService) Relay(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	activeRelays.Inc()
	defer activeRelays.Dec()

	result, err := s.relay(ctx, &req)

	outcome := "error"
	if err == nil {
		outcome = string(result.Outcome)
	}
	relaysTotal.WithLabelValues(outcome).Inc()
	relayDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return result, err
}

func (s *RelayService) relay(ctx context.Context, req *RelayRequest) (*RelayResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := s.logger.With(
		slog.String("identity_id", req.IdentityID),
		slog.String("tenant_id", req.TenantID),
		slog.String("document_type_id", req.DocumentTypeID),
		slog.String("reference_month", req.ReferenceMonth),
		slog.String("file_name", req.FileName),
	)

	// 1. Политика доступа
	decision, err := s.policy.Authorize(ctx, req.IdentityID, req.TenantID, req.DocumentTypeID)
	if err != nil {
		return nil, fmt.Errorf("проверка доступа: %w", err)
	}
	if !decision.Allowed {
		log.Info("Relay отклонён политикой доступа", slog.String("reason", decision.Reason))
		return &RelayResult{Outcome: OutcomeDenied, Reason: decision.Reason}, nil
	}

	// 2. Проверка файла
	size := int64(len(req.Payload))
	verdict, err := s.validator.Validate(ctx, req.FileName, size, req.DocumentTypeID)
	if err != nil {
		return nil, fmt.Errorf("проверка файла: %w", err)
	}
	if !verdict.Valid {
		log.Info("Relay отклонён: файл не прошёл проверку", slog.String("reason", verdict.Reason))
		return &RelayResult{Outcome: OutcomeInvalid, Reason: verdict.Reason}, nil
	}

	// 3. Запись pending
	rec := &model.TransferRecord{
		ID:             uuid.New().String(),
		IdentityID:     req.IdentityID,
		TenantID:       req.TenantID,
		DocumentTypeID: req.DocumentTypeID,
		ReferenceMonth: req.ReferenceMonth,
		FileName:       req.FileName,
		FileSizeBytes:  size,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("создание записи relay: %w", err)
	}
	log = log.With(slog.String("record_id", rec.ID))

	// 4. processing
	if err := s.records.Transition(ctx, rec.ID, model.StateProcessing, ""); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrInvalidTransition) {
			return s.fail(ctx, log, rec.ID, DetailCancelled)
		}
		return nil, fmt.Errorf("переход в processing: %w", err)
	}

	// 5. Разрешение назначения
	dest, err := s.destinations.Resolve(ctx, req.TenantID)
	if err != nil {
		switch {
		case errors.Is(err, ErrDestinationNotFound):
			return s.fail(ctx, log, rec.ID, DetailDestinationNotConfigured)
		case ctx.Err() != nil:
			return s.fail(ctx, log, rec.ID, DetailCancelled)
		}
		// Запись не остаётся в processing, но сбой хранилища всё равно отдаётся наружу
		if _, finErr := s.fail(ctx, log, rec.ID, err.Error()); finErr != nil {
			log.Error("Не удалось финализировать запись", slog.String("error", finErr.Error()))
		}
		return nil, fmt.Errorf("разрешение назначения: %w", err)
	}

	// 6. Доставка
	remotePath := ftpclient.RemotePath(dest.BasePath, req.TenantID, req.DocumentTypeID, req.ReferenceMonth, req.FileName)
	delivery := s.deliverer.Deliver(ctx, dest, remotePath, req.Payload)
	if !delivery.Delivered {
		detail := delivery.Reason
		if ctx.Err() != nil {
			detail = DetailCancelled
		}
		if strings.TrimSpace(detail) == "" {
			detail = "transfer failed"
		}
		return s.fail(ctx, log, rec.ID, detail)
	}

	// 7. completed
	if err := s.finalize(ctx, rec.ID, model.StateCompleted, ""); err != nil {
		return nil, fmt.Errorf("переход в completed: %w", err)
	}
	relayBytesTotal.Add(float64(size))

	log.Info("Relay завершён",
		slog.String("remote_path", remotePath),
		slog.Int64("file_size_bytes", size),
	)
	return &RelayResult{Outcome: OutcomeCompleted, RecordID: rec.ID}, nil
}

// fail переводит запись в error с диагностикой detail.
func (s *RelayService) fail(ctx context.Context, log *slog.Logger, id, detail string) (*RelayResult, error) {
	if err := s.finalize(ctx, id, model.StateError, detail); err != nil {
		return nil, fmt.Errorf("переход в error: %w", err)
	}
	log.Warn("Relay завершён с ошибкой", slog.String("error_detail", detail))
	return &RelayResult{Outcome: OutcomeFailed, RecordID: id, Reason: detail}, nil
}

// finalize выполняет терминальный переход на контексте, отвязанном от отмены запроса.
func (s *RelayService) finalize(ctx context.Context, id string, to model.TransferState, detail string) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()
	return s.records.Transition(fctx, id, to, detail)
}
