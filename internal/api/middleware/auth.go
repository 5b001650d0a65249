// auth.go: JWT middleware для аутентификации и авторизации портала.
// Identity-сервис непрозрачен: портал проверяет подпись по JWKS,
// берёт sub как identity и маппит группы в роли client/staff.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/fileflow/relay-portal/internal/api/errors"
	"github.com/fileflow/relay-portal/internal/domain/rbac"
)

// contextKey: тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyClaims: извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

// AuthClaims: извлечённые и обработанные claims из JWT.
// Помещаются в контекст запроса для downstream handlers.
type AuthClaims struct {
	// Subject: sub из JWT, identity пользователя.
	Subject           string
	PreferredUsername string
	Email             string
	Groups            []string
	// Role: роль портала (client, staff) или пустая строка.
	Role string
}

// HasAnyRole проверяет, совпадает ли роль с одной из указанных.
func (c *AuthClaims) HasAnyRole(roles ...string) bool {
	return c.Role != "" && slices.Contains(roles, c.Role)
}

// identityClaims: raw claims из JWT для парсинга.
type identityClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	Email             string       `json:"email"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
}

// realmAccess: вложенная структура realm_access.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth: middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks         keyfunc.Keyfunc
	logger       *slog.Logger
	staffGroups  []string
	clientGroups []string
	issuer       string
	jwtLeeway    time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS identity-сервиса.
// jwksURL: URL к JWKS endpoint.
// caCertPath: опциональный путь к CA-сертификату для TLS.
// issuer: ожидаемый issuer JWT (пустой, не проверяется).
// staffGroups, clientGroups: группы для маппинга в роли.
// jwksClientTimeout: таймаут HTTP-клиента JWKS (FR_JWKS_CLIENT_TIMEOUT).
// jwksRefreshInterval: интервал обновления JWKS-ключей (FR_JWKS_REFRESH_INTERVAL).
// jwtLeeway: допустимое отклонение времени при проверке JWT (FR_JWT_LEEWAY).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	staffGroups, clientGroups []string,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient, err := newJWKSHTTPClient(caCertPath, jwksClientTimeout)
	if err != nil {
		return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
	}
	if caCertPath != "" {
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// JWKS Storage с фоновым обновлением.
	// NoErrorReturnFirstHTTPReq: стартуем даже если identity-сервис ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:         k,
		logger:       logger.With(slog.String("component", "jwt_auth")),
		staffGroups:  staffGroups,
		clientGroups: clientGroups,
		issuer:       issuer,
		jwtLeeway:    jwtLeeway,
	}, nil
}

// newJWKSHTTPClient создаёт HTTP-клиент JWKS: с кастомным CA, если задан.
func newJWKSHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath == "" {
		return client, nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    caCertPool,
			MinVersion: tls.VersionTLS12,
		},
	}
	return client, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	staffGroups, clientGroups []string,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:         kf,
		logger:       logger.With(slog.String("component", "jwt_auth")),
		staffGroups:  staffGroups,
		clientGroups: clientGroups,
		issuer:       issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись (RS256), вычисляет роль
// и помещает AuthClaims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			rawClaims := &identityClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			subject, err := rawClaims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := WithClaims(r.Context(), j.buildAuthClaims(rawClaims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims формирует AuthClaims: роль из групп,
// при их отсутствии: из realm_access.roles.
func (j *JWTAuth) buildAuthClaims(raw *identityClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           raw.Subject,
		PreferredUsername: raw.PreferredUsername,
		Email:             raw.Email,
		Groups:            raw.Groups,
	}

	claims.Role = rbac.MapGroupsToRole(raw.Groups, j.staffGroups, j.clientGroups)
	if claims.Role == "" && raw.RealmAccess != nil {
		var mapped []string
		for _, r := range raw.RealmAccess.Roles {
			if rbac.IsValidRole(r) {
				mapped = append(mapped, r)
			}
		}
		claims.Role = rbac.HighestRole(mapped)
	}

	return claims
}

// --- RBAC middleware ---

// RequireRole возвращает middleware, требующий одну из указанных ролей.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			if !claims.HasAnyRole(roles...) {
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", strings.Join(roles, " или ")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --- Context helpers ---

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если claims не найдены.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// WithClaims помещает AuthClaims в контекст и передаёт идентичность
// вызывающего в журнал запроса, если он ведётся.
func WithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	if id, ok := ctx.Value(contextKeyIdentity).(*requestIdentity); ok && claims != nil {
		id.set(claims.Subject, claims.Role)
	}
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// --- ReadinessChecker для JWKS ---

// JWKSReadinessChecker: проверка доступности identity-сервиса через JWKS.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности JWKS.
func NewJWKSReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*JWKSReadinessChecker, error) {
	client, err := newJWKSHTTPClient(caCertPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
	}

	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  client,
	}, nil
}

const statusFail = "fail"

// CheckReady проверяет доступность JWKS endpoint.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
