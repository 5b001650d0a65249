package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fileflow/relay-portal/internal/api/handlers"
	"github.com/fileflow/relay-portal/internal/api/middleware"
	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/service"
)

// headerAuth берёт роль из X-Test-Role; без заголовка отвечает 401.
type headerAuth struct{}

func (headerAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Header["X-Test-Role"]
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			claims := &middleware.AuthClaims{Subject: "user-1", Role: role[0]}
			next.ServeHTTP(w, r.WithContext(middleware.WithClaims(r.Context(), claims)))
		})
	}
}

type stubDestinations struct{}

func (stubDestinations) List(context.Context) ([]*model.Destination, error) { return nil, nil }
func (stubDestinations) Get(context.Context, string) (*model.Destination, error) {
	return &model.Destination{TenantID: "acme"}, nil
}
func (stubDestinations) Create(context.Context, service.CreateDestinationParams) (*model.Destination, error) {
	return &model.Destination{}, nil
}
func (stubDestinations) Update(context.Context, string, service.UpdateDestinationParams) (*model.Destination, error) {
	return &model.Destination{}, nil
}
func (stubDestinations) Delete(context.Context, string) error { return nil }
func (stubDestinations) TestConnection(context.Context, string) (*service.ConnectionCheck, error) {
	return &service.ConnectionCheck{OK: true}, nil
}

type stubChecker struct{}

func (stubChecker) CheckReady() (string, string) { return "ok", "" }

func newTestRouter() http.Handler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := handlers.NewAPIHandler(
		handlers.NewHealthHandler(stubChecker{}, stubChecker{}),
		nil, nil, stubDestinations{}, 1<<20, logger,
	)
	return NewRouter(logger, h, headerAuth{})
}

// TestRouter_Access: публичные пути, аутентификация и staff-only маршруты.
func TestRouter_Access(t *testing.T) {
	router := newTestRouter()

	tests := []struct {
		name   string
		method string
		path   string
		role   *string
		want   int
	}{
		{"live без токена", http.MethodGet, "/health/live", nil, http.StatusOK},
		{"ready без токена", http.MethodGet, "/health/ready", nil, http.StatusOK},
		{"metrics без токена", http.MethodGet, "/metrics", nil, http.StatusOK},
		{"api без токена", http.MethodGet, "/api/v1/destinations", nil, http.StatusUnauthorized},
		{"без роли", http.MethodGet, "/api/v1/destinations", ptr(""), http.StatusForbidden},
		{"client к назначениям", http.MethodGet, "/api/v1/destinations", ptr("client"), http.StatusForbidden},
		{"client к зависшим", http.MethodGet, "/api/v1/transfers/stale", ptr("client"), http.StatusForbidden},
		{"staff список", http.MethodGet, "/api/v1/destinations", ptr("staff"), http.StatusOK},
		{"staff назначение", http.MethodGet, "/api/v1/destinations/acme", ptr("staff"), http.StatusOK},
		{"staff удаление", http.MethodDelete, "/api/v1/destinations/acme", ptr("staff"), http.StatusNoContent},
		{"staff test", http.MethodPost, "/api/v1/destinations/acme/test", ptr("staff"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.role != nil {
				req.Header["X-Test-Role"] = []string{*tt.role}
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("статус = %d, ожидался %d, тело: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
