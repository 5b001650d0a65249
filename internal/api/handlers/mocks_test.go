package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fileflow/relay-portal/internal/api/middleware"
	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/domain/rbac"
	"github.com/fileflow/relay-portal/internal/service"
)

type mockRelayer struct {
	relayFn func(ctx context.Context, req service.RelayRequest) (*service.RelayResult, error)
	last    *service.RelayRequest
}

func (m *mockRelayer) Relay(ctx context.Context, req service.RelayRequest) (*service.RelayResult, error) {
	m.last = &req
	return m.relayFn(ctx, req)
}

type mockTransfers struct {
	listFn   func(ctx context.Context, caller service.Caller, filter model.TransferFilter, limit, offset int) (*service.TransferPage, error)
	getFn    func(ctx context.Context, caller service.Caller, id string) (*model.TransferRecord, error)
	latestFn func(ctx context.Context, caller service.Caller, key model.FileKey) (*model.TransferRecord, error)
	staleFn  func(ctx context.Context, olderThan time.Duration, limit int) ([]*model.TransferRecord, error)
}

func (m *mockTransfers) List(ctx context.Context, caller service.Caller, filter model.TransferFilter, limit, offset int) (*service.TransferPage, error) {
	return m.listFn(ctx, caller, filter, limit, offset)
}

func (m *mockTransfers) Get(ctx context.Context, caller service.Caller, id string) (*model.TransferRecord, error) {
	return m.getFn(ctx, caller, id)
}

func (m *mockTransfers) Latest(ctx context.Context, caller service.Caller, key model.FileKey) (*model.TransferRecord, error) {
	return m.latestFn(ctx, caller, key)
}

func (m *mockTransfers) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.TransferRecord, error) {
	return m.staleFn(ctx, olderThan, limit)
}

type mockDestinations struct {
	listFn   func(ctx context.Context) ([]*model.Destination, error)
	getFn    func(ctx context.Context, tenantID string) (*model.Destination, error)
	createFn func(ctx context.Context, params service.CreateDestinationParams) (*model.Destination, error)
	updateFn func(ctx context.Context, tenantID string, params service.UpdateDestinationParams) (*model.Destination, error)
	deleteFn func(ctx context.Context, tenantID string) error
	testFn   func(ctx context.Context, tenantID string) (*service.ConnectionCheck, error)
}

func (m *mockDestinations) List(ctx context.Context) ([]*model.Destination, error) {
	return m.listFn(ctx)
}

func (m *mockDestinations) Get(ctx context.Context, tenantID string) (*model.Destination, error) {
	return m.getFn(ctx, tenantID)
}

func (m *mockDestinations) Create(ctx context.Context, params service.CreateDestinationParams) (*model.Destination, error) {
	return m.createFn(ctx, params)
}

func (m *mockDestinations) Update(ctx context.Context, tenantID string, params service.UpdateDestinationParams) (*model.Destination, error) {
	return m.updateFn(ctx, tenantID, params)
}

func (m *mockDestinations) Delete(ctx context.Context, tenantID string) error {
	return m.deleteFn(ctx, tenantID)
}

func (m *mockDestinations) TestConnection(ctx context.Context, tenantID string) (*service.ConnectionCheck, error) {
	return m.testFn(ctx, tenantID)
}

type staticChecker struct{ status, msg string }

func (c staticChecker) CheckReady() (string, string) { return c.status, c.msg }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func clientClaims() *middleware.AuthClaims {
	return &middleware.AuthClaims{Subject: "user-1", Role: rbac.RoleClient}
}

func staffClaims() *middleware.AuthClaims {
	return &middleware.AuthClaims{Subject: "staff-1", Role: rbac.RoleStaff}
}

// newTestRouter собирает маршруты обработчика; claims подставляются без JWT.
func newTestRouter(h *APIHandler, claims *middleware.AuthClaims) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if claims != nil {
				req = req.WithContext(middleware.WithClaims(req.Context(), claims))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/health/live", h.HealthLive)
	r.Get("/health/ready", h.HealthReady)
	r.Post("/api/v1/relays", h.CreateRelay)
	r.Get("/api/v1/transfers", h.ListTransfers)
	r.Get("/api/v1/transfers/latest", h.GetLatestTransfer)
	r.Get("/api/v1/transfers/stale", h.ListStaleTransfers)
	r.Get("/api/v1/transfers/{id}", h.GetTransfer)
	r.Get("/api/v1/destinations", h.ListDestinations)
	r.Post("/api/v1/destinations", h.CreateDestination)
	r.Get("/api/v1/destinations/{tenantID}", h.GetDestination)
	r.Put("/api/v1/destinations/{tenantID}", h.UpdateDestination)
	r.Delete("/api/v1/destinations/{tenantID}", h.DeleteDestination)
	r.Post("/api/v1/destinations/{tenantID}/test", h.TestDestination)
	return r
}

func ptr[T any](v T) *T { return &v }
