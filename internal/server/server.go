// Пакет server: HTTP-сервер relay-портала с graceful shutdown.
// Без TLS: TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fileflow/relay-portal/internal/api/handlers"
	"github.com/fileflow/relay-portal/internal/api/middleware"
	"github.com/fileflow/relay-portal/internal/config"
	"github.com/fileflow/relay-portal/internal/domain/rbac"
)

// Authenticator выдаёт middleware, кладущий AuthClaims в контекст.
type Authenticator interface {
	Middleware() func(http.Handler) http.Handler
}

// Server: HTTP-сервер relay-портала.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth может быть nil для тестирования без аутентификации.
func New(cfg *config.Config, logger *slog.Logger, h *handlers.APIHandler, auth Authenticator) *Server {
	// WriteTimeout покрывает всю попытку relay, включая FTP.
	writeTimeout := 60 * time.Second
	if cfg.RelayTimeout+30*time.Second > writeTimeout {
		writeTimeout = cfg.RelayTimeout + 30*time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, auth),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты портала.
// /health/ и /metrics доступны без JWT, управление назначениями и
// зависшие записи: только staff.
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, auth Authenticator) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	if auth != nil {
		router.Use(authWithExclusions(auth, "/health/", "/metrics"))
	}

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireRole(rbac.RoleClient, rbac.RoleStaff))

		r.Post("/relays", h.CreateRelay)

		r.Get("/transfers", h.ListTransfers)
		r.Get("/transfers/latest", h.GetLatestTransfer)
		r.With(middleware.RequireRole(rbac.RoleStaff)).Get("/transfers/stale", h.ListStaleTransfers)
		r.Get("/transfers/{id}", h.GetTransfer)

		r.Route("/destinations", func(r chi.Router) {
			r.Use(middleware.RequireRole(rbac.RoleStaff))
			r.Get("/", h.ListDestinations)
			r.Post("/", h.CreateDestination)
			r.Get("/{tenantID}", h.GetDestination)
			r.Put("/{tenantID}", h.UpdateDestination)
			r.Delete("/{tenantID}", h.DeleteDestination)
			r.Post("/{tenantID}/test", h.TestDestination)
		})
	})

	return router
}

// authWithExclusions пропускает без JWT запросы к путям с указанными префиксами.
func authWithExclusions(auth Authenticator, excludePrefixes ...string) func(http.Handler) http.Handler {
	authMiddleware := auth.Middleware()

	return func(next http.Handler) http.Handler {
		protected := authMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// Незавершённые relay дорабатывают в пределах ShutdownTimeout.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
