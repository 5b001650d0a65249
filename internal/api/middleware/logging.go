// logging.go: middleware логирования входящих HTTP-запросов через slog.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const contextKeyIdentity contextKey = "request_identity"

// requestIdentity: кто выполнил запрос. Заполняется при аутентификации,
// которая работает глубже по цепочке middleware.
type requestIdentity struct {
	mu      sync.Mutex
	subject string
	role    string
}

func (id *requestIdentity) set(subject, role string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.subject = subject
	id.role = role
}

func (id *requestIdentity) get() (subject, role string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.subject, id.role
}

// responseWriter: обёртка для перехвата статус-кода и размера ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос.
// Уровень: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
// Для аутентифицированных запросов добавляются subject и role;
// route: нормализованный путь, как в метриках.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			id := &requestIdentity{}

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), contextKeyIdentity, id)))

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", normalizePath(r.URL.Path)),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if subject, role := id.get(); subject != "" {
				attrs = append(attrs, slog.String("subject", subject), slog.String("role", role))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
