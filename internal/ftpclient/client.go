// Пакет ftpclient: доставка файлов на FTP-назначения компаний.
// Поддерживает explicit TLS (FTPS) и кастомный CA (FR_CA_CERT_PATH).
// Соединения не переиспользуются: одна сессия на доставку.
package ftpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

// Conn: операции FTP-сессии, используемые клиентом.
// Реализуется *ftp.ServerConn.
type Conn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	List(path string) ([]*ftp.Entry, error)
	Quit() error
}

// Dialer открывает control-соединение с назначением.
type Dialer func(ctx context.Context, dest *model.Destination) (Conn, error)

// Result: итог доставки. Delivered=false означает TransferFailed,
// Reason содержит диагностику транспорта.
type Result struct {
	Delivered bool
	Reason    string
}

// Client: FTP-клиент доставки.
type Client struct {
	dial   Dialer
	logger *slog.Logger
}

// New создаёт FTP-клиент.
// caCertPath: CA для проверки FTPS-серверов (пустая строка, системный пул).
func New(caCertPath string, dialTimeout time.Duration, skipVerify bool, logger *slog.Logger) (*Client, error) {
	tlsConfig, err := buildTLSConfig(caCertPath, skipVerify)
	if err != nil {
		return nil, fmt.Errorf("загрузка CA-сертификата FTP: %w", err)
	}
	if caCertPath != "" {
		logger.Info("CA-сертификат FTP добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	dial := func(ctx context.Context, dest *model.Destination) (Conn, error) {
		// Control- и data-соединения открываются через tracker,
		// иначе отмена не достанет зависший STOR.
		tracker := &connTracker{}
		opts := []ftp.DialOption{
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(dialTimeout),
			ftp.DialWithDialFunc(tracker.dialFunc(ctx, dialTimeout)),
		}
		if dest.UseTLS {
			cfg := tlsConfig.Clone()
			cfg.ServerName = dest.Host
			opts = append(opts, ftp.DialWithExplicitTLS(cfg))
		}
		sc, err := ftp.Dial(dest.Address(), opts...)
		if err != nil {
			return nil, err
		}
		return &serverConn{ServerConn: sc, tracker: tracker}, nil
	}

	return NewWithDialer(dial, logger), nil
}

// NewWithDialer создаёт клиент с произвольным Dialer.
func NewWithDialer(dial Dialer, logger *slog.Logger) *Client {
	return &Client{
		dial:   dial,
		logger: logger.With(slog.String("component", "ftp_client")),
	}
}

// aborter: соединение, блокирующие операции которого можно прервать
// до отправки QUIT.
type aborter interface {
	Abort()
}

// serverConn: сессия jlaffaye/ftp с учётом TCP-соединений.
type serverConn struct {
	*ftp.ServerConn
	tracker *connTracker
}

// Abort прерывает чтение и запись на всех соединениях сессии.
func (c *serverConn) Abort() {
	c.tracker.abort()
}

// connTracker запоминает TCP-соединения сессии (control и data).
type connTracker struct {
	mu      sync.Mutex
	conns   []net.Conn
	aborted bool
}

func (t *connTracker) dialFunc(ctx context.Context, timeout time.Duration) func(network, address string) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return func(network, address string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return t.track(conn)
	}
}

// track регистрирует соединение. После abort новые соединения закрываются сразу.
func (t *connTracker) track(conn net.Conn) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		conn.Close() //nolint:errcheck // сессия уже прервана
		return nil, net.ErrClosed
	}
	t.conns = append(t.conns, conn)
	return conn, nil
}

// abort выставляет истёкший дедлайн: заблокированные Read/Write
// возвращают ошибку, не дожидаясь сервера.
func (t *connTracker) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
	for _, conn := range t.conns {
		conn.SetDeadline(time.Unix(1, 0)) //nolint:errcheck // соединение прерывается
	}
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string, skipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify, //nolint:gosec // только для dev, FR_FTP_TLS_SKIP_VERIFY
	}
	if caCertPath == "" {
		return cfg, nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)
	cfg.RootCAs = caCertPool

	return cfg, nil
}

// RemotePath строит полный путь файла на назначении:
// basePath/tenantID/documentTypeID/referenceMonth/fileName.
func RemotePath(basePath, tenantID, documentTypeID, referenceMonth, fileName string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, tenantID, documentTypeID, referenceMonth, fileName)
}

// Deliver открывает сессию, создаёт каталоги и записывает payload одной операцией STOR.
// Ошибки транспорта не возвращаются наружу, а превращаются в Result с Reason.
// Соединение закрывается на любом пути выхода, в том числе при отмене ctx.
func (c *Client) Deliver(ctx context.Context, dest *model.Destination, remotePath string, payload []byte) Result {
	start := time.Now()

	err := c.withSession(ctx, dest, func(conn Conn) error {
		if err := ensureDir(conn, path.Dir(remotePath)); err != nil {
			return err
		}
		if err := conn.Stor(remotePath, bytes.NewReader(payload)); err != nil {
			return fmt.Errorf("запись %s: %w", remotePath, err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Доставка на FTP не удалась",
			slog.String("tenant_id", dest.TenantID),
			slog.String("address", dest.Address()),
			slog.String("remote_path", remotePath),
			slog.String("error", err.Error()),
		)
		return Result{Reason: err.Error()}
	}

	c.logger.Info("Файл доставлен на FTP",
		slog.String("tenant_id", dest.TenantID),
		slog.String("remote_path", remotePath),
		slog.Int("bytes", len(payload)),
		slog.Duration("duration", time.Since(start)),
	)
	return Result{Delivered: true}
}

// Probe проверяет доступность назначения: подключение, логин и листинг basePath.
func (c *Client) Probe(ctx context.Context, dest *model.Destination) error {
	return c.withSession(ctx, dest, func(conn Conn) error {
		base := dest.BasePath
		if base == "" {
			base = "/"
		}
		if _, err := conn.List(base); err != nil {
			return fmt.Errorf("листинг %s: %w", base, err)
		}
		return nil
	})
}

// withSession открывает соединение, выполняет логин и fn, затем закрывает соединение.
func (c *Client) withSession(ctx context.Context, dest *model.Destination, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := c.dial(ctx, dest)
	if err != nil {
		return fmt.Errorf("подключение к %s: %w", dest.Address(), err)
	}

	// Отмена ctx прерывает текущую операцию: дедлайн на соединениях
	// сессии, затем закрытие control-соединения
	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		if a, ok := conn.(aborter); ok {
			a.Abort()
		}
		conn.Quit() //nolint:errcheck // соединение прерывается
		close(closed)
	})
	defer func() {
		if stop() {
			if err := conn.Quit(); err != nil {
				c.logger.Debug("Ошибка закрытия FTP-соединения",
					slog.String("address", dest.Address()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		<-closed
	}()

	if err := conn.Login(dest.Username, dest.Secret); err != nil {
		return fmt.Errorf("логин на %s: %w", dest.Address(), err)
	}

	if err := fn(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

// ensureDir создаёт каталог dir и всех предков. Повторный вызов безопасен:
// ошибка MAKD для существующего каталога игнорируется, если в него можно перейти.
func ensureDir(conn Conn, dir string) error {
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}

	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" {
			continue
		}
		current = path.Join(current, segment)

		if mkErr := conn.MakeDir(current); mkErr != nil {
			if cdErr := conn.ChangeDir(current); cdErr != nil {
				return fmt.Errorf("создание каталога %s: %w", current, mkErr)
			}
		}
	}
	return nil
}
