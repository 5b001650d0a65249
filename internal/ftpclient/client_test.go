package ftpclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn: FTP-сервер в памяти.
type fakeConn struct {
	mu       sync.Mutex
	dirs     map[string]bool
	files    map[string][]byte
	stors    int
	quits    int
	loginErr error
	mkdirErr error
	storFn   func(path string, r io.Reader) error
	listErr  error
	listed   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
}

func (f *fakeConn) Login(user, password string) error { return f.loginErr }

func (f *fakeConn) ChangeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[p] {
		return errors.New("550 no such directory")
	}
	return nil
}

func (f *fakeConn) MakeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mkdirErr != nil {
		return f.mkdirErr
	}
	if f.dirs[p] {
		return errors.New("550 directory already exists")
	}
	f.dirs[p] = true
	return nil
}

func (f *fakeConn) Stor(p string, r io.Reader) error {
	if f.storFn != nil {
		return f.storFn(p, r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stors++
	f.files[p] = data
	return nil
}

func (f *fakeConn) List(p string) ([]*ftp.Entry, error) {
	f.listed = append(f.listed, p)
	return nil, f.listErr
}

func (f *fakeConn) Quit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
	return nil
}

func (f *fakeConn) quitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quits
}

func fakeDialer(conn *fakeConn, dialErr error) (Dialer, *int) {
	dials := 0
	return func(ctx context.Context, dest *model.Destination) (Conn, error) {
		dials++
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}, &dials
}

func testDestination() *model.Destination {
	return &model.Destination{
		TenantID: "acme",
		Host:     "ftp.acme.example",
		Port:     21,
		Username: "relay",
		Secret:   "s3cret",
		BasePath: "/incoming",
		UseTLS:   true,
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"/incoming", "/incoming/acme/sped/2024-03/report.txt"},
		{"/incoming/", "/incoming/acme/sped/2024-03/report.txt"},
		{"/", "/acme/sped/2024-03/report.txt"},
		{"", "/acme/sped/2024-03/report.txt"},
	}
	for _, tt := range tests {
		got := RemotePath(tt.base, "acme", "sped", "2024-03", "report.txt")
		if got != tt.want {
			t.Errorf("RemotePath(%q) = %q, ожидался %q", tt.base, got, tt.want)
		}
	}
}

func TestDeliver_Success(t *testing.T) {
	conn := newFakeConn()
	dial, dials := fakeDialer(conn, nil)
	client := NewWithDialer(dial, testLogger())

	remote := RemotePath("/incoming", "acme", "sped", "2024-03", "report.txt")
	res := client.Deliver(context.Background(), testDestination(), remote, []byte("payload"))

	if !res.Delivered {
		t.Fatalf("Deliver() не доставил: %s", res.Reason)
	}
	if string(conn.files[remote]) != "payload" {
		t.Errorf("содержимое = %q", conn.files[remote])
	}
	for _, dir := range []string{"/incoming", "/incoming/acme", "/incoming/acme/sped", "/incoming/acme/sped/2024-03"} {
		if !conn.dirs[dir] {
			t.Errorf("каталог %s не создан", dir)
		}
	}
	if conn.stors != 1 {
		t.Errorf("STOR вызван %d раз, ожидался 1", conn.stors)
	}
	if *dials != 1 || conn.quitCount() != 1 {
		t.Errorf("dials=%d quits=%d, ожидалось 1/1", *dials, conn.quitCount())
	}
}

// TestDeliver_ExistingDirs: повторная доставка в существующие каталоги успешна.
func TestDeliver_ExistingDirs(t *testing.T) {
	conn := newFakeConn()
	dial, _ := fakeDialer(conn, nil)
	client := NewWithDialer(dial, testLogger())
	remote := RemotePath("/incoming", "acme", "sped", "2024-03", "report.txt")

	for i := 0; i < 2; i++ {
		if res := client.Deliver(context.Background(), testDestination(), remote, []byte("x")); !res.Delivered {
			t.Fatalf("попытка %d: %s", i+1, res.Reason)
		}
	}
	if conn.quitCount() != 2 {
		t.Errorf("quits = %d, ожидалось 2", conn.quitCount())
	}
}

func TestDeliver_Failures(t *testing.T) {
	remote := RemotePath("/incoming", "acme", "sped", "2024-03", "report.txt")

	tests := []struct {
		name       string
		setup      func(c *fakeConn)
		dialErr    error
		wantReason string
		wantQuits  int
	}{
		{
			name:       "подключение отклонено",
			dialErr:    errors.New("dial tcp 10.0.0.1:21: connect: connection refused"),
			wantReason: "connection refused",
			wantQuits:  0,
		},
		{
			name:       "неверный логин",
			setup:      func(c *fakeConn) { c.loginErr = errors.New("530 Login incorrect") },
			wantReason: "530 Login incorrect",
			wantQuits:  1,
		},
		{
			name:       "каталог не создаётся",
			setup:      func(c *fakeConn) { c.mkdirErr = errors.New("550 permission denied") },
			wantReason: "550 permission denied",
			wantQuits:  1,
		},
		{
			name: "обрыв при записи",
			setup: func(c *fakeConn) {
				c.storFn = func(string, io.Reader) error { return errors.New("426 connection closed; transfer aborted") }
			},
			wantReason: "426 connection closed",
			wantQuits:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			if tt.setup != nil {
				tt.setup(conn)
			}
			dial, _ := fakeDialer(conn, tt.dialErr)
			client := NewWithDialer(dial, testLogger())

			res := client.Deliver(context.Background(), testDestination(), remote, []byte("x"))
			if res.Delivered {
				t.Fatal("ожидалась неудачная доставка")
			}
			if !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, ожидалось содержание %q", res.Reason, tt.wantReason)
			}
			if conn.quitCount() != tt.wantQuits {
				t.Errorf("quits = %d, ожидалось %d", conn.quitCount(), tt.wantQuits)
			}
		})
	}
}

// TestDeliver_Cancelled: отмена во время записи закрывает соединение.
func TestDeliver_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeConn()
	conn.storFn = func(string, io.Reader) error {
		cancel()
		// закрытие соединения прерывает передачу
		for conn.quitCount() == 0 {
		}
		return errors.New("use of closed network connection")
	}
	dial, _ := fakeDialer(conn, nil)
	client := NewWithDialer(dial, testLogger())

	res := client.Deliver(ctx, testDestination(), "/incoming/a.txt", []byte("x"))
	if res.Delivered {
		t.Fatal("ожидалась неудачная доставка")
	}
	if !strings.Contains(res.Reason, context.Canceled.Error()) {
		t.Errorf("Reason = %q, ожидалось упоминание отмены", res.Reason)
	}
	if conn.quitCount() != 1 {
		t.Errorf("quits = %d, ожидалось ровно 1", conn.quitCount())
	}
}

// abortableConn: соединение, STOR которого не реагирует на QUIT
// и завершается только после Abort.
type abortableConn struct {
	*fakeConn
	aborted chan struct{}
	once    sync.Once
}

func (c *abortableConn) Abort() {
	c.once.Do(func() { close(c.aborted) })
}

// TestDeliver_CancelledStalledWrite: отмена прерывает запись,
// даже если сервер не закрывает data-соединение.
func TestDeliver_CancelledStalledWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &abortableConn{fakeConn: newFakeConn(), aborted: make(chan struct{})}
	conn.storFn = func(string, io.Reader) error {
		cancel()
		<-conn.aborted
		return os.ErrDeadlineExceeded
	}
	dial := func(context.Context, *model.Destination) (Conn, error) { return conn, nil }
	client := NewWithDialer(dial, testLogger())

	res := client.Deliver(ctx, testDestination(), "/incoming/a.txt", []byte("x"))
	if res.Delivered {
		t.Fatal("ожидалась неудачная доставка")
	}
	if !strings.Contains(res.Reason, context.Canceled.Error()) {
		t.Errorf("Reason = %q, ожидалось упоминание отмены", res.Reason)
	}
	if conn.quitCount() != 1 {
		t.Errorf("quits = %d, ожидалось ровно 1", conn.quitCount())
	}
}

func TestConnTracker_Abort(t *testing.T) {
	tracker := &connTracker{}
	local, remote := net.Pipe()
	defer remote.Close()

	tracked, err := tracker.track(local)
	if err != nil {
		t.Fatalf("track() ошибка: %v", err)
	}

	// Никто не читает remote: Write блокируется до abort
	writeErr := make(chan error, 1)
	go func() {
		_, err := tracked.Write([]byte("payload"))
		writeErr <- err
	}()

	tracker.abort()
	select {
	case err := <-writeErr:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("Write() = %v, ожидался os.ErrDeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write не прерван после abort")
	}

	// Соединение, открытое после abort, сразу закрывается
	late, lateRemote := net.Pipe()
	defer lateRemote.Close()
	if _, err := tracker.track(late); !errors.Is(err, net.ErrClosed) {
		t.Errorf("track() после abort = %v, ожидался net.ErrClosed", err)
	}
}

func TestDeliver_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := newFakeConn()
	dial, dials := fakeDialer(conn, nil)
	client := NewWithDialer(dial, testLogger())

	res := client.Deliver(ctx, testDestination(), "/incoming/a.txt", []byte("x"))
	if res.Delivered {
		t.Fatal("ожидалась неудачная доставка")
	}
	if *dials != 0 {
		t.Errorf("dials = %d, подключения быть не должно", *dials)
	}
}

func TestProbe(t *testing.T) {
	conn := newFakeConn()
	dial, _ := fakeDialer(conn, nil)
	client := NewWithDialer(dial, testLogger())

	if err := client.Probe(context.Background(), testDestination()); err != nil {
		t.Fatalf("Probe() ошибка: %v", err)
	}
	if len(conn.listed) != 1 || conn.listed[0] != "/incoming" {
		t.Errorf("listed = %v", conn.listed)
	}
	if conn.quitCount() != 1 {
		t.Errorf("quits = %d, ожидалось 1", conn.quitCount())
	}

	conn.listErr = errors.New("550 no such directory")
	if err := client.Probe(context.Background(), testDestination()); err == nil {
		t.Error("Probe() ожидалась ошибка листинга")
	}
}

func TestNew_MissingCACert(t *testing.T) {
	if _, err := New("/nonexistent/ca.pem", 0, false, testLogger()); err == nil {
		t.Error("ожидалась ошибка чтения CA")
	}
}
