package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/domain/transfer"
	"github.com/fileflow/relay-portal/internal/ftpclient"
	"github.com/fileflow/relay-portal/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Mock AccessRepository ---

// mockAccessRepo: мок AccessRepository на данных в памяти.
type mockAccessRepo struct {
	members    map[string][]string // identity → tenants
	enabled    map[string][]string // tenant → document types
	rules      map[string]*model.DocumentTypeRule
	isMemberFn func(ctx context.Context, identityID, tenantID string) (bool, error)
	getRuleFn  func(ctx context.Context, documentTypeID string) (*model.DocumentTypeRule, error)
}

func (m *mockAccessRepo) IsMember(ctx context.Context, identityID, tenantID string) (bool, error) {
	if m.isMemberFn != nil {
		return m.isMemberFn(ctx, identityID, tenantID)
	}
	for _, t := range m.members[identityID] {
		if t == tenantID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAccessRepo) IsDocumentTypeEnabled(_ context.Context, tenantID, documentTypeID string) (bool, error) {
	for _, d := range m.enabled[tenantID] {
		if d == documentTypeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAccessRepo) GetDocumentType(ctx context.Context, documentTypeID string) (*model.DocumentTypeRule, error) {
	if m.getRuleFn != nil {
		return m.getRuleFn(ctx, documentTypeID)
	}
	rule, ok := m.rules[documentTypeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rule, nil
}

func (m *mockAccessRepo) MemberTenants(_ context.Context, identityID string) ([]string, error) {
	return m.members[identityID], nil
}

// --- In-memory TransferRecordRepository ---

// memRecordStore: хранилище записей в памяти с той же проверкой переходов,
// что и PostgreSQL-репозиторий. Фиксирует последовательность состояний.
type memRecordStore struct {
	mu       sync.Mutex
	records  map[string]*model.TransferRecord
	history  map[string][]model.TransferState
	createFn func(rec *model.TransferRecord) error
	// transitionFn вызывается перед применением перехода
	transitionFn func(ctx context.Context, id string, to model.TransferState) error
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		records: map[string]*model.TransferRecord{},
		history: map[string][]model.TransferState{},
	}
}

func (s *memRecordStore) Create(_ context.Context, rec *model.TransferRecord) error {
	if s.createFn != nil {
		if err := s.createFn(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rec.State = model.StatePending
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	s.records[rec.ID] = &cp
	s.history[rec.ID] = []model.TransferState{model.StatePending}
	return nil
}

func (s *memRecordStore) Get(_ context.Context, id string) (*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) Transition(ctx context.Context, id string, to model.TransferState, errorDetail string) error {
	if s.transitionFn != nil {
		if err := s.transitionFn(ctx, id, to); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := transfer.Check(rec.State, to, errorDetail); err != nil {
		return err
	}
	rec.State = to
	rec.ErrorDetail = nil
	if to == model.StateError {
		d := errorDetail
		rec.ErrorDetail = &d
	}
	rec.UpdatedAt = time.Now()
	s.history[id] = append(s.history[id], to)
	return nil
}

func (s *memRecordStore) List(_ context.Context, filter model.TransferFilter, limit, offset int) ([]*model.TransferRecord, error) {
	all := s.filtered(filter)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memRecordStore) Count(_ context.Context, filter model.TransferFilter) (int, error) {
	return len(s.filtered(filter)), nil
}

func (s *memRecordStore) Latest(_ context.Context, key model.FileKey) (*model.TransferRecord, error) {
	for _, rec := range s.filtered(model.TransferFilter{}) {
		if rec.TenantID == key.TenantID && rec.DocumentTypeID == key.DocumentTypeID &&
			rec.ReferenceMonth == key.ReferenceMonth && rec.FileName == key.FileName {
			return rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memRecordStore) ListStale(_ context.Context, before time.Time, limit int) ([]*model.TransferRecord, error) {
	var out []*model.TransferRecord
	for _, rec := range s.filtered(model.TransferFilter{}) {
		if !transfer.IsTerminal(rec.State) && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// filtered возвращает копии записей по фильтру, новые первыми.
func (s *memRecordStore) filtered(filter model.TransferFilter) []*model.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TransferRecord
	for _, rec := range s.records {
		if filter.TenantIDs != nil && !contains(filter.TenantIDs, rec.TenantID) {
			continue
		}
		if filter.TenantID != nil && rec.TenantID != *filter.TenantID {
			continue
		}
		if filter.State != nil && rec.State != *filter.State {
			continue
		}
		if filter.ReferenceMonth != nil && rec.ReferenceMonth != *filter.ReferenceMonth {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *memRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// only возвращает единственную запись хранилища.
func (s *memRecordStore) only() (*model.TransferRecord, []model.TransferState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		cp := *rec
		return &cp, append([]model.TransferState(nil), s.history[id]...)
	}
	return nil, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- Mock DestinationRepository ---

// mockDestinationRepo: мок DestinationRepository в памяти.
type mockDestinationRepo struct {
	mu    sync.Mutex
	items map[string]*model.Destination
	gets  int
	getFn func(ctx context.Context, tenantID string) (*model.Destination, error)
}

func newMockDestinationRepo(dests ...*model.Destination) *mockDestinationRepo {
	m := &mockDestinationRepo{items: map[string]*model.Destination{}}
	for _, d := range dests {
		cp := *d
		m.items[d.TenantID] = &cp
	}
	return m
}

func (m *mockDestinationRepo) Create(_ context.Context, dest *model.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[dest.TenantID]; ok {
		return repository.ErrConflict
	}
	dest.CreatedAt = time.Now()
	dest.UpdatedAt = dest.CreatedAt
	cp := *dest
	m.items[dest.TenantID] = &cp
	return nil
}

func (m *mockDestinationRepo) Get(ctx context.Context, tenantID string) (*model.Destination, error) {
	m.mu.Lock()
	m.gets++
	m.mu.Unlock()
	if m.getFn != nil {
		return m.getFn(ctx, tenantID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDestinationRepo) List(_ context.Context) ([]*model.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Destination
	for _, d := range m.items {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockDestinationRepo) Update(_ context.Context, dest *model.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[dest.TenantID]; !ok {
		return repository.ErrNotFound
	}
	dest.UpdatedAt = time.Now()
	cp := *dest
	m.items[dest.TenantID] = &cp
	return nil
}

func (m *mockDestinationRepo) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[tenantID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.items, tenantID)
	return nil
}

func (m *mockDestinationRepo) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// --- Mock Deliverer / Prober ---

// mockDeliverer: мок доставки, запоминает вызовы.
type mockDeliverer struct {
	mu        sync.Mutex
	calls     int
	paths     []string
	deliverFn func(ctx context.Context, dest *model.Destination, remotePath string, payload []byte) ftpclient.Result
}

func (m *mockDeliverer) Deliver(ctx context.Context, dest *model.Destination, remotePath string, payload []byte) ftpclient.Result {
	m.mu.Lock()
	m.calls++
	m.paths = append(m.paths, remotePath)
	m.mu.Unlock()
	if m.deliverFn != nil {
		return m.deliverFn(ctx, dest, remotePath, payload)
	}
	return ftpclient.Result{Delivered: true}
}

// mockProber: мок проверки соединения.
type mockProber struct {
	probeFn func(ctx context.Context, dest *model.Destination) error
}

func (m *mockProber) Probe(ctx context.Context, dest *model.Destination) error {
	if m.probeFn != nil {
		return m.probeFn(ctx, dest)
	}
	return nil
}

// --- Fake FTP-соединение ---

// fakeFTPConn: FTP-сессия в памяти для сквозных тестов с ftpclient.Client.
type fakeFTPConn struct {
	mu       sync.Mutex
	dirs     map[string]bool
	files    map[string][]byte
	mkdirErr error
	quits    int
}

func newFakeFTPConn() *fakeFTPConn {
	return &fakeFTPConn{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
}

func (f *fakeFTPConn) Login(string, string) error { return nil }

func (f *fakeFTPConn) ChangeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[p] {
		return &ftpError{"550 " + p + ": no such directory"}
	}
	return nil
}

func (f *fakeFTPConn) MakeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mkdirErr != nil {
		return f.mkdirErr
	}
	if f.dirs[p] {
		return &ftpError{"550 " + p + ": file exists"}
	}
	f.dirs[p] = true
	return nil
}

func (f *fakeFTPConn) Stor(p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = data
	return nil
}

func (f *fakeFTPConn) List(string) ([]*ftp.Entry, error) { return nil, nil }

func (f *fakeFTPConn) Quit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
	return nil
}

func (f *fakeFTPConn) quitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quits
}

type ftpError struct{ msg string }

func (e *ftpError) Error() string { return e.msg }

// fakeFTPClient создаёт ftpclient.Client поверх fakeFTPConn.
// dials считает открытые соединения.
func fakeFTPClient(conn *fakeFTPConn) (*ftpclient.Client, *int) {
	dials := 0
	client := ftpclient.NewWithDialer(func(ctx context.Context, dest *model.Destination) (ftpclient.Conn, error) {
		dials++
		return conn, nil
	}, testLogger())
	return client, &dials
}
