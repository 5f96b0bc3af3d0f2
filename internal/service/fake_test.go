package service

import (
	"context"
	"errors"
	"sync"

	"batchsync/internal/adapter"
	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/store"
	"batchsync/internal/strategy"
)

type fakeTable struct {
	columns []string
	layout  adapter.Layout
	rows    [][]any
}

// fakeDB is an in-memory Adapter. Query returns result regardless of the
// statement and records what it was asked.
type fakeDB struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
	result *adapter.Result

	queryErr  error
	insertErr error
	// failAfter rows are committed before insertErr is returned.
	failAfter int
	panicMsg  string

	queries []string
	args    [][]any
	inserts int
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: make(map[string]*fakeTable)}
}

func (f *fakeDB) Family() model.Family           { return model.FamilyPostgres }
func (f *fakeDB) Bind() strategy.Bind            { return strategy.Dollar }
func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (*adapter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.result == nil {
		return &adapter.Result{}, nil
	}
	res := &adapter.Result{Columns: f.result.Columns, Types: f.result.Types}
	for _, r := range f.result.Rows {
		res.Rows = append(res.Rows, append([]any(nil), r...))
	}
	return res, nil
}

func (f *fakeDB) TableExists(ctx context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeDB) TableLayout(ctx context.Context, table string, columns []string) (adapter.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return adapter.Layout{}, errors.New("no such table")
	}
	return t.layout, nil
}

func (f *fakeDB) CreateTableForShape(ctx context.Context, table string, columns []string, sample []any) (adapter.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = &fakeTable{columns: columns}
	return adapter.Layout{}, nil
}

func (f *fakeDB) BulkInsert(ctx context.Context, table string, layout adapter.Layout, columns []string, rows [][]any, batchSize int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := len(rows), error(nil)
	if f.insertErr != nil {
		n, err = min(f.failAfter, len(rows)), f.insertErr
	}
	t := f.tables[table]
	for _, r := range rows[:n] {
		t.rows = append(t.rows, append([]any(nil), r...))
	}
	f.inserts += n
	return n, err
}

func (f *fakeDB) ClearTable(ctx context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return 0, nil
	}
	n := len(t.rows)
	t.rows = nil
	return int64(n), nil
}

func (f *fakeDB) ExistingHashes(ctx context.Context, table string) (identity.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := identity.NewSet()
	if t, ok := f.tables[table]; ok {
		for _, r := range t.rows {
			set[identity.HashOf(r)] = struct{}{}
		}
	}
	return set, nil
}

// seed puts rows into table as if an earlier run had written them.
func (f *fakeDB) seed(table string, columns []string, rows [][]any) {
	tagged, err := identity.Tag(columns, rows)
	if err != nil {
		panic(err)
	}
	f.tables[table] = &fakeTable{columns: tagged.Columns, rows: tagged.Rows}
}

// payload returns table's rows without the hash column.
func (f *fakeDB) payload(table string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]any
	for _, r := range f.tables[table].rows {
		out = append(out, r[1:])
	}
	return out
}

type fakeOpener struct {
	dbs map[string]*fakeDB
}

func (o *fakeOpener) Open(ctx context.Context, conn model.Connection) (adapter.Adapter, error) {
	if _, err := adapter.DialectFor(conn.Family); err != nil {
		return nil, err
	}
	db, ok := o.dbs[conn.Name]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return db, nil
}

type recordingObserver struct {
	mu                      sync.Mutex
	started, done, failures int
	lastErr                 error
}

func (o *recordingObserver) OnSyncStart(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) OnSyncComplete(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done++
}

func (o *recordingObserver) OnSyncError(run *Run, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
	o.lastErr = err
}

// panickyObserver panics on the events it is told to.
type panickyObserver struct {
	onStart, onComplete bool
}

func (o *panickyObserver) OnSyncStart(run *Run) {
	if o.onStart {
		panic("observer start")
	}
}

func (o *panickyObserver) OnSyncComplete(run *Run) {
	if o.onComplete {
		panic("observer complete")
	}
}

func (o *panickyObserver) OnSyncError(run *Run, err error) {}

// flakyStore fails FinishRun whenever a watermark is part of the update.
type flakyStore struct {
	*store.Store
	err error
}

func (s *flakyStore) FinishRun(ctx context.Context, run *model.ExecutionLog, watermark *string) error {
	if watermark != nil {
		return s.err
	}
	return s.Store.FinishRun(ctx, run, watermark)
}
