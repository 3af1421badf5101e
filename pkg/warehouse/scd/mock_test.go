package scd

import (
	"context"
	"fmt"
	"sync"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
	"github.com/medrecon/warehouse/pkg/warehouse/runlog"
)

type mockRows struct {
	rows [][]any
	idx  int
	err  error
}

func (m *mockRows) Next() bool {
	if m.idx < len(m.rows) {
		m.idx++
		return true
	}
	return false
}

func (m *mockRows) Scan(dest ...any) error {
	row := m.rows[m.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *any:
			*p = row[i]
		case *string:
			*p = row[i].(string)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func (m *mockRows) Err() error { return m.err }
func (m *mockRows) Close()     {}

func colRows(names ...string) pg.Rows {
	rows := make([][]any, len(names))
	for i, name := range names {
		rows[i] = []any{name}
	}
	return &mockRows{rows: rows}
}

// mockDB records every statement it is handed; tests assert on both behavior
// and on what never ran.
type mockDB struct {
	mu    sync.Mutex
	stmts []string

	ExecFunc     func(ctx context.Context, query string, args ...any) (int64, error)
	QueryFunc    func(ctx context.Context, query string, args ...any) (pg.Rows, error)
	QueryRowFunc func(ctx context.Context, query string, args ...any) pg.Row
	WithTxFunc   func(ctx context.Context, fn func(q pg.Querier) error) error
}

func (m *mockDB) record(query string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stmts = append(m.stmts, query)
}

func (m *mockDB) statementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stmts)
}

func (m *mockDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	m.record(query)
	if m.ExecFunc == nil {
		return 0, fmt.Errorf("unexpected exec: %s", query)
	}
	return m.ExecFunc(ctx, query, args...)
}

func (m *mockDB) Query(ctx context.Context, query string, args ...any) (pg.Rows, error) {
	m.record(query)
	if m.QueryFunc == nil {
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
	return m.QueryFunc(ctx, query, args...)
}

func (m *mockDB) QueryRow(ctx context.Context, query string, args ...any) pg.Row {
	m.record(query)
	return m.QueryRowFunc(ctx, query, args...)
}

func (m *mockDB) WithTx(ctx context.Context, fn func(q pg.Querier) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, fn)
	}
	return fn(m)
}

func (m *mockDB) Ping(ctx context.Context) error { return nil }
func (m *mockDB) Close()                         {}

type mockConfigSource struct {
	GetFunc         func(ctx context.Context, tableName string) (registry.DimensionConfig, error)
	ListEnabledFunc func(ctx context.Context) ([]registry.DimensionConfig, error)

	mu       sync.Mutex
	getCalls int
}

func (m *mockConfigSource) Get(ctx context.Context, tableName string) (registry.DimensionConfig, error) {
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()
	return m.GetFunc(ctx, tableName)
}

func (m *mockConfigSource) ListEnabled(ctx context.Context) ([]registry.DimensionConfig, error) {
	return m.ListEnabledFunc(ctx)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []runlog.Entry
	err     error
}

func (s *recordingSink) LogExecution(ctx context.Context, e runlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) all() []runlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runlog.Entry(nil), s.entries...)
}

func veteranConfig() registry.DimensionConfig {
	return registry.DimensionConfig{
		TableName:          "dim_veteran",
		TargetSchema:       "warehouse",
		SourceSchema:       "staging",
		SourceTable:        "stg_dim_veteran",
		BusinessKeyColumns: []string{"master_id"},
		ChangeHashColumn:   "content_hash",
		SurrogateKeyColumn: "veteran_sk",
		Enabled:            true,
		Active:             true,
	}
}
