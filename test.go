package fluxaid

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

type MockLogHandler struct {
	Logs []map[string]any
}

func (h *MockLogHandler) Handle(_ Context, log map[string]any) {
	h.Logs = append(h.Logs, log)
}

func (h *MockLogHandler) Clear() {
	h.Logs = nil
}

// PrepareEngine registers local MySQL and Redis pools, validates registry and
// returns a Context with flushed Redis databases. The process wide generator
// is reset first.
func PrepareEngine(t *testing.T, registry Registry) (orm Context) {
	ResetIDGenerator()
	registry.RegisterMySQL("root:root@tcp(localhost:3397)/test", DefaultPoolCode, &MySQLOptions{})
	registry.RegisterRedis("localhost:6395", 0, DefaultPoolCode, nil)
	registry.RegisterRedis("localhost:6395", 1, "second", nil)
	engine, err := registry.Validate()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	orm = engine.NewContext(context.Background())
	err = engine.Redis(DefaultPoolCode).FlushDB(orm)
	assert.NoError(t, err)
	_ = engine.Redis("second").FlushDB(orm)
	t.Cleanup(func() {
		_ = engine.Close(orm)
	})
	return orm
}

// ResetIDGenerator drops the process wide generator together with its
// configuration. Only tests should call it.
func ResetIDGenerator() {
	defaultGeneratorMutex.Lock()
	defer defaultGeneratorMutex.Unlock()
	defaultGenerator.Store(nil)
	defaultGeneratorOptions = nil
}

type MockDBClient struct {
	OriginDB            DBClient
	ExecContextMock     func(context context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContextMock func(context context.Context, query string, args ...any) *sql.Row
	QueryContextMock    func(context context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *MockDBClient) ExecContext(context context.Context, query string, args ...any) (sql.Result, error) {
	if m.ExecContextMock != nil {
		return m.ExecContextMock(context, query, args...)
	}
	return m.OriginDB.ExecContext(context, query, args...)
}

func (m *MockDBClient) QueryRowContext(context context.Context, query string, args ...any) *sql.Row {
	if m.QueryRowContextMock != nil {
		return m.QueryRowContextMock(context, query, args...)
	}
	return m.OriginDB.QueryRowContext(context, query, args...)
}

func (m *MockDBClient) QueryContext(context context.Context, query string, args ...any) (*sql.Rows, error) {
	if m.QueryContextMock != nil {
		return m.QueryContextMock(context, query, args...)
	}
	return m.OriginDB.QueryContext(context, query, args...)
}
