package fluxaid

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const metricsOperationExec = "exec"
const metricsOperationSelect = "select"

type MySQLConfig interface {
	GetCode() string
	GetDatabaseName() string
	GetDataSourceURI() string
	GetOptions() *MySQLOptions
	getClient() *sql.DB
}

type mySQLConfig struct {
	dataSourceName string
	code           string
	databaseName   string
	client         *sql.DB
	options        *MySQLOptions
}

func (p *mySQLConfig) GetCode() string {
	return p.code
}

func (p *mySQLConfig) GetDatabaseName() string {
	return p.databaseName
}

func (p *mySQLConfig) GetDataSourceURI() string {
	return p.dataSourceName
}

func (p *mySQLConfig) getClient() *sql.DB {
	return p.client
}

func (p *mySQLConfig) GetOptions() *MySQLOptions {
	return p.options
}

type Where struct {
	query      string
	parameters []any
}

func NewWhere(query string, parameters ...any) Where {
	return Where{query: query, parameters: parameters}
}

func (w Where) String() string {
	return w.query
}

func (w Where) GetParameters() []any {
	return w.parameters
}

type ExecResult interface {
	LastInsertId() (uint64, error)
	RowsAffected() (uint64, error)
}

type execResult struct {
	r sql.Result
}

func (e *execResult) LastInsertId() (uint64, error) {
	id, err := e.r.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (e *execResult) RowsAffected() (uint64, error) {
	id, err := e.r.RowsAffected()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

type DBClient interface {
	ExecContext(context context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(context context.Context, query string, args ...any) *sql.Row
	QueryContext(context context.Context, query string, args ...any) (*sql.Rows, error)
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type standardSQLClient struct {
	db DBClient
}

type DB interface {
	GetConfig() MySQLConfig
	GetDBClient() DBClient
	SetMockDBClient(mock DBClient)
	Exec(ctx Context, query string, args ...any) (ExecResult, error)
	QueryRow(ctx Context, query Where, toFill ...any) (found bool, err error)
	Query(ctx Context, query string, args ...any) (rows Rows, close func(), err error)
}

type dbImplementation struct {
	client *standardSQLClient
	config MySQLConfig
}

func (db *dbImplementation) GetConfig() MySQLConfig {
	return db.config
}

func (db *dbImplementation) GetDBClient() DBClient {
	return db.client.db
}

func (db *dbImplementation) SetMockDBClient(mock DBClient) {
	db.client.db = mock
}

func (db *dbImplementation) Exec(ctx Context, query string, args ...any) (ExecResult, error) {
	hasLogger, _ := ctx.getDBLoggers()
	start := time.Now()
	res, err := db.client.db.ExecContext(ctx.Context(), query, args...)
	end := time.Since(start)
	if hasLogger {
		message := query
		if len(args) > 0 {
			message += " " + fmt.Sprintf("%v", args)
		}
		db.fillLogFields(ctx, "EXEC", message, end, err)
	}
	db.fillMetrics(ctx, end, metricsOperationExec, err)
	if err != nil {
		return nil, err
	}
	return &execResult{r: res}, nil
}

func (db *dbImplementation) QueryRow(ctx Context, query Where, toFill ...any) (found bool, err error) {
	hasLogger, _ := ctx.getDBLoggers()
	start := time.Now()
	row := db.client.db.QueryRowContext(ctx.Context(), query.String(), query.GetParameters()...)
	err = row.Scan(toFill...)
	end := time.Since(start)
	message := ""
	if hasLogger {
		message = query.String()
		if len(query.GetParameters()) > 0 {
			message += " " + fmt.Sprintf("%v", query.GetParameters())
		}
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if hasLogger {
				db.fillLogFields(ctx, "SELECT", message, end, nil)
			}
			db.fillMetrics(ctx, end, metricsOperationSelect, nil)
			return false, nil
		}
		if hasLogger {
			db.fillLogFields(ctx, "SELECT", message, end, err)
		}
		db.fillMetrics(ctx, end, metricsOperationSelect, err)
		return false, err
	}
	if hasLogger {
		db.fillLogFields(ctx, "SELECT", message, end, nil)
	}
	db.fillMetrics(ctx, end, metricsOperationSelect, nil)
	return true, nil
}

func (db *dbImplementation) Query(ctx Context, query string, args ...any) (rows Rows, close func(), err error) {
	hasLogger, _ := ctx.getDBLoggers()
	start := time.Now()
	result, err := db.client.db.QueryContext(ctx.Context(), query, args...)
	end := time.Since(start)
	if hasLogger {
		message := query
		if len(args) > 0 {
			message += " " + fmt.Sprintf("%v", args)
		}
		db.fillLogFields(ctx, "SELECT", message, end, err)
	}
	db.fillMetrics(ctx, end, metricsOperationSelect, err)
	if err != nil {
		return nil, nil, err
	}
	return result, func() {
		_ = result.Close()
	}, nil
}

func (db *dbImplementation) fillMetrics(ctx Context, end time.Duration, name string, err error) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if hasMetrics {
		metrics.queriesDB.WithLabelValues(name, db.GetConfig().GetCode(), ctx.getMetricsSourceTag()).Observe(end.Seconds())
		if err != nil {
			metrics.queriesDBErrors.WithLabelValues(db.GetConfig().GetCode(), ctx.getMetricsSourceTag()).Inc()
		}
	}
}

func (db *dbImplementation) fillLogFields(ctx Context, operation, query string, duration time.Duration, err error) {
	query = strings.ReplaceAll(query, "\n", " ")
	_, loggers := ctx.getDBLoggers()
	fillLogFields(ctx, loggers, db.GetConfig().GetCode(), sourceMySQL, operation, query, &duration, err)
}
