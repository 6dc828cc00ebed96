package fluxaid

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

const sourceMySQL = "mysql"
const sourceRedis = "redis"
const sourceGenerator = "generator"

// LogHandler receives query and generator events. ctx is nil for events raised
// outside of a Context, like clock regressions or node identity resolution.
type LogHandler interface {
	Handle(ctx Context, log map[string]any)
}

type defaultLogLogger struct {
	maxPoolLen int
	logger     *log.Logger
}

func newDefaultLogLogger(maxPoolLen int) *defaultLogLogger {
	return &defaultLogLogger{maxPoolLen: maxPoolLen, logger: log.New(os.Stderr, "", 0)}
}

func (d *defaultLogLogger) Handle(_ Context, fields map[string]any) {
	pool, _ := fields["pool"].(string)
	row := "[FLUXAID][" + fmt.Sprintf("%-"+fmt.Sprintf("%d", d.maxPoolLen)+"s", pool) + "][" + fields["source"].(string) + "]"
	row += "[" + fields["operation"].(string) + "] " + fields["query"].(string)
	if microseconds, has := fields["microseconds"]; has {
		row += fmt.Sprintf(" [%dµs]", microseconds)
	}
	if err, has := fields["error"]; has {
		row += " ERROR: " + err.(string)
	}
	d.logger.Println(row)
}

func fillLogFields(ctx Context, handlers []LogHandler, pool, source, operation, query string, duration *time.Duration, err error) {
	fields := map[string]any{
		"operation": operation,
		"query":     strings.TrimSpace(query),
		"pool":      pool,
		"source":    source,
	}
	if duration != nil {
		fields["microseconds"] = duration.Microseconds()
		now := time.Now()
		fields["started"] = now.Add(-*duration).UnixNano()
		fields["finished"] = now.UnixNano()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if ctx != nil {
		meta := ctx.GetMetaData()
		if len(meta) > 0 {
			fields["meta"] = meta
		}
	}
	for _, handler := range handlers {
		handler.Handle(ctx, fields)
	}
}

func logEvent(logger LogHandler, operation, message string, err error) {
	if logger == nil {
		return
	}
	fillLogFields(nil, []LogHandler{logger}, "", sourceGenerator, operation, message, nil, err)
}
