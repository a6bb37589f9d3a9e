package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/bus"
)

// Queries faster than this that succeed are not logged.
const slowQueryThreshold = 100 * time.Millisecond

// Origin labels for queries that did not come from an HTTP request.
const (
	OriginBus     = "BUS"
	OriginUnknown = "UNKNOWN"
)

type ctxKey string

const (
	ctxKeyHTTPMethod ctxKey = "http.method"
	ctxKeyQuery      ctxKey = "pgx.query"
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// origin is the HTTP method, OriginBus or OriginUnknown; route is the chi
// route pattern or the bus topic.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration) {
	f(ctx, origin, route, outcome, dur)
}

type observerHolder struct{ QueryObserver }

var queryObserver atomic.Pointer[observerHolder]

// SetQueryObserver sets the global query observer. nil clears it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

// queryOrigin labels a query by what triggered it: an HTTP route, a bus
// event delivered to a worker, or neither.
func queryOrigin(ctx context.Context) (origin, route string) {
	if rc := chi.RouteContext(ctx); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			origin, _ = ctx.Value(ctxKeyHTTPMethod).(string)
			if origin == "" {
				origin = OriginUnknown
			}
			return origin, pattern
		}
	}
	if ev, ok := bus.EventFromContext(ctx); ok {
		return OriginBus, ev.Topic
	}
	if method, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return method, "unknown"
	}
	return OriginUnknown, "unknown"
}

// queryInfo travels from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) with metrics and
// a log line for slow or failed queries. Arguments are never logged: case
// records carry patient descriptions.
type loggingTracer struct {
	inner pgx.QueryTracer
	now   func() time.Time
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner, now: time.Now}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := queryInfo{
		sql:    data.SQL,
		nargs:  len(data.Args),
		start:  t.now(),
		caller: findDBCaller(),
	}

	// inner tracer creates the span first
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		origin, route := queryOrigin(ctx)
		attrs := []attribute.KeyValue{
			attribute.String("carepath.db.origin", origin),
			attribute.String("carepath.db.route", route),
		}
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		span.SetAttributes(attrs...)
	}

	return context.WithValue(ctx, ctxKeyQuery, info)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(queryInfo)
	var dur time.Duration
	if !info.start.IsZero() {
		dur = t.now().Sub(info.start)
	}

	origin, route := queryOrigin(ctx)
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, origin, route, outcome, dur)
	}

	if data.Err == nil && dur < slowQueryThreshold {
		return
	}

	fields := []any{
		"db.statement", compactSQL(info.sql),
		"db.args_count", info.nargs,
		"db.duration", dur.Seconds(),
		"db.origin", origin,
		"db.route", route,
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if L == nil {
		return
	}
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findDBCaller returns the first application frame issuing the query,
// usually a store method such as (*Store).Update.
func findDBCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !skipFrame(fn) {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "github.com/linnemanlabs/carepath/internal/postgres.")
}

func shortenFuncName(fn string) string {
	// package path
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// package name, keep receiver + method
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
