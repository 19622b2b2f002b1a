// Package postgres owns the connection pool and the query tracer shared by
// every Postgres-backed store.
package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// slowQuery is the duration above which successful queries log at Warn.
const slowQuery = 250 * time.Millisecond

var observer atomic.Pointer[QueryObserverFunc]

type (
	queryKey  struct{}
	statsKey  struct{}
	methodKey struct{}
)

// QueryObserverFunc receives one observation per finished query. route is
// the chi route pattern of the request that issued it, or "background".
type QueryObserverFunc func(ctx context.Context, route, caller, outcome string, dur time.Duration)

// SetQueryObserver installs the global query observer. nil removes it.
func SetQueryObserver(fn QueryObserverFunc) {
	if fn == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&fn)
}

func loadObserver() QueryObserverFunc {
	if p := observer.Load(); p != nil {
		return *p
	}
	return nil
}

// ReqDBStats accumulates query statistics for one request.
type ReqDBStats struct {
	mu       sync.Mutex
	Queries  int
	Errors   int
	Duration time.Duration
}

// Add records one query.
func (s *ReqDBStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	s.Duration += dur
	if err != nil {
		s.Errors++
	}
}

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (queries, errs int, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queries, s.Errors, s.Duration
}

// WithReqDBStats attaches an empty ReqDBStats to ctx.
func WithReqDBStats(ctx context.Context) (context.Context, *ReqDBStats) {
	s := &ReqDBStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// ReqDBStatsFromContext returns the stats attached by WithReqDBStats.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod tags ctx with the request method for query logs.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

// queryInfo is stashed by TraceQueryStart for TraceQueryEnd.
type queryInfo struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx in production) and adds
// a log line, request stats and the observer callback for every query.
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now(), caller: storeCaller()}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if qi.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", qi.caller))
		}
	}
	return context.WithValue(ctx, queryKey{}, qi)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(queryKey{}).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if fn := loadObserver(); fn != nil {
		fn(ctx, routeFromContext(ctx), qi.caller, outcome, dur)
	}

	fields := []any{
		"db.statement", qi.sql,
		"db.args", len(qi.args),
		"db.duration", dur.Seconds(),
		"db.caller", qi.caller,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "db.operation.name", strings.ToUpper(strings.Fields(tag)[0]), "db.rows", data.CommandTag.RowsAffected())
	}
	if m, ok := ctx.Value(methodKey{}).(string); ok {
		fields = append(fields, "http.method", m)
	}

	L := log.FromContext(ctx)
	var pgErr *pgconn.PgError
	switch {
	case errors.As(data.Err, &pgErr):
		L.Error(ctx, data.Err, "db query failed", append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)...)
	case data.Err != nil:
		L.Error(ctx, data.Err, "db query failed", fields...)
	case dur >= slowQuery:
		L.Warn(ctx, "slow db query", fields...)
	default:
		L.Info(ctx, "db query", fields...)
	}
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "background"
}

// storeCaller returns the first frame outside pgx, otelpgx and this
// package, shortened to Type.Method.
func storeCaller() string {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "github.com/linnemanlabs/tradewatch/internal/postgres.")
		if fn != "" && !skip {
			return shortFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	return fn
}
