package ingestapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/tradewatch/internal/postgres"
)

// QueryStats tags each request with its method for DB query logs and
// attaches a per-request query counter. When the request issued queries the
// totals land on the server span and in the request log.
func QueryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.WithHTTPMethod(r.Context(), r.Method)
		ctx, stats := postgres.WithReqDBStats(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))

		queries, errs, dur := stats.Snapshot()
		if queries == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.queries", queries),
			attribute.Int("db.errors", errs),
			attribute.Float64("db.duration_s", dur.Seconds()),
		)
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.queries", queries,
			"db.errors", errs,
			"db.duration", dur.Seconds(),
		)
	})
}
