// Package pgstore provides a PostgreSQL implementation of watch.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/tradewatch/internal/postgres"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tradewatch/internal/watch/pgstore")

//go:embed schema.sql
var schema string

// Store persists resolutions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the connection; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const columns = `id, subject_id, display_tag, queue, source, state, outcome, reason,
	strategies, external_id, valuation, alert_id, alert_kind, items, created_at, completed_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a resolution by run ID.
func (s *Store) Get(ctx context.Context, id string) (*watch.Resolution, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRow(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM resolutions WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetBySubject retrieves the most recent resolution for a subject.
func (s *Store) GetBySubject(ctx context.Context, subjectID string) (*watch.Resolution, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetBySubject", "SELECT")
	defer span.End()

	r, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM resolutions WHERE subject_id = $1 ORDER BY created_at DESC LIMIT 1`, subjectID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or updates a resolution.
func (s *Store) Put(ctx context.Context, r *watch.Resolution) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	source, err := json.Marshal(r.Source)
	if err != nil {
		return fail(span, fmt.Errorf("marshal source: %w", err))
	}
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fail(span, fmt.Errorf("marshal items: %w", err))
	}
	if r.Items == nil {
		items = []byte("[]")
	}
	strategies := make([]string, len(r.Strategies))
	for i, st := range r.Strategies {
		strategies[i] = string(st)
	}
	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO resolutions (`+columns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (id) DO UPDATE SET
		display_tag  = EXCLUDED.display_tag,
		state        = EXCLUDED.state,
		outcome      = EXCLUDED.outcome,
		reason       = EXCLUDED.reason,
		strategies   = EXCLUDED.strategies,
		external_id  = EXCLUDED.external_id,
		valuation    = EXCLUDED.valuation,
		alert_id     = EXCLUDED.alert_id,
		alert_kind   = EXCLUDED.alert_kind,
		items        = EXCLUDED.items,
		completed_at = EXCLUDED.completed_at,
		duration_s   = EXCLUDED.duration_s`,
		r.ID, r.SubjectID, r.DisplayTag, r.Queue, source, string(r.State), string(r.Outcome), r.Reason,
		strategies, r.ExternalID, r.Valuation, r.AlertID, string(r.AlertKind), items, r.CreatedAt, completedAt, r.Duration,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert resolution: %w", err))
	}
	return nil
}

// Recent returns terminal resolutions completed after since, newest first.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]*watch.Resolution, error) {
	ctx, span := startSpan(ctx, "pgstore.Recent", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM resolutions
		WHERE state = $1 AND completed_at > $2
		ORDER BY completed_at DESC LIMIT $3`, string(watch.StateTerminal), since, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent: %w", err))
	}
	defer rows.Close()

	var out []*watch.Resolution
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate recent: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// scanRow scans a single row. Returns (nil, nil) when no row is found.
func scanRow(row pgx.Row) (*watch.Resolution, error) {
	var (
		r           watch.Resolution
		source      []byte
		state       string
		outcome     string
		strategies  []string
		alertKind   string
		items       []byte
		completedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.SubjectID, &r.DisplayTag, &r.Queue, &source, &state, &outcome, &r.Reason,
		&strategies, &r.ExternalID, &r.Valuation, &r.AlertID, &alertKind, &items, &r.CreatedAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.State = watch.State(state)
	r.Outcome = watch.Outcome(outcome)
	r.AlertKind = watch.AlertKind(alertKind)
	for _, st := range strategies {
		r.Strategies = append(r.Strategies, watch.Strategy(st))
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(source, &r.Source); err != nil {
		return nil, fmt.Errorf("unmarshal source: %w", err)
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &r, nil
}
