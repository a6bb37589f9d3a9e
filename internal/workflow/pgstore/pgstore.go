// Package pgstore provides a PostgreSQL implementation of workflow.Store.
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/carepath/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carepath/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// filterColumns maps queryable fields to SQL expressions compared as text.
var filterColumns = map[string]string{
	workflow.FieldStatus:      "status",
	workflow.FieldState:       "state",
	workflow.FieldRouteType:   "route_type",
	workflow.FieldSpecialty:   "specialty",
	workflow.FieldPriority:    "COALESCE(priority::text, '')",
	workflow.FieldIsEmergency: "COALESCE(is_emergency::text, '')",
}

// Store persists case records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get retrieves a case record by ID.
func (s *Store) Get(ctx context.Context, id string) (*workflow.Result, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT record, images FROM cases WHERE id = $1`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Create inserts a new record. A duplicate ID returns workflow.ErrExists.
func (s *Store) Create(ctx context.Context, r *workflow.Result) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	row, err := toRow(r)
	if err != nil {
		fail(span, err)
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO cases (id, status, state, route_type, specialty, priority, is_emergency, record, created_at, completed_at, images)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			append(row.args(), row.images)...,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", workflow.ErrExists, r.ID)
			}
			return fmt.Errorf("insert case: %w", err)
		}
		return insertFailures(ctx, tx, r)
	})
	if err != nil {
		fail(span, err)
	}
	return err
}

// Update replaces an existing record. A missing ID returns workflow.ErrNotFound.
// Intake images are written once by Create and left untouched.
func (s *Store) Update(ctx context.Context, r *workflow.Result) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	row, err := toRow(r)
	if err != nil {
		fail(span, err)
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE cases SET
				status       = $2,
				state        = $3,
				route_type   = $4,
				specialty    = $5,
				priority     = $6,
				is_emergency = $7,
				record       = $8,
				created_at   = $9,
				completed_at = $10,
				updated_at   = now()
			 WHERE id = $1`,
			row.args()...,
		)
		if err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", workflow.ErrNotFound, r.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM case_failures WHERE case_id = $1`, r.ID); err != nil {
			return fmt.Errorf("clear failures: %w", err)
		}
		return insertFailures(ctx, tx, r)
	})
	if err != nil {
		fail(span, err)
	}
	return err
}

// QueryByField returns every record whose field equals value, newest first.
func (s *Store) QueryByField(ctx context.Context, field, value string) ([]*workflow.Result, error) {
	col, ok := filterColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workflow.ErrUnknownField, field)
	}

	ctx, span := startSpan(ctx, "pgstore.QueryByField", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("carepath.query.field", field))

	// col comes from filterColumns, never from the caller
	rows, err := s.pool.Query(ctx,
		`SELECT record, images FROM cases WHERE `+col+` = $1 ORDER BY created_at DESC, id DESC`,
		value,
	)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Result
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertFailures(ctx context.Context, tx pgx.Tx, r *workflow.Result) error {
	for i, f := range r.Failures {
		_, err := tx.Exec(ctx,
			`INSERT INTO case_failures (case_id, seq, stage, error, default_) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, i, string(f.Stage), f.Error, f.Default,
		)
		if err != nil {
			return fmt.Errorf("insert failure %d: %w", i, err)
		}
	}
	return nil
}

// caseRow holds the denormalized columns written alongside the JSONB record.
// Case images are kept out of the record and stored in their own column.
type caseRow struct {
	id          string
	status      string
	state       string
	routeType   string
	specialty   string
	priority    *int
	isEmergency *bool
	record      []byte
	images      []byte
	createdAt   time.Time
	completedAt *time.Time
}

func toRow(r *workflow.Result) (caseRow, error) {
	record, err := json.Marshal(r)
	if err != nil {
		return caseRow{}, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}

	var imgs []string
	if r.Case != nil {
		imgs = r.Case.Images
	}
	if imgs == nil {
		imgs = []string{}
	}
	images, err := json.Marshal(imgs)
	if err != nil {
		return caseRow{}, fmt.Errorf("marshal images %s: %w", r.ID, err)
	}

	row := caseRow{
		id:        r.ID,
		status:    string(r.Status),
		state:     string(r.State),
		routeType: string(r.RouteType()),
		record:    record,
		images:    images,
		createdAt: r.CreatedAt,
	}
	if r.Case != nil {
		p, e := r.Case.Priority, r.Case.IsEmergency
		row.specialty = r.Case.Specialty
		row.priority = &p
		row.isEmergency = &e
	}
	if !r.CompletedAt.IsZero() {
		row.completedAt = &r.CompletedAt
	}
	return row, nil
}

func (c caseRow) args() []any {
	return []any{
		c.id, c.status, c.state, c.routeType, c.specialty,
		c.priority, c.isEmergency, c.record, c.createdAt, c.completedAt,
	}
}

// scanRecord decodes the record and images columns. Returns (nil, nil) when
// no row is found.
func scanRecord(row pgx.Row) (*workflow.Result, error) {
	var record, images []byte
	if err := row.Scan(&record, &images); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	return decodeRecord(record, images)
}

func decodeRecord(record, images []byte) (*workflow.Result, error) {
	var r workflow.Result
	if err := json.Unmarshal(record, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if r.Case != nil && len(images) > 0 {
		var imgs []string
		if err := json.Unmarshal(images, &imgs); err != nil {
			return nil, fmt.Errorf("unmarshal images: %w", err)
		}
		if len(imgs) > 0 {
			r.Case.Images = imgs
		}
	}
	return &r, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
