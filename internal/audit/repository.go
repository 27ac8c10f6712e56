package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agrilog/agrilog/internal/platform/db"
	"github.com/agrilog/agrilog/internal/shared"
)

// Repository is the read side used by Service.
type Repository interface {
	List(ctx context.Context, scope Scope, filters Filters, limit, offset int) ([]Record, int, error)
	All(ctx context.Context, scope Scope, filters Filters) ([]Record, error)
	Get(ctx context.Context, scope Scope, id int64) (Record, error)
	CountBy(ctx context.Context, scope Scope, dimension Dimension, since time.Time) ([]Count, error)
}

// Dimension is a grouping column for statistics.
type Dimension string

// Supported statistics dimensions.
const (
	DimensionAction Dimension = "action"
	DimensionTable  Dimension = "target_table"
	DimensionActor  Dimension = "actor_user_id"
)

var dimensionColumns = map[Dimension]string{
	DimensionAction: "action",
	DimensionTable:  "target_table",
	DimensionActor:  "COALESCE(actor_user_id::text, 'system')",
}

// PGRepository persists and queries audit records in PostgreSQL.
type PGRepository struct {
	pool db.Pool
}

// NewRepository constructs a PostgreSQL audit repository.
func NewRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var (
	_ Repository = (*PGRepository)(nil)
	_ Sink       = (*PGRepository)(nil)
)

const recordColumns = `id, actor_user_id, tenant_id, target_table, target_id, action,
	previous_state, new_state, source_address, created_at`

// Insert appends one record. Records are never updated afterwards.
func (r *PGRepository) Insert(ctx context.Context, e Entry) (Record, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_records (actor_user_id, tenant_id, target_table, target_id, action,
			previous_state, new_state, source_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.ActorUserID, e.TenantID, e.TargetTable, e.TargetID, string(e.Action),
		nullJSON(e.PreviousState), nullJSON(e.NewState), e.SourceAddress, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return Record{}, fmt.Errorf("audit: insert: %w", err)
	}
	return e.toRecord(id), nil
}

// Write implements Sink.
func (r *PGRepository) Write(ctx context.Context, e Entry) error {
	_, err := r.Insert(ctx, e)
	return err
}

// List returns one page of visible records and the total match count.
func (r *PGRepository) List(ctx context.Context, scope Scope, filters Filters, limit, offset int) ([]Record, int, error) {
	where, args := buildWhere(scope, filters)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_records%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// All returns every visible record matching filters, newest first.
func (r *PGRepository) All(ctx context.Context, scope Scope, filters Filters) ([]Record, error) {
	where, args := buildWhere(scope, filters)
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM audit_records`+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return collectRecords(rows)
}

// Get returns a record by id if it is visible in scope.
func (r *PGRepository) Get(ctx context.Context, scope Scope, id int64) (Record, error) {
	where, args := recordWhere(scope, id)
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM audit_records`+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("audit: record %d: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("audit: get: %w", err)
	}
	return rec, nil
}

// CountBy groups visible records created since the given instant.
func (r *PGRepository) CountBy(ctx context.Context, scope Scope, dimension Dimension, since time.Time) ([]Count, error) {
	column, ok := dimensionColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("audit: unknown dimension %q: %w", dimension, shared.ErrValidation)
	}
	w := newWhereBuilder()
	w.add("created_at >= $%d", since)
	w.scope(scope)
	where, args := w.build()
	query := fmt.Sprintf(`SELECT %[1]s AS key, COUNT(*) FROM audit_records%[2]s GROUP BY %[1]s ORDER BY COUNT(*) DESC, key`,
		column, where)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: count by %s: %w", dimension, err)
	}
	defer rows.Close()
	var counts []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{}
}

// add appends a clause whose single %d placeholder receives the next arg index.
func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) scope(s Scope) {
	if s.Privileged {
		return
	}
	w.add("(actor_user_id = $%d OR actor_user_id IS NULL)", s.ViewerID)
}

func (w *whereBuilder) build() (string, []any) {
	if len(w.clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.clauses, " AND "), w.args
}

// recordWhere restricts a single-record lookup to the viewer's scope, so an
// invisible record reads as missing.
func recordWhere(scope Scope, id int64) (string, []any) {
	w := newWhereBuilder()
	w.add("id = $%d", id)
	w.scope(scope)
	return w.build()
}

func buildWhere(scope Scope, f Filters) (string, []any) {
	w := newWhereBuilder()
	w.scope(scope)
	if f.ActorUserID != nil {
		w.add("actor_user_id = $%d", *f.ActorUserID)
	}
	if f.TenantID != nil {
		w.add("tenant_id = $%d", *f.TenantID)
	}
	if f.TargetTable != "" {
		w.add("target_table = $%d", f.TargetTable)
	}
	if f.Action != "" {
		w.add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		w.add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at <= $%d", f.To)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		w.args = append(w.args, pattern)
		n := len(w.args)
		w.clauses = append(w.clauses, fmt.Sprintf(
			"(target_table ILIKE $%[1]d OR action ILIKE $%[1]d OR COALESCE(source_address, '') ILIKE $%[1]d)", n))
	}
	return w.build()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		action string
		before []byte
		after  []byte
	)
	err := row.Scan(&rec.ID, &rec.ActorUserID, &rec.TenantID, &rec.TargetTable, &rec.TargetID,
		&action, &before, &after, &rec.SourceAddress, &rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Action = Action(action)
	rec.PreviousState = before
	rec.NewState = after
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
