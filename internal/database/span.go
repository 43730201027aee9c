package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/openzap/internal/database/models"
)

const spanColumns = `id, name, io_name, trunk_type, chan_spec, chan_type, tonemap,
	 init_state, enabled, position, created_at, updated_at`

// spanRepo implements SpanRepository.
type spanRepo struct {
	db *DB
}

// NewSpanRepository creates a new SpanRepository.
func NewSpanRepository(db *DB) SpanRepository {
	return &spanRepo{db: db}
}

// Create inserts a new span definition.
func (r *spanRepo) Create(ctx context.Context, span *models.Span) error {
	if span.ChanType == "" {
		span.ChanType = "b"
	}
	if span.TrunkType == "" {
		span.TrunkType = "none"
	}
	if span.InitState == "" {
		span.InitState = "DOWN"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO spans (name, io_name, trunk_type, chan_spec, chan_type, tonemap,
		 init_state, enabled, position, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		span.Name, span.IOName, span.TrunkType, span.ChanSpec, span.ChanType,
		span.ToneMap, span.InitState, span.Enabled, span.Position,
	)
	if err != nil {
		return fmt.Errorf("inserting span: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	span.ID = id
	return nil
}

// GetByName returns a span definition by name, nil if there is none.
func (r *spanRepo) GetByName(ctx context.Context, name string) (*models.Span, error) {
	s, err := scanSpan(r.db.QueryRowContext(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying span by name: %w", err)
	}
	return s, nil
}

// List returns every span definition in start order.
func (r *spanRepo) List(ctx context.Context) ([]models.Span, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM spans ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	defer rows.Close()

	return scanSpans(rows)
}

// ListEnabled returns the enabled span definitions in start order.
func (r *spanRepo) ListEnabled(ctx context.Context) ([]models.Span, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE enabled = 1 ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled spans: %w", err)
	}
	defer rows.Close()

	return scanSpans(rows)
}

// SetToneMap records the tone map a span loads at startup.
func (r *spanRepo) SetToneMap(ctx context.Context, name, tonemap string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE spans SET tonemap = ?, updated_at = datetime('now') WHERE name = ?`,
		tonemap, name,
	)
	if err != nil {
		return fmt.Errorf("updating span tonemap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("span %q not found", name)
	}
	return nil
}

// Delete removes a span definition by name.
func (r *spanRepo) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM spans WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting span: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*models.Span, error) {
	var s models.Span
	err := row.Scan(&s.ID, &s.Name, &s.IOName, &s.TrunkType, &s.ChanSpec, &s.ChanType,
		&s.ToneMap, &s.InitState, &s.Enabled, &s.Position, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSpans(rows *sql.Rows) ([]models.Span, error) {
	var spans []models.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning span row: %w", err)
		}
		spans = append(spans, *s)
	}
	return spans, rows.Err()
}
