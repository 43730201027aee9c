package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/openzap/internal/database/models"
	"github.com/flowpbx/openzap/internal/tone"
)

// toneMapRepo implements ToneMapRepository.
type toneMapRepo struct {
	db *DB
}

// NewToneMapRepository creates a new ToneMapRepository.
func NewToneMapRepository(db *DB) ToneMapRepository {
	return &toneMapRepo{db: db}
}

// ToneMap returns the raw entries of a map. A map with no entries does not
// exist and yields tone.ErrUnknownMap.
func (r *toneMapRepo) ToneMap(ctx context.Context, name string) ([]tone.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM tone_entries WHERE map_name = ? ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("querying tonemap %q: %w", name, err)
	}
	defer rows.Close()

	var entries []tone.Entry
	for rows.Next() {
		var e tone.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning tone entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("tonemap %q: %w", name, tone.ErrUnknownMap)
	}
	return entries, nil
}

// Put replaces every entry of mapName with entries in one transaction.
func (r *toneMapRepo) Put(ctx context.Context, mapName string, entries []tone.Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tonemap transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM tone_entries WHERE map_name = ?`, mapName); err != nil {
		return fmt.Errorf("clearing tonemap %q: %w", mapName, err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tone_entries (map_name, key, value) VALUES (?, ?, ?)`,
			mapName, e.Key, e.Value,
		); err != nil {
			return fmt.Errorf("inserting tone entry %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tonemap %q: %w", mapName, err)
	}
	return nil
}

// ListMaps returns the names of every stored map.
func (r *toneMapRepo) ListMaps(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT map_name FROM tone_entries ORDER BY map_name`)
	if err != nil {
		return nil, fmt.Errorf("querying tonemaps: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning tonemap name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Entries returns the stored rows of a map, empty if it does not exist.
func (r *toneMapRepo) Entries(ctx context.Context, mapName string) ([]models.ToneEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, map_name, key, value FROM tone_entries WHERE map_name = ? ORDER BY id`, mapName)
	if err != nil {
		return nil, fmt.Errorf("querying tone entries: %w", err)
	}
	defer rows.Close()

	var out []models.ToneEntry
	for rows.Next() {
		var e models.ToneEntry
		if err := rows.Scan(&e.ID, &e.MapName, &e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning tone entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMap removes every entry of a map.
func (r *toneMapRepo) DeleteMap(ctx context.Context, mapName string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tone_entries WHERE map_name = ?`, mapName); err != nil {
		return fmt.Errorf("deleting tonemap %q: %w", mapName, err)
	}
	return nil
}
