package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowpbx/openzap/internal/database/models"
)

// Well-known system_config keys.
const (
	// ConfigJWTSecret holds the hex HMAC key for admin tokens when none is
	// configured, so issued tokens survive a restart.
	ConfigJWTSecret = "api.jwt_secret"
	// ConfigDefaultToneMap overrides the default-tonemap setting.
	ConfigDefaultToneMap = "tones.default_map"
)

// systemConfigRepo implements SystemConfigRepository over a write-through
// in-memory cache.
type systemConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSystemConfigRepository creates a SystemConfigRepository and loads every
// stored key into memory.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{
		db:    db,
		cache: make(map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	return repo, nil
}

// Get returns the value for key, empty if unset.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set upserts key in the database, then the cache.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
	return nil
}

// GetAll returns every entry straight from the database.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.ID, &c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system config row: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// GetOrCreate returns the value of key, storing the result of create first
// when the key is unset.
func GetOrCreate(ctx context.Context, repo SystemConfigRepository, key string, create func() (string, error)) (string, error) {
	v, err := repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	v, err = create()
	if err != nil {
		return "", fmt.Errorf("creating config %q: %w", key, err)
	}
	if err := repo.Set(ctx, key, v); err != nil {
		return "", err
	}
	return v, nil
}

func (r *systemConfigRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM system_config")
	if err != nil {
		return fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning config row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}
