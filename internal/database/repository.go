package database

import (
	"context"

	"github.com/flowpbx/openzap/internal/database/models"
	"github.com/flowpbx/openzap/internal/tone"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// AdminUserRepository manages admin API operators.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	List(ctx context.Context) ([]models.AdminUser, error)
	UpdatePassword(ctx context.Context, id int64, hash string) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// SpanRepository manages persisted span definitions.
type SpanRepository interface {
	Create(ctx context.Context, span *models.Span) error
	GetByName(ctx context.Context, name string) (*models.Span, error)
	List(ctx context.Context) ([]models.Span, error)
	ListEnabled(ctx context.Context) ([]models.Span, error)
	SetToneMap(ctx context.Context, name, tonemap string) error
	Delete(ctx context.Context, name string) error
}

// ToneMapRepository manages named call-progress tone maps. It is a
// tone.Source so spans can load maps straight from the store.
type ToneMapRepository interface {
	tone.Source
	Put(ctx context.Context, mapName string, entries []tone.Entry) error
	ListMaps(ctx context.Context) ([]string, error)
	Entries(ctx context.Context, mapName string) ([]models.ToneEntry, error)
	DeleteMap(ctx context.Context, mapName string) error
}
