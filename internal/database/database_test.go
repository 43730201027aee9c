package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowpbx/openzap/internal/database/models"
	"github.com/flowpbx/openzap/internal/tone"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if db.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %q", db.Path())
	}
	if _, err := os.Stat(db.Path()); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{"schema_migrations", "system_config", "admin_users", "spans", "tone_entries"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 3 {
		t.Errorf("migration count = %d, want 3", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db2.Close()

	// The seeded tone map must not be inserted twice.
	var n int
	if err := db2.QueryRow("SELECT COUNT(*) FROM tone_entries WHERE map_name = 'us' AND key = 'detect-dial'").Scan(&n); err != nil {
		t.Fatalf("counting entries: %v", err)
	}
	if n != 1 {
		t.Errorf("detect-dial rows = %d, want 1", n)
	}
}

func TestSystemConfigRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	repo, err := NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}

	val, err := repo.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get(nonexistent) = %q, want empty", val)
	}

	if err := repo.Set(ctx, ConfigDefaultToneMap, "us"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := repo.Set(ctx, ConfigDefaultToneMap, "uk"); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}
	if val, _ = repo.Get(ctx, ConfigDefaultToneMap); val != "uk" {
		t.Errorf("Get() = %q, want uk", val)
	}

	// A fresh repository sees the persisted value.
	again, err := NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if val, _ = again.Get(ctx, ConfigDefaultToneMap); val != "uk" {
		t.Errorf("reloaded Get() = %q, want uk", val)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAll() returned %d entries, want 1", len(all))
	}
}

func TestGetOrCreate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo, err := NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}

	calls := 0
	gen := func() (string, error) {
		calls++
		return "abc123", nil
	}
	for i := 0; i < 2; i++ {
		v, err := GetOrCreate(ctx, repo, ConfigJWTSecret, gen)
		if err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}
		if v != "abc123" {
			t.Errorf("GetOrCreate() = %q", v)
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}

	_, err = GetOrCreate(ctx, repo, "other", func() (string, error) { return "", errors.New("boom") })
	if err == nil {
		t.Fatal("expected create error to propagate")
	}
}

func TestSpanRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSpanRepository(db)

	spans := []*models.Span{
		{Name: "t1a", IOName: "loop", TrunkType: "t1", ChanSpec: "1-23,24:dq921", ToneMap: "us", Enabled: true, Position: 2},
		{Name: "rtp0", IOName: "rtp", ChanSpec: "1-4", Enabled: true, Position: 1},
		{Name: "spare", IOName: "serial", ChanSpec: "/dev/ttyS0@57600", ChanType: "dq921"},
	}
	for _, s := range spans {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) error: %v", s.Name, err)
		}
		if s.ID == 0 {
			t.Errorf("Create(%s) did not set ID", s.Name)
		}
	}

	if err := repo.Create(ctx, &models.Span{Name: "t1a", IOName: "loop", ChanSpec: "1"}); err == nil {
		t.Error("expected duplicate name to fail")
	}

	got, err := repo.GetByName(ctx, "rtp0")
	if err != nil {
		t.Fatalf("GetByName() error: %v", err)
	}
	if got == nil || got.ChanType != "b" || got.TrunkType != "none" || got.InitState != "DOWN" {
		t.Fatalf("GetByName() = %+v, want defaults filled", got)
	}

	missing, err := repo.GetByName(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByName(nope) = %v, %v; want nil, nil", missing, err)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 || all[0].Name != "spare" || all[1].Name != "rtp0" || all[2].Name != "t1a" {
		t.Errorf("List() order = %v", spanNames(all))
	}

	enabled, err := repo.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() error: %v", err)
	}
	if len(enabled) != 2 || enabled[0].Name != "rtp0" {
		t.Errorf("ListEnabled() = %v", spanNames(enabled))
	}

	if err := repo.SetToneMap(ctx, "rtp0", "uk"); err != nil {
		t.Fatalf("SetToneMap() error: %v", err)
	}
	if got, _ = repo.GetByName(ctx, "rtp0"); got.ToneMap != "uk" {
		t.Errorf("tonemap = %q, want uk", got.ToneMap)
	}
	if err := repo.SetToneMap(ctx, "nope", "uk"); err == nil {
		t.Error("expected SetToneMap on missing span to fail")
	}

	if err := repo.Delete(ctx, "spare"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if all, _ = repo.List(ctx); len(all) != 2 {
		t.Errorf("List() after delete = %v", spanNames(all))
	}
}

func spanNames(spans []models.Span) []string {
	var out []string
	for _, s := range spans {
		out = append(out, s.Name)
	}
	return out
}

func TestToneMapRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewToneMapRepository(db)

	entries, err := repo.ToneMap(ctx, "us")
	if err != nil {
		t.Fatalf("ToneMap(us) error: %v", err)
	}
	m, skipped, err := tone.Parse("us", entries)
	if err != nil {
		t.Fatalf("seeded map does not parse: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("seeded map has unknown entries: %v", skipped)
	}
	if f := m.DetectFreqs(tone.Dial); len(f) != 2 || f[0] != 350 || f[1] != 440 {
		t.Errorf("dial = %v", f)
	}

	if _, err := repo.ToneMap(ctx, "uk"); !errors.Is(err, tone.ErrUnknownMap) {
		t.Errorf("ToneMap(uk) error = %v, want ErrUnknownMap", err)
	}

	uk := []tone.Entry{
		{Key: "detect-dial", Value: "350,450"},
		{Key: "detect-busy", Value: "400"},
	}
	if err := repo.Put(ctx, "uk", uk); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	// Put replaces rather than merges.
	if err := repo.Put(ctx, "uk", uk[:1]); err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	rows, err := repo.Entries(ctx, "uk")
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "detect-dial" || rows[0].MapName != "uk" {
		t.Errorf("Entries(uk) = %+v", rows)
	}

	names, err := repo.ListMaps(ctx)
	if err != nil {
		t.Fatalf("ListMaps() error: %v", err)
	}
	if len(names) != 2 || names[0] != "uk" || names[1] != "us" {
		t.Errorf("ListMaps() = %v", names)
	}

	if err := repo.DeleteMap(ctx, "uk"); err != nil {
		t.Fatalf("DeleteMap() error: %v", err)
	}
	if _, err := repo.ToneMap(ctx, "uk"); !errors.Is(err, tone.ErrUnknownMap) {
		t.Errorf("after delete error = %v", err)
	}
}

func TestAdminUserRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewAdminUserRepository(db)

	hash, err := cheapParams.Hash("secret")
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	u := &models.AdminUser{Username: "admin", PasswordHash: hash}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v", n, err)
	}

	got, err := repo.GetByUsername(ctx, "admin")
	if err != nil || got == nil {
		t.Fatalf("GetByUsername() = %v, %v", got, err)
	}
	if err := VerifyPassword("secret", got.PasswordHash); err != nil {
		t.Errorf("VerifyPassword() error: %v", err)
	}

	newHash, _ := cheapParams.Hash("changed")
	if err := repo.UpdatePassword(ctx, u.ID, newHash); err != nil {
		t.Fatalf("UpdatePassword() error: %v", err)
	}
	got, _ = repo.GetByUsername(ctx, "admin")
	if err := VerifyPassword("secret", got.PasswordHash); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("old password error = %v, want mismatch", err)
	}

	if none, err := repo.GetByUsername(ctx, "ghost"); none != nil || err != nil {
		t.Errorf("GetByUsername(ghost) = %v, %v", none, err)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}
	if err := repo.Delete(ctx, u.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n, _ = repo.Count(ctx); n != 0 {
		t.Errorf("Count() after delete = %d", n)
	}
}
