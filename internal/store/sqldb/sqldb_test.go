package sqldb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ardoise/internal/store"
	"ardoise/internal/store/storetest"
)

func TestSQLiteRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ardoise.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresRepositoryContract(t *testing.T) {
	databaseURL := os.Getenv("ARDOISE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ARDOISE_TEST_DATABASE_URL to run postgres integration tests")
	}

	storetest.Run(t, func(t *testing.T) store.Repository {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, databaseURL)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if _, err := s.db.ExecContext(ctx, `TRUNCATE transactions, line_items, clients, catalog_items`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "ardoise.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	applied, err := s.Migrate(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no pending migrations after open, got %v", applied)
	}
}

func TestSchemaVersionAfterOpen(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "nested", "ardoise.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 20261016120000 {
		t.Fatalf("expected init migration version, got %d", version)
	}
}
