package migrate_test

import (
	"context"
	"testing"

	"fieldrelay/internal/db"
	"fieldrelay/internal/migrate"
)

func TestMigrateFreshStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.SchemaVersion(conn)
	if err != nil || v < 1 {
		t.Fatalf("schema version %d err %v", v, err)
	}
	for _, table := range []string{"submissions", "ledger", "events"} {
		var n int
		if err := conn.QueryRowContext(context.Background(),
			`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d err=%v)", table, n, err)
		}
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	first, _ := migrate.SchemaVersion(conn)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	second, _ := migrate.SchemaVersion(conn)
	if first != second {
		t.Fatalf("version moved on re-run: %d -> %d", first, second)
	}
}
