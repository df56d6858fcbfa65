package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateBringsSchemaCurrent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := Version(db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != len(steps) {
		t.Fatalf("expected version %d, got %d", len(steps), v)
	}
	if _, err := db.Exec(`INSERT INTO records (type, id, doc) VALUES ('granule', 'g1', '{}')`); err != nil {
		t.Fatalf("records table unusable: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO records (type, id, doc) VALUES ('granule', 'g1', '{"status":"running"}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("re-migration must not touch data: %d rows", count)
	}
}

func TestMigrateRejectsMalformedDoc(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO records (type, id, doc) VALUES ('granule', 'g1', 'not json')`); err == nil {
		t.Fatal("non-JSON doc must be rejected by the schema")
	}
}
