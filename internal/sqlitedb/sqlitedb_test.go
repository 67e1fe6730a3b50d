package sqlitedb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func queryInt(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestOpenAppliesMigrations(t *testing.T) {
	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
		"002_more.sql":  &fstest.MapFile{Data: []byte("CREATE TABLE more(id INTEGER);")},
		"README.md":     &fstest.MapFile{Data: []byte("not sql")},
	}
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, migrations)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if got := queryInt(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 2 {
		t.Errorf("recorded migrations = %d, want 2", got)
	}
	if _, err := db.Exec("INSERT INTO items(id) VALUES ('a')"); err != nil {
		t.Errorf("items table missing: %v", err)
	}
	if _, err := db.Exec("INSERT INTO more(id) VALUES (1)"); err != nil {
		t.Errorf("more table missing: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("CREATE TABLE items(id TEXT PRIMARY KEY);")},
	}
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, migrations)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.Close()

	db, err = Open(path, migrations)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db.Close()
	if got := queryInt(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 1 {
		t.Errorf("recorded migrations = %d, want 1", got)
	}
}

func TestFailedMigrationNotRecorded(t *testing.T) {
	bad := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("CREAT TABLE nope(id INT);")},
	}
	if _, err := Open(filepath.Join(t.TempDir(), "bad.db"), bad); err == nil {
		t.Fatal("expected migration error")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  ", fstest.MapFS{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestExtractUp(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"CREATE TABLE a(x);", "CREATE TABLE a(x);"},
		{"-- +migrate Up\nA;\n-- +migrate Down\nB;", "\nA;\n"},
		{"-- +migrate Up\nA;", "\nA;"},
	}
	for _, tt := range tests {
		if got := extractUp(tt.in); got != tt.want {
			t.Errorf("extractUp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 5_000_000, time.FixedZone("x", 3600))
	if got := FromMillis(ToMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}
