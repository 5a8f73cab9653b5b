package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"trustyclaw/internal/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var widgets = Table{
	Name: "widgets",
	Columns: []Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "owner", Type: "VARCHAR(128) NOT NULL"},
	},
	PrimaryKey: []string{"id"},
	Indexes:    []Index{{Name: "idx_widgets_owner", Columns: []string{"owner"}}},
}

func TestEnsureTableIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.EnsureTable(ctx, widgets); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := db.EnsureTable(ctx, widgets); err != nil {
		t.Fatalf("ensure table twice: %v", err)
	}
	if db.Dialect() != DialectSQLite {
		t.Fatalf("unexpected dialect %s", db.Dialect())
	}
}

func TestIsDuplicateOnSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.EnsureTable(ctx, widgets); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO widgets (id, owner) VALUES (?, ?)`, "w-1", "alice"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO widgets (id, owner) VALUES (?, ?)`, "w-1", "bob")
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if IsDuplicate(nil) {
		t.Fatalf("nil must not be duplicate")
	}
}

func TestMySQLStatementsInlineIndexes(t *testing.T) {
	stmts := widgets.statements(DialectMySQL)
	if len(stmts) != 1 {
		t.Fatalf("expected single statement for mysql, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], "INDEX idx_widgets_owner (owner)") {
		t.Fatalf("missing inline index: %s", stmts[0])
	}
	sqliteStmts := widgets.statements(DialectSQLite)
	if len(sqliteStmts) != 2 || !strings.HasPrefix(sqliteStmts[1], "CREATE INDEX IF NOT EXISTS") {
		t.Fatalf("unexpected sqlite statements: %v", sqliteStmts)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.StorageConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(context.Background(), config.StorageConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/x.db")
	if !strings.HasPrefix(got, "file:/tmp/x.db?") || !strings.Contains(got, "busy_timeout") {
		t.Fatalf("unexpected dsn %s", got)
	}
	if sqliteDSN(":memory:") != ":memory:" {
		t.Fatalf("memory dsn should pass through")
	}
}
