package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/listing-tracker/internal/config"
)

type recordingExecer struct {
	statements []string
	failOn     int
}

func (r *recordingExecer) Exec(ctx context.Context, query string, args ...interface{}) error {
	r.statements = append(r.statements, query)
	if r.failOn > 0 && len(r.statements) == r.failOn {
		return errors.New("syntax error")
	}
	return nil
}

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (
    x UInt8
) ENGINE = Memory;

-- second
CREATE TABLE b (y String) ENGINE = Memory;
SELECT 1`

	stmts := splitSQLStatements(content)
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %q", len(stmts), stmts)
	}
	if stmts[1] != "CREATE TABLE b (y String) ENGINE = Memory" {
		t.Errorf("statement 2 = %q", stmts[1])
	}
	if stmts[2] != "SELECT 1" {
		t.Errorf("statement 3 = %q", stmts[2])
	}
}

func TestRunClickHouseMigrations(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"002_second.sql": "CREATE TABLE two (x UInt8) ENGINE = Memory;",
		"001_first.sql":  "CREATE TABLE one (x UInt8) ENGINE = Memory;\nCREATE TABLE one_b (x UInt8) ENGINE = Memory;",
		"README.md":      "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	exec := &recordingExecer{}
	if err := RunClickHouseMigrations(context.Background(), exec, dir); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}
	if len(exec.statements) != 3 {
		t.Fatalf("executed %d statements, want 3", len(exec.statements))
	}
	if exec.statements[0] != "CREATE TABLE one (x UInt8) ENGINE = Memory" {
		t.Errorf("first statement = %q, want files applied in name order", exec.statements[0])
	}

	failing := &recordingExecer{failOn: 2}
	if err := RunClickHouseMigrations(context.Background(), failing, dir); err == nil {
		t.Error("expected failure to propagate")
	}
}

func TestRepositoryClickHouseMigrations(t *testing.T) {
	exec := &recordingExecer{}
	if err := RunClickHouseMigrations(context.Background(), exec, "../../migrations/clickhouse"); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}
	if len(exec.statements) == 0 {
		t.Error("expected at least one statement in migrations/clickhouse")
	}
}

func TestNewClickHouseDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(testContext(t), &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "default",
		User:     "default",
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
