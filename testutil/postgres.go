package testutil

import (
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/gigglebyte/db"
)

// SetupTestDB opens the database named by TEST_PG_DSN, applies migrations and
// empties the users table. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE users`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to reset users: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
