// internal/testutil/db.go
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	internal_storage "github.com/ignatij/replog/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds the test database connection and container
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// SetupTestDB starts a migrated PostgreSQL container. The test is skipped
// when Docker or the DB_* settings are unavailable.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbName == "" {
		t.Skip("Missing DB_USERNAME, DB_PASSWORD or DB_NAME; skipping Postgres tests")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	td := &TestDB{container: pgContainer}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		td.terminate(t)
		t.Fatal(err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		td.terminate(t)
		t.Fatal(err)
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, host, port.Port(), dbName)

	td.DB, err = sqlx.Open(internal_storage.DriverPostgres, td.ConnStr)
	if err != nil {
		td.terminate(t)
		t.Fatalf("Failed to connect to test DB: %v", err)
	}

	// Wait for DB to be ready
	for i := 0; i < 10; i++ {
		if err = td.DB.Ping(); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		td.terminate(t)
		t.Fatalf("Failed to ping test DB after retries: %v", err)
	}

	if err := internal_storage.Migrate(internal_storage.DriverPostgres, td.ConnStr); err != nil {
		td.terminate(t)
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return td
}

// Truncate empties both tables and resets their sequences.
func (td *TestDB) Truncate(t *testing.T) {
	if _, err := td.DB.Exec("TRUNCATE TABLE watermarks, change_log RESTART IDENTITY"); err != nil {
		t.Errorf("Failed to truncate tables: %v", err)
	}
}

// Teardown cleans up the test database and container
func (td *TestDB) Teardown(t *testing.T) {
	if td.DB != nil {
		if err := td.DB.Close(); err != nil {
			t.Errorf("Failed to close DB connection: %v", err)
		}
	}
	td.terminate(t)
}

func (td *TestDB) terminate(t *testing.T) {
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
}

// SetupSQLite returns the DSN of a migrated SQLite database in a temp dir.
func SetupSQLite(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "replog.db")
	if err := internal_storage.Migrate(internal_storage.DriverSQLite, dsn); err != nil {
		t.Fatalf("Failed to apply sqlite migrations: %v", err)
	}
	return dsn
}

// OpenSQLite opens a store on a fresh migrated SQLite database.
func OpenSQLite(t *testing.T) *internal_storage.SQLStore {
	t.Helper()
	store, err := internal_storage.NewSQLStore(context.Background(), internal_storage.DriverSQLite, SetupSQLite(t))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
