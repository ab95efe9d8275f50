package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations for the given driver.
func Migrate(driver, dsn string) error {
	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the given number of migrations; steps <= 0 rolls back all.
func MigrateDown(driver, dsn string, steps int) error {
	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	return nil
}

func newMigrate(driver, dsn string) (*migrate.Migrate, error) {
	dir, url, err := migrationTarget(driver, dsn)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	return m, nil
}

func migrationTarget(driver, dsn string) (string, string, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			return "", "", fmt.Errorf("migrations need a postgres:// URL, got key=value DSN")
		}
		return "postgres", dsn, nil
	case DriverSQLite:
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, "file:"), "//")
		if path == "" || strings.HasPrefix(path, ":memory:") {
			return "", "", fmt.Errorf("migrations need a file backed sqlite database")
		}
		return "sqlite", "sqlite://" + path, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}
