package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"pos-report-service/internal/config"
)

// NewMigrator builds a migrate instance over an open connection.
func NewMigrator(db *sql.DB, driver, dir string) (*migrate.Migrate, error) {
	var (
		instance migratedb.Driver
		err      error
	)
	switch driver {
	case config.StoreDriverMySQL:
		instance, err = mysql.WithInstance(db, &mysql.Config{})
	case config.StoreDriverSQLite:
		instance, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		return nil, fmt.Errorf("store driver %q does not use migrations", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), driver, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrate: %w", err)
	}
	return m, nil
}

// RunMigrationsWithDB applies every pending up migration in dir.
func RunMigrationsWithDB(db *sql.DB, driver, dir string) error {
	m, err := NewMigrator(db, driver, dir)
	if err != nil {
		return err
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Migrate runs one migration command (up, down or version) with an
// optional step count. It returns the version report for "version".
func Migrate(m *migrate.Migrate, command string, steps int) (string, error) {
	var err error
	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verErr := m.Version()
		if errors.Is(verErr, migrate.ErrNilVersion) {
			return "No migrations have been applied yet", nil
		}
		if verErr != nil {
			return "", fmt.Errorf("failed to get version: %w", verErr)
		}
		return fmt.Sprintf("Current migration version: %d (dirty: %v)", version, dirty), nil
	default:
		return "", fmt.Errorf("invalid migration command: %s", command)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return "No migration changes to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration failed: %w", err)
	}
	return "Migration completed successfully", nil
}
