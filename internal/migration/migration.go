// Package migration creates the ledger tables. Postgres gets versioned SQL
// through golang-migrate; SQLite and MySQL, used for local runs and tests,
// are brought up with AutoMigrate.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	apikeyrepo "github.com/smallbiznis/meterledger/internal/apikey/repository"
	balancerepo "github.com/smallbiznis/meterledger/internal/balance/repository"
	consumptionrepo "github.com/smallbiznis/meterledger/internal/consumption/repository"
	"github.com/smallbiznis/meterledger/internal/lease"
	"github.com/smallbiznis/meterledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every table the ledger owns. casbin_rule is left to the
// casbin adapter.
func Models() []any {
	var models []any
	models = append(models, balancerepo.Models()...)
	models = append(models, consumptionrepo.Models()...)
	models = append(models, lease.Models()...)
	models = append(models, apikeyrepo.Models()...)
	return models
}

// Migrate brings the schema of conn up to date.
func Migrate(conn *gorm.DB, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("migration")

	dialect := conn.Dialector.Name()
	if dialect != db.DialectPostgres {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		log.Info("migration.auto_migrated", zap.String("dialect", dialect))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("migration.applied", zap.Uint("version", version))
	return nil
}

// RunMigrations applies the embedded Postgres migrations and returns the
// resulting schema version.
func RunMigrations(sqlDB *sql.DB) (uint, error) {
	if sqlDB == nil {
		return 0, errors.New("migration database handle is required")
	}

	migrator, err := newMigrator(sqlDB)
	if err != nil {
		return 0, err
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", upErr)
	}
	// Close would close the shared *sql.DB.

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migration version %d is dirty", version)
	}
	return version, nil
}

func newMigrator(sqlDB *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
