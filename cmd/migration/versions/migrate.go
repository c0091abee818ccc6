package versions

import (
	"fmt"
	"log/slog"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID:       "0",
			Migrate:  Migration_0_initial_schema,
			Rollback: Rollback_0_initial_schema,
		},
		{
			ID:       "1",
			Migrate:  Migration_1_job_log_index,
			Rollback: Rollback_1_job_log_index,
		},
	}
}

func LatestVersion() string {
	migrations := Migrations()
	return migrations[len(migrations)-1].ID
}

func newMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())

	// A clean database gets the full schema at once and every migration is
	// recorded as applied.
	migrator.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean database detected, running full schema initialization", "code", logging.SYSTEM)
		for _, m := range Migrations() {
			if err := m.Migrate(txn); err != nil {
				return fmt.Errorf("schema initialization failed at version %v: %w", m.ID, err)
			}
		}
		return nil
	})

	return migrator
}

// Migrate brings the database schema to the latest version.
func Migrate(db *gorm.DB) error {
	if err := newMigrator(db).Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("migration completed successfully", "version", LatestVersion(), "code", logging.SYSTEM)
	return nil
}

func RollbackTo(db *gorm.DB, version string) error {
	if err := newMigrator(db).RollbackTo(version); err != nil {
		return fmt.Errorf("rollback to version %v failed: %w", version, err)
	}
	slog.Info("rollback completed successfully", "version", version, "code", logging.SYSTEM)
	return nil
}
