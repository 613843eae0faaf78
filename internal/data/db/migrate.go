package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/openpulse/pulse/internal/services/eventstore"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(eventstore.Models()...)
}

// EnsureSessionIndexes adds the composite indexes the ingestion path relies
// on. AutoMigrate only builds the single-column indexes declared on the
// models.
func EnsureSessionIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_uuid_version
		ON sessions (session_uuid, version);
	`).Error; err != nil {
		return fmt.Errorf("create idx_sessions_uuid_version: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_domain_entry
		ON sessions (domain, entry_timestamp);
	`).Error; err != nil {
		return fmt.Errorf("create idx_sessions_domain_entry: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pageviews_domain_timestamp
		ON pageviews (domain, timestamp);
	`).Error; err != nil {
		return fmt.Errorf("create idx_pageviews_domain_timestamp: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("auto migrating postgres tables")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	if err := EnsureSessionIndexes(s.db); err != nil {
		s.log.Error("session index migration failed", "error", err)
		return err
	}
	return nil
}
