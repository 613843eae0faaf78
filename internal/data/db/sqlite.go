package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// NewSQLiteMemory opens a private in-memory database with the full schema
// migrated. Each call returns an isolated database; used by tests.
func NewSQLiteMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory sqlite: %w", err)
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("failed to migrate in-memory sqlite: %w", err)
	}
	return db, nil
}
