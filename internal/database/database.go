package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devpocket/devpocket-server/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	return nil
}

// Migrate runs schema migration on the given handle. Split out from Init so
// tests can migrate throwaway databases without touching the global.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Session{}, &SSHProfile{}, &SessionCommand{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	// One live session per (user, name). Closed sessions fall out of the
	// index so a name can be reused after termination.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_name_live
		 ON sessions (user_id, name) WHERE is_active = 1`,
	).Error; err != nil {
		return fmt.Errorf("create live-name index: %w", err)
	}

	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.First(&s, "key = ?", key).Error; err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	s := Setting{Key: key, Value: value}
	if err := DB.Save(&s).Error; err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
