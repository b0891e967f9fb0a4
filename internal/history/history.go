// Package history is the tool's state database: download history, webhook
// subscriptions and settings. Nothing in it is resumed; it is an audit log.
package history

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asar-dev/asar-loader/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for missing settings.
var ErrNotFound = errors.New("not found")

type DB struct {
	*gorm.DB
}

func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.StatePath())
	case "postgres":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("ASAR_LOADER_DB_DSN is required for postgres")
		}
		dialector = postgres.Open(cfg.DBDSN)
	case "mysql":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("ASAR_LOADER_DB_DSN is required for mysql")
		}
		dialector = mysql.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.DevMode {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	d := &DB{DB: db}
	if n := d.failStale(); n > 0 {
		slog.Info("Cleaned up stale downloads", "count", n)
	}

	slog.Debug("Database connected", "driver", cfg.DBDriver)
	return d, nil
}

func runMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&DownloadEntry{},
		&Webhook{},
		&Setting{},
	)
}

// failStale marks entries left queued or downloading by a previous process
// as failed.
func (db *DB) failStale() int64 {
	result := db.Model(&DownloadEntry{}).
		Where("status IN ?", []string{DownloadStatusQueued, DownloadStatusDownloading}).
		Updates(map[string]interface{}{
			"status":        DownloadStatusFailed,
			"error_message": "interrupted by restart",
		})
	return result.RowsAffected
}

// Close releases the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Recent returns the latest download entries, newest first.
func (db *DB) Recent(limit int) ([]DownloadEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []DownloadEntry
	err := db.Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// ForProduct returns every attempt recorded for a product, oldest first.
func (db *DB) ForProduct(productID string) ([]DownloadEntry, error) {
	var entries []DownloadEntry
	err := db.Where("product_id = ?", productID).Order("id ASC").Find(&entries).Error
	return entries, err
}

func (db *DB) GetSetting(key string) (string, error) {
	var setting Setting
	if err := db.Where("key = ?", key).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return setting.Value, nil
}

func (db *DB) SetSetting(key, value string) error {
	return db.Save(&Setting{Key: key, Value: value}).Error
}

func (db *DB) HasSetting(key string) bool {
	var count int64
	db.Model(&Setting{}).Where("key = ?", key).Count(&count)
	return count > 0
}

func (db *DB) DeleteSetting(key string) error {
	return db.Delete(&Setting{}, "key = ?", key).Error
}
