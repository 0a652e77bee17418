package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

// Store owns the gorm connection shared by every service.
type Store struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func newGormConfig() *gorm.Config {
	// Suppress "record not found" noise; lookups that miss are expected.
	return &gorm.Config{Logger: gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)}
}

// NewPostgresDB connects to PostgreSQL and migrates the schema.
func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	db, err := gorm.Open(postgres.Open(dsn), newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL")
	return &Store{Conn: db, logger: logger}, nil
}

// NewSQLiteDB opens a SQLite database file. SQLite serializes writers, so the
// pool is pinned to a single connection.
func NewSQLiteDB(path string, logger *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"), newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("Successfully opened SQLite database", "path", path)
	return &Store{Conn: db, logger: logger}, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// AcquireLock takes or renews the named lease for instanceID. It returns
// false when another instance holds an unexpired lease.
func (s *Store) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	err := s.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %s: %w", name, err)
	}
	res := s.Conn.WithContext(ctx).Model(&models.AppLock{}).
		Where("lock_name = ? AND (instance_id = ? OR expires_at < ?)", name, instanceID, now.Unix()).
		Updates(map[string]interface{}{
			"instance_id": instanceID,
			"acquired_at": now.Unix(),
			"expires_at":  now.Add(ttl).Unix(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLock drops the lease if instanceID still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, instanceID string) error {
	err := s.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
