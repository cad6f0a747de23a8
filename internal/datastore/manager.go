// Package datastore opens the relational store backing alerts, throttle
// records and readings.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// Models lists every entity migrated by the manager.
var Models = []any{
	&entities.Alert{},
	&entities.AlertHistory{},
	&entities.ThrottleRecord{},
	&entities.SensorReading{},
}

// Manager owns the gorm connection.
type Manager struct {
	db     *gorm.DB
	dbType string
	log    logger.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(settings conf.DatabaseSettings, log logger.Logger) (*Manager, error) {
	log = log.Module("datastore")

	gormCfg := &gorm.Config{
		Logger:  gorm_logger.Default.LogMode(gorm_logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch settings.Type {
	case conf.DatabaseSQLite:
		if dir := filepath.Dir(settings.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, storeError(err, "create sqlite directory", settings.Type)
			}
		}
		// WAL lets the API read while the scheduler writes.
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", settings.SQLite.Path)
		dialector = sqlite.Open(dsn)
	case conf.DatabaseMySQL:
		dialector = mysql.Open(settings.MySQL.DSN())
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, storeError(err, "open database", settings.Type)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storeError(err, "get sql.DB", settings.Type)
	}
	if settings.Type == conf.DatabaseSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	m := &Manager{db: db, dbType: settings.Type, log: log}
	if err := m.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Info("database ready", logger.String("type", settings.Type))
	return m, nil
}

// NewManager wraps an existing gorm connection, e.g. in tests.
func NewManager(db *gorm.DB, log logger.Logger) *Manager {
	return &Manager{db: db, dbType: db.Name(), log: log.Module("datastore")}
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Migrate creates or updates all tables.
func (m *Manager) Migrate() error {
	if err := m.db.AutoMigrate(Models...); err != nil {
		return storeError(err, "migrate schema", m.dbType)
	}
	return nil
}

// Ping checks that the database answers.
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return storeError(err, "get sql.DB", m.dbType)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeError(err, "ping database", m.dbType)
	}
	return nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storeError(err error, op, dbType string) error {
	return errors.Newf("failed to %s: %w", op, err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("db_type", dbType).
		Build()
}
