package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormschema "gorm.io/gorm/schema"
	"pkt.systems/pslog"
)

// kvEntry maps to <prefix>kv_entries.
type kvEntry struct {
	Name      string `gorm:"primaryKey;size:255"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// DSN is a sqlite file path or URI.
	DSN         string
	TablePrefix string
	Logger      pslog.Logger
}

// SQLiteStore keeps keys in a sqlite table through gorm.
type SQLiteStore struct {
	db  *gorm.DB
	log pslog.Logger
}

// OpenSQLite opens (and migrates) the sqlite store.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger = logger.With("store", "sqlite")
	if !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLog(logger),
		NamingStrategy: gormschema.NamingStrategy{
			TablePrefix: opts.TablePrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := db.WithContext(ctx).AutoMigrate(&kvEntry{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Debug("sqlite store ready", "table_prefix", opts.TablePrefix)
	return &SQLiteStore{db: db, log: logger}, nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry kvEntry
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Debug("state load miss", "key", key)
		return nil, false, nil
	}
	if err != nil {
		s.log.Warn("state load failed", "key", key, "err", err)
		return nil, false, err
	}
	s.log.Debug("state load ok", "key", key, "bytes", len(entry.Value))
	return entry.Value, true, nil
}

// Set upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	entry := kvEntry{Name: key, Value: append([]byte{}, value...), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
		return err
	}
	s.log.Trace("state save ok", "key", key, "bytes", len(value))
	return nil
}

// Keys lists stored keys in name order.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&kvEntry{}).Order("name").Pluck("name", &names).Error
	return names, err
}

// TableName reports the resolved table name.
func (s *SQLiteStore) TableName() string {
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(&kvEntry{}); err != nil {
		return ""
	}
	return stmt.Schema.Table
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
