package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

// SQLOptions configures a SQLBackend.
type SQLOptions struct {
	Driver string // mysql, postgres
	DSN    string
	Owner  string
	Name   string
}

// blobRecord is one stored blob.
type blobRecord struct {
	Owner      string    `gorm:"primaryKey;size:191"`
	Name       string    `gorm:"primaryKey;size:64"`
	Generation string    `gorm:"primaryKey;size:32"`
	Key        string    `gorm:"column:blob_key;primaryKey;size:191"`
	Data       []byte    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName implements gorm's tabler.
func (blobRecord) TableName() string {
	return "dcf_temp_blobs"
}

// SQLBackend stores blobs as rows of dcf_temp_blobs.
type SQLBackend struct {
	db         *gorm.DB
	owner      string
	name       string
	generation string
	log        *zap.Logger
	ownsDB     bool
}

// OpenSQL opens a gorm connection for driver.
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, dcferr.BadRequest(fmt.Sprintf("unsupported database driver: %s", driver), nil)
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// NewSQLBackend opens the database and migrates the blob table.
func NewSQLBackend(ctx context.Context, opts SQLOptions, log *zap.Logger) (*SQLBackend, error) {
	if opts.DSN == "" {
		return nil, dcferr.BadRequest("sql dsn is required", nil)
	}
	db, err := OpenSQL(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	b, err := NewSQLBackendWithDB(ctx, db, opts, log)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// NewSQLBackendWithDB uses an existing connection. The connection is not
// closed by Close.
func NewSQLBackendWithDB(ctx context.Context, db *gorm.DB, opts SQLOptions, log *zap.Logger) (*SQLBackend, error) {
	if err := db.WithContext(ctx).AutoMigrate(&blobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate blob table: %w", err)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if log == nil {
		log = logger.Named("storage")
	}
	return &SQLBackend{
		db:         db,
		owner:      OwnerOf(opts.Owner),
		name:       opts.Name,
		generation: newGeneration(),
		log:        log,
	}, nil
}

var blobKeyColumns = []clause.Column{{Name: "owner"}, {Name: "name"}, {Name: "generation"}, {Name: "blob_key"}}

// byKey restricts a query to one blob of this instance.
func (s *SQLBackend) byKey(db *gorm.DB, key string) *gorm.DB {
	return db.Where(s.record(key, nil), "Owner", "Name", "Generation", "Key")
}

func (s *SQLBackend) record(key string, data []byte) *blobRecord {
	if data == nil {
		data = []byte{}
	}
	return &blobRecord{
		Owner:      s.owner,
		Name:       s.name,
		Generation: s.generation,
		Key:        key,
		Data:       data,
	}
}

func (s *SQLBackend) SetItem(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   blobKeyColumns,
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(s.record(key, data)).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// AppendItem upserts the row, concatenating on conflict in one statement.
func (s *SQLBackend) AppendItem(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	var concat clause.Expr
	switch s.db.Dialector.Name() {
	case "mysql":
		concat = gorm.Expr("CONCAT(data, VALUES(data))")
	default:
		concat = gorm.Expr("dcf_temp_blobs.data || excluded.data")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   blobKeyColumns,
		DoUpdates: clause.Assignments(map[string]interface{}{
			"data":       concat,
			"updated_at": time.Now(),
		}),
	}).Create(s.record(key, data)).Error
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) GetItem(ctx context.Context, key string) ([]byte, error) {
	var rec blobRecord
	err := s.byKey(s.db.WithContext(ctx), key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dcferr.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec.Data, nil
}

// GetAndDeleteItem locks the row, reads it and deletes it in one
// transaction.
func (s *SQLBackend) GetAndDeleteItem(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec blobRecord
		if err := s.byKey(tx.Clauses(clause.Locking{Strength: "UPDATE"}), key).Take(&rec).Error; err != nil {
			return err
		}
		if err := s.byKey(tx, key).Delete(&blobRecord{}).Error; err != nil {
			return err
		}
		data = rec.Data
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dcferr.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLBackend) DeleteItem(ctx context.Context, key string) error {
	err := s.byKey(s.db.WithContext(ctx), key).Delete(&blobRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) GenerateKey(_ context.Context) (string, error) {
	return newKey(), nil
}

// CleanUp deletes rows of the same owner and name written by other
// generations.
func (s *SQLBackend) CleanUp(ctx context.Context) error {
	res := s.db.WithContext(ctx).
		Where("owner = ? AND name = ? AND generation <> ?", s.owner, s.name, s.generation).
		Delete(&blobRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete stale blobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("已清理过期数据库记录", zap.String("owner", s.owner), zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// Close deletes this generation's rows and, when the backend opened the
// connection, closes it.
func (s *SQLBackend) Close() error {
	var errs []error
	err := s.db.Where(s.record("", nil), "Owner", "Name", "Generation").Delete(&blobRecord{}).Error
	errs = append(errs, err)

	if s.ownsDB {
		sqlDB, err := s.db.DB()
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
