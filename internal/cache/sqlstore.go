package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feed-engine/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// storedEntry is the row layout of the disk tier.
type storedEntry struct {
	EntryKey       string `gorm:"primaryKey"`
	Item           string `gorm:"index:idx_item_kind"`
	Kind           int    `gorm:"index:idx_item_kind"`
	Fingerprint    string
	Representation string
	SegmentIndex   int
	Data           []byte
	CreatedAt      time.Time `gorm:"index"`
}

func (storedEntry) TableName() string { return "cache_entries" }

// SQLStore is a Store on SQLite through GORM (pure Go driver).
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for a throwaway store.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&storedEntry{}); err != nil {
		return nil, fmt.Errorf("migrating cache db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load implements Store.Load.
func (s *SQLStore) Load(ctx context.Context, key Key) (Value, bool, error) {
	var row storedEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("loading %s: %w", key, err)
	}
	v, err := row.value()
	if err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

// Save implements Store.Save.
func (s *SQLStore) Save(ctx context.Context, key Key, value Value) error {
	row := storedEntry{
		EntryKey:       key.String(),
		Item:           string(key.Item),
		Kind:           int(key.Kind),
		Fingerprint:    key.Fingerprint,
		Representation: key.Representation,
		SegmentIndex:   key.Index,
		Data:           value.Data,
	}
	if value.Manifest != nil {
		b, err := json.Marshal(value.Manifest)
		if err != nil {
			return fmt.Errorf("encoding manifest %s: %w", key, err)
		}
		row.Data = b
	}
	// Entries are immutable: a second save of the same key keeps the first row.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// LatestManifest implements Store.LatestManifest.
func (s *SQLStore) LatestManifest(ctx context.Context, item domain.ItemID) (*domain.Manifest, bool, error) {
	var row storedEntry
	err := s.db.WithContext(ctx).
		Where("item = ? AND kind = ?", string(item), int(domain.KindManifest)).
		Order("created_at DESC, rowid DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading manifest of %s: %w", item, err)
	}
	v, err := row.value()
	if err != nil {
		return nil, false, err
	}
	return v.Manifest, true, nil
}

// DeleteStale implements Store.DeleteStale.
func (s *SQLStore) DeleteStale(ctx context.Context, item domain.ItemID, fingerprint string) error {
	err := s.db.WithContext(ctx).
		Where("item = ? AND fingerprint <> ?", string(item), fingerprint).
		Delete(&storedEntry{}).Error
	if err != nil {
		return fmt.Errorf("deleting stale entries of %s: %w", item, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&storedEntry{}).Count(&n).Error
	return n, err
}

func (row storedEntry) value() (Value, error) {
	if domain.ResourceKind(row.Kind) != domain.KindManifest {
		return Value{Data: row.Data}, nil
	}
	var m domain.Manifest
	if err := json.Unmarshal(row.Data, &m); err != nil {
		return Value{}, fmt.Errorf("decoding manifest %s: %w", row.EntryKey, err)
	}
	return Value{Manifest: &m}, nil
}
