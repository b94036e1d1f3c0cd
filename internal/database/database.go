package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rermius/connmgr/internal/hosts"
)

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Host{}, &Key{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Store serves saved hosts and keys to the resolver.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetHost(ctx context.Context, id string) (*hosts.HostConfig, error) {
	var h Host
	if err := s.db.WithContext(ctx).First(&h, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", hosts.ErrHostNotFound, id)
		}
		return nil, fmt.Errorf("load host %s: %w", id, err)
	}
	c := h.ToConfig()
	return &c, nil
}

func (s *Store) GetKey(ctx context.Context, id string) (*hosts.Key, error) {
	var k Key
	if err := s.db.WithContext(ctx).First(&k, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", hosts.ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("load key %s: %w", id, err)
	}
	key := k.ToKey()
	return &key, nil
}

func (s *Store) ListHosts(ctx context.Context) ([]hosts.HostConfig, error) {
	var rows []Host
	if err := s.db.WithContext(ctx).Order("sort_order ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	out := make([]hosts.HostConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToConfig())
	}
	return out, nil
}

func (s *Store) SaveHost(ctx context.Context, c hosts.HostConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	h := HostFromConfig(c)
	return s.db.WithContext(ctx).Save(&h).Error
}

func (s *Store) SaveKey(ctx context.Context, k hosts.Key) error {
	row := Key{ID: k.ID, Label: k.Label, PrivateKey: k.PrivateKey, Passphrase: k.Passphrase}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) DeleteHost(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Host{}, "id = ?", id).Error
}

func (s *Store) DeleteKey(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Key{}, "id = ?", id).Error
}

// Import upserts every key and host of an inventory in one transaction.
func (s *Store) Import(ctx context.Context, inv *hosts.Inventory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range inv.Keys {
			row := Key{ID: k.ID, Label: k.Label, PrivateKey: k.PrivateKey, Passphrase: k.Passphrase}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("import key %s: %w", k.ID, err)
			}
		}
		for i, c := range inv.Hosts {
			h := HostFromConfig(c)
			h.SortOrder = i
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&h).Error; err != nil {
				return fmt.Errorf("import host %s: %w", c.ID, err)
			}
		}
		return nil
	})
}
