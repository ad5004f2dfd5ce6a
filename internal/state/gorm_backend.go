package state

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// stateRecord is the gorm row backing one store entry.
type stateRecord struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (stateRecord) TableName() string { return "flowmesh_state" }

// GormBackend persists store entries through gorm. Used with sqlite for
// single-node deployments and in tests.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if err := db.AutoMigrate(&stateRecord{}); err != nil {
		return nil, err
	}
	return &GormBackend{db: db}, nil
}

func (g *GormBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var record stateRecord
	err := g.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if record.ExpiresAt != nil && time.Now().After(*record.ExpiresAt) {
		g.db.WithContext(ctx).Delete(&stateRecord{}, "key = ?", key)
		return nil, ErrKeyNotFound
	}
	return record.Value, nil
}

func (g *GormBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	record := stateRecord{Key: key, Value: value, UpdatedAt: time.Now()}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		record.ExpiresAt = &expires
	}
	return g.db.WithContext(ctx).Save(&record).Error
}

func (g *GormBackend) Delete(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).Delete(&stateRecord{}, "key = ?", key).Error
}
