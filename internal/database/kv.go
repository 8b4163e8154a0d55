package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type kvRecord struct {
	Key        string `gorm:"column:key;primaryKey;size:190;not null"`
	Value      []byte `gorm:"column:value;type:blob;not null"`
	UpdatedAtS int64  `gorm:"column:updated_at_s;not null"`
}

func (kvRecord) TableName() string {
	return "kv_store"
}

// KV is a small durable key-value table for sync cursors and session flags.
type KV struct {
	db *gorm.DB
}

// NewKV wraps a database connection as a key-value store.
func NewKV(db *gorm.DB) *KV {
	return &KV{db: db}
}

// Get returns the stored value and whether the key exists.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var record kvRecord
	err := kv.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.Value, true, nil
}

// Set writes the value for a key, replacing any previous value.
func (kv *KV) Set(ctx context.Context, key string, value []byte) error {
	record := kvRecord{Key: key, Value: value, UpdatedAtS: time.Now().UTC().Unix()}
	return kv.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&record).Error
}
