package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dailygrid/backend/internal/facts"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrRemoteUnavailable classifies a transient remote failure during sync.
	ErrRemoteUnavailable = errors.New("progress: remote unavailable")
)

const (
	opServiceNew   = "progress.service.new"
	opLoad         = "progress.load"
	opApply        = "progress.apply_increment"
	opSyncCategory = "progress.sync_category"
	fieldCategory  = "category"
)

// ServiceError carries an operation-scoped failure code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dot-separated operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Row is the persisted form of a progress record.
type Row struct {
	Category        string `gorm:"column:category;primaryKey;size:190;not null"`
	CurrentValue    int64  `gorm:"column:current_value;not null;default:0"`
	CurrentTier     int    `gorm:"column:current_tier;not null;default:0"`
	UnlockDatesJSON string `gorm:"column:unlock_dates_json;type:text;not null;default:''"`
	UpdatedAtS      int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "progress_records"
}

// CategoryDailyCompletions counts completed play days across every activity.
const CategoryDailyCompletions = "daily-completions"

// CategoryForActivity names the per-activity completion counter.
func CategoryForActivity(activityID string) string {
	return activityID + "-completions"
}

// TierThreshold marks the minimum value at which a tier unlocks.
type TierThreshold struct {
	Tier     Tier
	MinValue int64
}

// DefaultThresholds is the built-in tier ladder shared by all categories.
func DefaultThresholds() []TierThreshold {
	return []TierThreshold{
		{Tier: TierBronze, MinValue: 7},
		{Tier: TierSilver, MinValue: 30},
		{Tier: TierGold, MinValue: 100},
		{Tier: TierDiamond, MinValue: 365},
	}
}

// RemoteStore is the abstract remote copy of progress records. Fetch reports
// found=false when the remote container has no record yet, which is benign.
type RemoteStore interface {
	Fetch(ctx context.Context, category string) (Record, bool, error)
	Put(ctx context.Context, record Record) error
}

// ServiceConfig describes the dependencies required by the progress service.
type ServiceConfig struct {
	Database   *gorm.DB
	Remote     RemoteStore
	Thresholds []TierThreshold
	Clock      func() time.Time
	Location   *time.Location
	Logger     *zap.Logger
}

// Service stores tiered progress locally and reconciles it against the remote
// copy with the deterministic merge.
type Service struct {
	db         *gorm.DB
	remote     RemoteStore
	thresholds []TierThreshold
	clock      func() time.Time
	location   *time.Location
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the progress service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	thresholds := cfg.Thresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		remote:     cfg.Remote,
		thresholds: thresholds,
		clock:      clock,
		location:   location,
		logger:     logger,
	}, nil
}

// Load returns the stored record for a category, reporting found=false for a
// category with no progress yet.
func (s *Service) Load(ctx context.Context, category string) (Record, bool, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("category = ?", category).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{Category: category}, false, nil
	}
	if err != nil {
		s.logError(opLoad, "query_failed", err, zap.String(fieldCategory, category))
		return Record{}, false, newServiceError(opLoad, "query_failed", err)
	}
	record, err := recordFromRow(row)
	if err != nil {
		s.logError(opLoad, "decode_failed", err, zap.String(fieldCategory, category))
		return Record{}, false, newServiceError(opLoad, "decode_failed", err)
	}
	return record, true, nil
}

// ListCategories returns every category with stored progress.
func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	var categories []string
	err := s.db.WithContext(ctx).Model(&Row{}).
		Order("category ASC").
		Pluck("category", &categories).Error
	if err != nil {
		s.logError(opLoad, "query_failed", err)
		return nil, newServiceError(opLoad, "query_failed", err)
	}
	return categories, nil
}

// ApplyIncrement grows a category's value by delta and records unlock dates
// for any tier crossed today. Values never decrease; a non-positive delta is
// a no-op read.
func (s *Service) ApplyIncrement(ctx context.Context, category string, delta int64) (Record, error) {
	record, _, err := s.Load(ctx, category)
	if err != nil {
		return Record{}, err
	}
	if delta <= 0 {
		return record, nil
	}

	record.CurrentValue += delta
	today := facts.DateKeyForTime(s.clock(), s.location)
	for _, threshold := range s.thresholds {
		if record.CurrentValue < threshold.MinValue {
			continue
		}
		if threshold.Tier > record.CurrentTier {
			record.CurrentTier = threshold.Tier
		}
		if _, unlocked := record.TierUnlockDates[threshold.Tier]; !unlocked {
			if record.TierUnlockDates == nil {
				record.TierUnlockDates = make(map[Tier]facts.DateKey)
			}
			record.TierUnlockDates[threshold.Tier] = today
		}
	}

	if err := s.save(ctx, record); err != nil {
		s.logError(opApply, "save_failed", err, zap.String(fieldCategory, category))
		return Record{}, newServiceError(opApply, "save_failed", err)
	}
	return record, nil
}

// TrackCompletion advances the global and per-activity completion counters.
// The streak service calls it the first time an activity's day completes, so
// a same-day replay never double-counts.
func (s *Service) TrackCompletion(ctx context.Context, activityID string) error {
	if _, err := s.ApplyIncrement(ctx, CategoryDailyCompletions, 1); err != nil {
		return err
	}
	_, err := s.ApplyIncrement(ctx, CategoryForActivity(activityID), 1)
	return err
}

// SyncCategory pulls the remote copy, merges it with local state, persists
// the merged record, and pushes it back when the remote copy is behind.
// A missing remote record is treated as "no data yet", never an error.
func (s *Service) SyncCategory(ctx context.Context, category string) (Record, error) {
	local, _, err := s.Load(ctx, category)
	if err != nil {
		return Record{}, err
	}
	if s.remote == nil {
		return local, nil
	}

	remote, found, err := s.remote.Fetch(ctx, category)
	if err != nil {
		s.logError(opSyncCategory, "remote_fetch_failed", err, zap.String(fieldCategory, category))
		return Record{}, newServiceError(opSyncCategory, "remote_fetch_failed", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err))
	}

	merged := local
	if found {
		merged = Merge(local, remote)
	}
	if !Equal(merged, local) {
		if err := s.save(ctx, merged); err != nil {
			s.logError(opSyncCategory, "save_failed", err, zap.String(fieldCategory, category))
			return Record{}, newServiceError(opSyncCategory, "save_failed", err)
		}
	}
	if !found || !Equal(merged, remote) {
		if err := s.remote.Put(ctx, merged); err != nil {
			s.logError(opSyncCategory, "remote_put_failed", err, zap.String(fieldCategory, category))
			return Record{}, newServiceError(opSyncCategory, "remote_put_failed", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err))
		}
	}
	return merged, nil
}

// SyncAll reconciles every stored category. The sync coordinator invokes this
// on its pull schedule so progress rides the same retry cadence as facts.
func (s *Service) SyncAll(ctx context.Context) error {
	categories, err := s.ListCategories(ctx)
	if err != nil {
		return err
	}
	for _, category := range categories {
		if _, err := s.SyncCategory(ctx, category); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, record Record) error {
	row, err := rowFromRecord(record, s.clock().UTC().Unix())
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func rowFromRecord(record Record, updatedAt int64) (Row, error) {
	encoded := ""
	if len(record.TierUnlockDates) > 0 {
		raw, err := json.Marshal(record.TierUnlockDates)
		if err != nil {
			return Row{}, err
		}
		encoded = string(raw)
	}
	return Row{
		Category:        record.Category,
		CurrentValue:    record.CurrentValue,
		CurrentTier:     int(record.CurrentTier),
		UnlockDatesJSON: encoded,
		UpdatedAtS:      updatedAt,
	}, nil
}

func recordFromRow(row Row) (Record, error) {
	record := Record{
		Category:     row.Category,
		CurrentValue: row.CurrentValue,
		CurrentTier:  Tier(row.CurrentTier),
	}
	if row.UnlockDatesJSON != "" {
		dates := make(map[Tier]facts.DateKey)
		if err := json.Unmarshal([]byte(row.UnlockDatesJSON), &dates); err != nil {
			return Record{}, err
		}
		record.TierUnlockDates = dates
	}
	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("progress service error", attrs...)
}
