package facts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dailygrid/backend/internal/games"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCatalog    = errors.New("activity catalog is required")
	noOpLogger           = zap.NewNop()

	// ErrResultNotFound indicates a lookup for an absent result fact.
	ErrResultNotFound = errors.New("facts: result not found")
)

// StoreError carries an operation-scoped failure code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dot-separated operation code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "facts.store.new"
	opIngestResult  = "facts.ingest_result"
	opMergeResult   = "facts.merge_result"
	opDeleteResult  = "facts.delete_result"
	opListResults   = "facts.list_results"
	opUpsertScore   = "facts.upsert_score"
	opListScores    = "facts.list_scores"
	fieldUserID     = "user_id"
	fieldActivityID = "activity_id"
	fieldResultID   = "result_id"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies required by the fact store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Catalog    *games.Catalog
	Location   *time.Location
	Logger     *zap.Logger
}

// Store owns the append-mostly log of atomic facts. Results are immutable
// inserts; scores are idempotent upserts keyed by their composite id.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	catalog    *games.Catalog
	location   *time.Location
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs the fact store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Catalog == nil {
		return nil, newStoreError(opStoreNew, "missing_catalog", errMissingCatalog)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		catalog:    cfg.Catalog,
		location:   location,
		logger:     logger,
	}, nil
}

// Location exposes the reference timezone used for calendar-day keys.
func (s *Store) Location() *time.Location {
	return s.location
}

// TodayKey returns the current calendar day in the reference timezone.
func (s *Store) TodayKey() DateKey {
	return DateKeyForTime(s.clock(), s.location)
}

// NewResultInput describes a candidate result supplied by the ingestion source.
type NewResultInput struct {
	UserID       UserID
	ActivityID   ActivityID
	PlayedAt     UnixTimestamp
	Score        *int
	Completed    bool
	MetadataJSON string
	OriginDevice string
}

// IngestResult validates the candidate against its activity's scoring
// invariants and, when valid, appends it as a new immutable fact. Malformed
// results fail here and never enter the store.
func (s *Store) IngestResult(ctx context.Context, input NewResultInput) (Result, error) {
	activity, err := s.catalog.Lookup(input.ActivityID.String())
	if err != nil {
		return Result{}, newStoreError(opIngestResult, "unknown_activity", err)
	}
	if err := activity.ValidateResult(input.Completed, input.Score); err != nil {
		return Result{}, newStoreError(opIngestResult, "validation_failed", err)
	}

	resultID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opIngestResult, "id_generation_failed", err)
		return Result{}, newStoreError(opIngestResult, "id_generation_failed", err)
	}

	record := Result{
		ResultID:        resultID,
		UserID:          input.UserID.String(),
		ActivityID:      input.ActivityID.String(),
		PlayedAtSeconds: input.PlayedAt.Int64(),
		DateKey:         DateKeyForTime(input.PlayedAt.Time(), s.location).Int(),
		Score:           input.Score,
		MaxAttempts:     activity.MaxAttempts,
		Completed:       input.Completed,
		MetadataJSON:    input.MetadataJSON,
		OriginDevice:    input.OriginDevice,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opIngestResult, "insert_failed", err,
			zap.String(fieldUserID, record.UserID),
			zap.String(fieldActivityID, record.ActivityID))
		return Result{}, newStoreError(opIngestResult, "insert_failed", err)
	}

	return record, nil
}

// MergeResult inserts a result received from the remote mirror when no row
// with the same id exists yet. Results are immutable, so merge is a pure
// insert-if-absent; the bool reports whether a new row landed.
func (s *Store) MergeResult(ctx context.Context, record Result) (bool, error) {
	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if createResult.Error != nil {
		s.logError(opMergeResult, "insert_failed", createResult.Error,
			zap.String(fieldResultID, record.ResultID))
		return false, newStoreError(opMergeResult, "insert_failed", createResult.Error)
	}
	return createResult.RowsAffected > 0, nil
}

// DeleteResult removes a result after an explicit user action. The deleted
// record is returned so the caller can re-derive the affected activity.
func (s *Store) DeleteResult(ctx context.Context, resultID string) (Result, error) {
	var record Result
	err := s.db.WithContext(ctx).
		Where("result_id = ?", resultID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, newStoreError(opDeleteResult, "not_found", ErrResultNotFound)
	}
	if err != nil {
		s.logError(opDeleteResult, "lookup_failed", err, zap.String(fieldResultID, resultID))
		return Result{}, newStoreError(opDeleteResult, "lookup_failed", err)
	}

	if err := s.db.WithContext(ctx).Delete(&Result{}, "result_id = ?", resultID).Error; err != nil {
		s.logError(opDeleteResult, "delete_failed", err, zap.String(fieldResultID, resultID))
		return Result{}, newStoreError(opDeleteResult, "delete_failed", err)
	}
	return record, nil
}

// ListResults returns a user's results for one activity in chronological order.
func (s *Store) ListResults(ctx context.Context, userID UserID, activityID ActivityID) ([]Result, error) {
	var records []Result
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND activity_id = ?", userID.String(), activityID.String()).
		Order("played_at_s ASC, result_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListResults, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldActivityID, activityID.String()))
		return nil, newStoreError(opListResults, "query_failed", err)
	}
	return records, nil
}

// ListAllResults returns every result for a user in chronological order.
func (s *Store) ListAllResults(ctx context.Context, userID UserID) ([]Result, error) {
	var records []Result
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("played_at_s ASC, result_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListResults, "query_failed", err, zap.String(fieldUserID, userID.String()))
		return nil, newStoreError(opListResults, "query_failed", err)
	}
	return records, nil
}

// UpsertScore records a leaderboard fact. The deterministic composite id makes
// the operation idempotent: a republished score reports duplicate=true and
// leaves the stored row untouched.
func (s *Store) UpsertScore(ctx context.Context, userID UserID, activityID ActivityID, dateKey DateKey, value int) (Score, bool, error) {
	record := Score{
		ScoreID:           ComposeScoreID(userID, dateKey, activityID),
		UserID:            userID.String(),
		ActivityID:        activityID.String(),
		DateKey:           dateKey.Int(),
		Value:             value,
		RecordedAtSeconds: s.clock().UTC().Unix(),
	}
	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if createResult.Error != nil {
		s.logError(opUpsertScore, "upsert_failed", createResult.Error,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldActivityID, activityID.String()))
		return Score{}, false, newStoreError(opUpsertScore, "upsert_failed", createResult.Error)
	}
	duplicate := createResult.RowsAffected == 0
	if duplicate {
		if err := s.db.WithContext(ctx).Where("score_id = ?", record.ScoreID).Take(&record).Error; err != nil {
			s.logError(opUpsertScore, "reload_failed", err, zap.String(fieldUserID, userID.String()))
			return Score{}, true, newStoreError(opUpsertScore, "reload_failed", err)
		}
	}
	return record, duplicate, nil
}

// MergeScore inserts a score received from the remote mirror. The composite
// primary key makes this insert-if-absent; the bool reports a new row.
func (s *Store) MergeScore(ctx context.Context, record Score) (bool, error) {
	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if createResult.Error != nil {
		s.logError(opUpsertScore, "merge_failed", createResult.Error,
			zap.String(fieldUserID, record.UserID))
		return false, newStoreError(opUpsertScore, "merge_failed", createResult.Error)
	}
	return createResult.RowsAffected > 0, nil
}

// ListScores returns a user's score facts within an inclusive day range.
func (s *Store) ListScores(ctx context.Context, userID UserID, startKey, endKey DateKey) ([]Score, error) {
	var records []Score
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date_key >= ? AND date_key <= ?", userID.String(), startKey.Int(), endKey.Int()).
		Order("date_key ASC, score_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListScores, "query_failed", err, zap.String(fieldUserID, userID.String()))
		return nil, newStoreError(opListScores, "query_failed", err)
	}
	return records, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("fact store error", attrs...)
}
