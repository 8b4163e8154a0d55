package streaks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dailygrid/backend/internal/facts"
)

var (
	errMissingStore  = errors.New("fact store is required")
	errMissingUserID = errors.New("local user id is required")
	noOpLogger       = zap.NewNop()
)

const (
	opServiceNew   = "streaks.service.new"
	opRecordResult = "streaks.record_result"
	opRebuild      = "streaks.rebuild"
	opRefresh      = "streaks.refresh"
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

// Enqueuer hands freshly ingested facts to the sync coordinator for outbound
// delivery. Remote-merged facts never pass through here.
type Enqueuer interface {
	EnqueueResult(ctx context.Context, record facts.Result) error
	EnqueueScore(ctx context.Context, record facts.Score) error
}

// RefreshPublisher broadcasts a typed notification that derived streak state
// changed for the listed activities.
type RefreshPublisher interface {
	PublishStreakChanged(userID string, activityIDs []string)
}

// ProgressTracker advances tiered achievement counters when an activity's day
// completes for the first time.
type ProgressTracker interface {
	TrackCompletion(ctx context.Context, activityID string) error
}

// ServiceConfig describes the dependencies required by the streak service.
type ServiceConfig struct {
	Store     *facts.Store
	UserID    facts.UserID
	Enqueuer  Enqueuer
	Publisher RefreshPublisher
	Progress  ProgressTracker
	Logger    *zap.Logger
}

// Service serializes streak derivation per activity. The incremental update
// reads then writes the aggregate non-atomically, so concurrent results for
// the same activity are forced through one mutex; different activities
// proceed in parallel.
type Service struct {
	store     *facts.Store
	userID    facts.UserID
	enqueuer  Enqueuer
	publisher RefreshPublisher
	progress  ProgressTracker
	logger    *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

// NewService validates the configuration and constructs the streak service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.UserID == "" {
		return nil, newServiceError(opServiceNew, "missing_user_id", errMissingUserID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:     cfg.Store,
		userID:    cfg.UserID,
		enqueuer:  cfg.Enqueuer,
		publisher: cfg.Publisher,
		progress:  cfg.Progress,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		states:    make(map[string]State),
	}, nil
}

func (s *Service) lockFor(activityID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[activityID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[activityID] = lock
	}
	return lock
}

func (s *Service) cachedState(activityID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[activityID]
	return state, ok
}

func (s *Service) storeState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ActivityID] = state
}

// RecordResult ingests a new result, folds it into the activity's streak
// incrementally, records the day's score fact, and queues both for outbound
// delivery. Validation failures surface to the caller before any state moves.
func (s *Service) RecordResult(ctx context.Context, input facts.NewResultInput) (facts.Result, State, error) {
	input.UserID = s.userID
	record, err := s.store.IngestResult(ctx, input)
	if err != nil {
		return facts.Result{}, State{}, err
	}

	activityID := record.ActivityID
	lock := s.lockFor(activityID)
	lock.Lock()

	var state State
	if cached, ok := s.cachedState(activityID); ok {
		state = Update(cached, record)
	} else {
		// No cached aggregate: the freshly stored result is already part of
		// the history, so a rebuild covers it without a second Update.
		history, listErr := s.store.ListResults(ctx, s.userID, facts.ActivityID(activityID))
		if listErr != nil {
			lock.Unlock()
			return facts.Result{}, State{}, newServiceError(opRecordResult, "history_load_failed", listErr)
		}
		state = Rebuild(activityID, history)
	}
	s.storeState(state)
	lock.Unlock()

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueResult(ctx, record); err != nil {
			s.logError(opRecordResult, "enqueue_result_failed", err, zap.String("activity_id", activityID))
		}
	}

	if record.Completed && record.Score != nil {
		score, duplicate, err := s.store.UpsertScore(ctx, s.userID, facts.ActivityID(activityID), facts.DateKey(record.DateKey), *record.Score)
		if err != nil {
			s.logError(opRecordResult, "score_upsert_failed", err, zap.String("activity_id", activityID))
		} else if !duplicate {
			if s.enqueuer != nil {
				if err := s.enqueuer.EnqueueScore(ctx, score); err != nil {
					s.logError(opRecordResult, "enqueue_score_failed", err, zap.String("activity_id", activityID))
				}
			}
			// First completion of the day for this activity advances the
			// achievement counters; replays share the day's score fact.
			if s.progress != nil {
				if err := s.progress.TrackCompletion(ctx, activityID); err != nil {
					s.logError(opRecordResult, "progress_track_failed", err, zap.String("activity_id", activityID))
				}
			}
		}
	}

	if s.publisher != nil {
		s.publisher.PublishStreakChanged(s.userID.String(), []string{activityID})
	}
	return record, state, nil
}

// DeleteResult removes a result by explicit user action and re-derives the
// affected activity, since incremental update cannot repair a removed fact.
func (s *Service) DeleteResult(ctx context.Context, resultID string) (State, error) {
	removed, err := s.store.DeleteResult(ctx, resultID)
	if err != nil {
		return State{}, err
	}
	state, err := s.RebuildActivity(ctx, removed.ActivityID)
	if err != nil {
		return State{}, err
	}
	if s.publisher != nil {
		s.publisher.PublishStreakChanged(s.userID.String(), []string{removed.ActivityID})
	}
	return state, nil
}

// Snapshot returns the current aggregate for an activity, rebuilding from the
// fact store when nothing is cached.
func (s *Service) Snapshot(ctx context.Context, activityID string) (State, error) {
	if state, ok := s.cachedState(activityID); ok {
		return state, nil
	}
	return s.RebuildActivity(ctx, activityID)
}

// RebuildActivity replays the activity's full history and applies the
// elapsed-time normalization pass. The rebuilt aggregate supersedes whatever
// was cached, including state computed from a partial result set.
func (s *Service) RebuildActivity(ctx context.Context, activityID string) (State, error) {
	lock := s.lockFor(activityID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.store.ListResults(ctx, s.userID, facts.ActivityID(activityID))
	if err != nil {
		return State{}, newServiceError(opRebuild, "history_load_failed", err)
	}
	state := Normalize(Rebuild(activityID, history), s.store.TodayKey())
	s.storeState(state)
	return state, nil
}

// RebuildActivities re-derives each listed activity. The sync coordinator
// calls this after an inbound merge, where remote facts may be out of
// chronological order relative to local ones.
func (s *Service) RebuildActivities(ctx context.Context, activityIDs []string) error {
	for _, activityID := range activityIDs {
		if _, err := s.RebuildActivity(ctx, activityID); err != nil {
			return err
		}
	}
	if s.publisher != nil && len(activityIDs) > 0 {
		s.publisher.PublishStreakChanged(s.userID.String(), activityIDs)
	}
	return nil
}

// RefreshForForeground rebuilds and normalizes every activity with recorded
// history. This is the explicit app-open refresh; a routine day tick with no
// new data must not invoke it.
func (s *Service) RefreshForForeground(ctx context.Context) ([]State, error) {
	history, err := s.store.ListAllResults(ctx, s.userID)
	if err != nil {
		return nil, newServiceError(opRefresh, "history_load_failed", err)
	}

	grouped := make(map[string][]facts.Result)
	order := make([]string, 0)
	for _, record := range history {
		if _, seen := grouped[record.ActivityID]; !seen {
			order = append(order, record.ActivityID)
		}
		grouped[record.ActivityID] = append(grouped[record.ActivityID], record)
	}

	today := s.store.TodayKey()
	states := make([]State, 0, len(order))
	for _, activityID := range order {
		lock := s.lockFor(activityID)
		lock.Lock()
		state := Normalize(Rebuild(activityID, grouped[activityID]), today)
		s.storeState(state)
		lock.Unlock()
		states = append(states, state)
	}

	if s.publisher != nil && len(order) > 0 {
		s.publisher.PublishStreakChanged(s.userID.String(), order)
	}
	return states, nil
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
	s.logger.Error("streak service error", attrs...)
}
