package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dailygrid/backend/internal/facts"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("fact store is required")
	errMissingRemote   = errors.New("remote store is required")
	errMissingKV       = errors.New("key-value store is required")
	noOpLogger         = zap.NewNop()
)

const (
	opCoordinatorNew = "syncer.coordinator.new"
	opEnqueue        = "syncer.enqueue"
	opFlush          = "syncer.flush"
	opPull           = "syncer.pull"
	opLocalSession   = "syncer.local_session"

	kvKeyCursor       = "sync.cursor"
	kvKeyLocalSession = "sync.local_session"

	defaultHighWater  = 5
	defaultDebounce   = 2 * time.Second
	defaultBatchSize  = 10
	defaultBackoff    = time.Second
	defaultBackoffCap = 60 * time.Second
)

// CoordinatorError carries an operation-scoped failure code alongside its cause.
type CoordinatorError struct {
	code string
	err  error
}

func (e *CoordinatorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.err
}

// Code returns the dot-separated operation code.
func (e *CoordinatorError) Code() string {
	return e.code
}

func newCoordinatorError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &CoordinatorError{code: code, err: cause}
}

// KV is the opaque durable key-value collaborator used for the sync cursor
// and the local-session flag.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Rebuilder re-derives streak state for activities touched by an inbound
// merge, where remote facts may be out of chronological order.
type Rebuilder interface {
	RebuildActivities(ctx context.Context, activityIDs []string) error
}

// ProgressSyncer reconciles tiered progress records on the coordinator's
// schedule so they share its retry cadence.
type ProgressSyncer interface {
	SyncAll(ctx context.Context) error
}

// CacheInvalidator drops derived read caches after a confirmed publish.
type CacheInvalidator interface {
	Invalidate()
}

// CoordinatorConfig describes the dependencies and tuning of the coordinator.
type CoordinatorConfig struct {
	Database    *gorm.DB
	Store       *facts.Store
	Remote      RemoteStore
	KV          KV
	Rebuilder   Rebuilder
	Progress    ProgressSyncer
	Invalidator CacheInvalidator
	Clock       func() time.Time
	Logger      *zap.Logger

	HighWater   int
	Debounce    time.Duration
	BatchSize   int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Coordinator owns outbound delivery and inbound merge. Facts flow one way:
// locally created entries queue here for push; remote deltas merge into the
// fact store and trigger full re-derivation. Derived streak state itself is
// never synced, which is what keeps the conflict surface down to the one
// mutable progress record.
type Coordinator struct {
	db          *gorm.DB
	store       *facts.Store
	remote      RemoteStore
	kv          KV
	rebuilder   Rebuilder
	progress    ProgressSyncer
	invalidator CacheInvalidator
	clock       func() time.Time
	logger      *zap.Logger

	highWater int
	debounce  time.Duration
	batchSize int
	backoff   Backoff

	mu            sync.Mutex
	debounceTimer *time.Timer
	localSession  bool

	flushMu sync.Mutex
}

// NewCoordinator validates the configuration and restores the persisted
// local-session flag.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, newCoordinatorError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newCoordinatorError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newCoordinatorError(opCoordinatorNew, "missing_remote", errMissingRemote)
	}
	if cfg.KV == nil {
		return nil, newCoordinatorError(opCoordinatorNew, "missing_kv", errMissingKV)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	highWater := cfg.HighWater
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoff
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}

	coordinator := &Coordinator{
		db:          cfg.Database,
		store:       cfg.Store,
		remote:      cfg.Remote,
		kv:          cfg.KV,
		rebuilder:   cfg.Rebuilder,
		progress:    cfg.Progress,
		invalidator: cfg.Invalidator,
		clock:       clock,
		logger:      logger,
		highWater:   highWater,
		debounce:    debounce,
		batchSize:   batchSize,
		backoff:     Backoff{Base: backoffBase, Cap: backoffCap},
	}

	value, found, err := cfg.KV.Get(context.Background(), kvKeyLocalSession)
	if err != nil {
		return nil, newCoordinatorError(opCoordinatorNew, "kv_read_failed", err)
	}
	coordinator.localSession = found && string(value) == "1"

	return coordinator, nil
}

// EnqueueResult queues an immutable result fact for outbound delivery.
func (c *Coordinator) EnqueueResult(ctx context.Context, record facts.Result) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return newCoordinatorError(opEnqueue, "encode_failed", err)
	}
	return c.enqueue(ctx, KindResult, record.ResultID, string(payload))
}

// EnqueueScore queues a score fact for outbound delivery.
func (c *Coordinator) EnqueueScore(ctx context.Context, record facts.Score) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return newCoordinatorError(opEnqueue, "encode_failed", err)
	}
	return c.enqueue(ctx, KindScore, record.ScoreID, string(payload))
}

func (c *Coordinator) enqueue(ctx context.Context, kind EntryKind, factID, payloadJSON string) error {
	now := c.clock().UTC().Unix()
	entry := QueueEntry{
		Kind:           string(kind),
		FactID:         factID,
		PayloadJSON:    payloadJSON,
		Status:         string(StatusPending),
		NextAttemptAtS: now,
		EnqueuedAtS:    now,
	}
	createResult := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry)
	if createResult.Error != nil {
		c.logError(opEnqueue, "insert_failed", createResult.Error, zap.String("fact_id", factID))
		return newCoordinatorError(opEnqueue, "insert_failed", createResult.Error)
	}

	if c.isLocalSession() {
		// Entries persist through a local-only session but nothing moves
		// until the session ends.
		return nil
	}

	pending, err := c.pendingCount(ctx)
	if err != nil {
		c.logError(opEnqueue, "count_failed", err)
		return nil
	}
	if pending >= int64(c.highWater) {
		c.cancelDebounce()
		go func() {
			if err := c.Flush(context.Background()); err != nil {
				c.logError(opFlush, "background_flush_failed", err)
			}
		}()
		return nil
	}
	c.scheduleDebounce()
	return nil
}

// scheduleDebounce arms the coalescing timer. Every new enqueue re-arms it,
// so the window measures from the last enqueue, not the first.
func (c *Coordinator) scheduleDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.debounce, func() {
		if err := c.Flush(context.Background()); err != nil {
			c.logError(opFlush, "debounce_flush_failed", err)
		}
	})
}

func (c *Coordinator) cancelDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
}

func (c *Coordinator) pendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("status = ?", string(StatusPending)).
		Count(&count).Error
	return count, err
}

// PendingCount reports the entries still awaiting delivery.
func (c *Coordinator) PendingCount(ctx context.Context) (int64, error) {
	count, err := c.pendingCount(ctx)
	if err != nil {
		return 0, newCoordinatorError(opFlush, "count_failed", err)
	}
	return count, nil
}

// FailedEntries returns entries parked after a non-retryable remote failure.
func (c *Coordinator) FailedEntries(ctx context.Context) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := c.db.WithContext(ctx).
		Where("status = ?", string(StatusFailed)).
		Order("entry_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, newCoordinatorError(opFlush, "query_failed", err)
	}
	return entries, nil
}

// Flush drains due pending entries in batches until the queue is empty or a
// transient failure pauses delivery. Transient failures are absorbed here;
// the backoff schedule governs the next attempt.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.cancelDebounce()

	if c.isLocalSession() {
		return nil
	}

	provisionTried := false
	for {
		now := c.clock().UTC().Unix()
		var batch []QueueEntry
		err := c.db.WithContext(ctx).
			Where("status = ? AND next_attempt_at_s <= ?", string(StatusPending), now).
			Order("entry_id ASC").
			Limit(c.batchSize).
			Find(&batch).Error
		if err != nil {
			return newCoordinatorError(opFlush, "query_failed", err)
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(batch))
		records := make([]RemoteRecord, 0, len(batch))
		byFactID := make(map[string]QueueEntry, len(batch))
		for _, entry := range batch {
			ids = append(ids, entry.EntryID)
			records = append(records, RemoteRecord{
				Kind:        EntryKind(entry.Kind),
				FactID:      entry.FactID,
				PayloadJSON: entry.PayloadJSON,
			})
			byFactID[entry.FactID] = entry
		}

		if err := c.db.WithContext(ctx).Model(&QueueEntry{}).
			Where("entry_id IN ?", ids).
			Update("status", string(StatusInFlight)).Error; err != nil {
			return newCoordinatorError(opFlush, "mark_in_flight_failed", err)
		}

		outcomes, pushErr := c.remote.Push(ctx, records)
		if pushErr != nil {
			if errors.Is(pushErr, ErrNotProvisioned) && !provisionTried {
				provisionTried = true
				if provErr := c.remote.Provision(ctx); provErr == nil {
					c.requeueTransient(ctx, batch, "")
					continue
				}
			}
			// Transport-level failure: every entry returns to pending and the
			// error is absorbed, never surfaced past an offline indicator.
			c.logError(opFlush, "push_failed", pushErr)
			c.requeueTransient(ctx, batch, pushErr.Error())
			return nil
		}

		scoreDelivered := false
		transientSeen := false
		anyDelivered := false
		resolved := make(map[int64]bool, len(outcomes))
		for _, outcome := range outcomes {
			entry, known := byFactID[outcome.FactID]
			if !known {
				continue
			}
			resolved[entry.EntryID] = true
			switch outcome.Class {
			case OutcomeDelivered:
				anyDelivered = true
				if EntryKind(entry.Kind) == KindScore {
					scoreDelivered = true
				}
				if err := c.db.WithContext(ctx).Delete(&QueueEntry{}, "entry_id = ?", entry.EntryID).Error; err != nil {
					return newCoordinatorError(opFlush, "dequeue_failed", err)
				}
			case OutcomeTerminal:
				message := ""
				if outcome.Err != nil {
					message = outcome.Err.Error()
				}
				c.logError(opFlush, "entry_failed_terminally", outcome.Err, zap.String("fact_id", entry.FactID))
				if err := c.db.WithContext(ctx).Model(&QueueEntry{}).
					Where("entry_id = ?", entry.EntryID).
					Updates(map[string]interface{}{
						"status":     string(StatusFailed),
						"last_error": message,
					}).Error; err != nil {
					return newCoordinatorError(opFlush, "mark_failed_failed", err)
				}
			default:
				transientSeen = true
				message := ""
				if outcome.Err != nil {
					message = outcome.Err.Error()
				}
				c.requeueTransient(ctx, []QueueEntry{entry}, message)
			}
		}

		// An entry the outcome list omitted would otherwise sit in flight
		// until the next restart's stranded-row repair. Treat the omission
		// as transient so it rejoins the retry schedule now.
		var unresolved []QueueEntry
		for _, entry := range batch {
			if !resolved[entry.EntryID] {
				unresolved = append(unresolved, entry)
			}
		}
		if len(unresolved) > 0 {
			transientSeen = true
			c.requeueTransient(ctx, unresolved, "no delivery outcome returned")
		}

		if anyDelivered {
			// Any success resets the retry schedule to the base interval.
			if err := c.db.WithContext(ctx).Model(&QueueEntry{}).
				Where("status = ?", string(StatusPending)).
				Update("attempts", 0).Error; err != nil {
				c.logError(opFlush, "attempt_reset_failed", err)
			}
		}
		if scoreDelivered && c.invalidator != nil {
			c.invalidator.Invalidate()
		}
		if transientSeen {
			return nil
		}
	}
}

func (c *Coordinator) requeueTransient(ctx context.Context, entries []QueueEntry, message string) {
	for _, entry := range entries {
		attempts := entry.Attempts + 1
		nextAttempt := c.clock().UTC().Add(c.backoff.Delay(entry.Attempts)).Unix()
		if err := c.db.WithContext(ctx).Model(&QueueEntry{}).
			Where("entry_id = ?", entry.EntryID).
			Updates(map[string]interface{}{
				"status":            string(StatusPending),
				"attempts":          attempts,
				"next_attempt_at_s": nextAttempt,
				"last_error":        message,
			}).Error; err != nil {
			c.logError(opFlush, "requeue_failed", err, zap.String("fact_id", entry.FactID))
		}
	}
}

// PullRemote fetches the change feed since the persisted cursor, merges the
// deltas into the fact store, and triggers a full rebuild for every affected
// activity. Incremental streak update is never used here because remote
// deltas may interleave anywhere in the local history.
func (c *Coordinator) PullRemote(ctx context.Context) error {
	if c.isLocalSession() {
		return nil
	}

	cursor := ""
	if value, found, err := c.kv.Get(ctx, kvKeyCursor); err != nil {
		return newCoordinatorError(opPull, "cursor_read_failed", err)
	} else if found {
		cursor = string(value)
	}

	records, newCursor, err := c.remote.PullSince(ctx, cursor)
	if err != nil {
		if errors.Is(err, ErrNotProvisioned) {
			// No remote container yet means no data yet.
			return nil
		}
		c.logError(opPull, "pull_failed", err)
		return nil
	}

	affected := make(map[string]struct{})
	for _, record := range records {
		switch record.Kind {
		case KindResult:
			var result facts.Result
			if err := json.Unmarshal([]byte(record.PayloadJSON), &result); err != nil {
				c.logError(opPull, "decode_result_failed", err, zap.String("fact_id", record.FactID))
				continue
			}
			inserted, err := c.store.MergeResult(ctx, result)
			if err != nil {
				return newCoordinatorError(opPull, "merge_result_failed", err)
			}
			if inserted {
				affected[result.ActivityID] = struct{}{}
			}
		case KindScore:
			var score facts.Score
			if err := json.Unmarshal([]byte(record.PayloadJSON), &score); err != nil {
				c.logError(opPull, "decode_score_failed", err, zap.String("fact_id", record.FactID))
				continue
			}
			if _, err := c.store.MergeScore(ctx, score); err != nil {
				return newCoordinatorError(opPull, "merge_score_failed", err)
			}
		default:
			c.logError(opPull, "unknown_kind", nil, zap.String("kind", string(record.Kind)))
		}
	}

	if newCursor != cursor {
		if err := c.kv.Set(ctx, kvKeyCursor, []byte(newCursor)); err != nil {
			return newCoordinatorError(opPull, "cursor_write_failed", err)
		}
	}

	if len(affected) > 0 && c.rebuilder != nil {
		activityIDs := make([]string, 0, len(affected))
		for activityID := range affected {
			activityIDs = append(activityIDs, activityID)
		}
		if err := c.rebuilder.RebuildActivities(ctx, activityIDs); err != nil {
			return newCoordinatorError(opPull, "rebuild_failed", err)
		}
	}
	return nil
}

// SetLocalSession toggles the local-only session gate. While enabled, no
// entry is dequeued or flushed and no inbound merge runs; snapshotting state
// around the window is the caller's concern, not this component's.
func (c *Coordinator) SetLocalSession(ctx context.Context, enabled bool) error {
	value := []byte("0")
	if enabled {
		value = []byte("1")
	}
	if err := c.kv.Set(ctx, kvKeyLocalSession, value); err != nil {
		return newCoordinatorError(opLocalSession, "kv_write_failed", err)
	}
	c.mu.Lock()
	c.localSession = enabled
	if enabled && c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.mu.Unlock()
	return nil
}

// LocalSession reports whether the local-only gate is set.
func (c *Coordinator) LocalSession() bool {
	return c.isLocalSession()
}

func (c *Coordinator) isLocalSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSession
}

// Run drives the periodic pull/flush loop until the context ends. Progress
// reconciliation rides the same cadence so it shares the retry machinery.
func (c *Coordinator) Run(ctx context.Context, pullInterval time.Duration) {
	ticker := time.NewTicker(pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.isLocalSession() {
				continue
			}
			if err := c.PullRemote(ctx); err != nil {
				c.logError(opPull, "periodic_pull_failed", err)
			}
			if err := c.Flush(ctx); err != nil {
				c.logError(opFlush, "periodic_flush_failed", err)
			}
			if c.progress != nil {
				if err := c.progress.SyncAll(ctx); err != nil {
					c.logError(opPull, "progress_sync_failed", err)
				}
			}
		}
	}
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("sync coordinator error", attrs...)
}
