package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/games"
)

type memoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: make(map[string][]byte)}
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.values[key]
	return value, ok, nil
}

func (kv *memoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	return nil
}

type fakeRemote struct {
	mu          sync.Mutex
	pushCalls   [][]RemoteRecord
	pushErr     error
	perRecord   map[string]error
	pushSignal  chan struct{}
	pulled      []RemoteRecord
	pullCursor  string
	pullErr     error
	provisioned int
}

func (r *fakeRemote) Push(_ context.Context, records []RemoteRecord) ([]PushOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushSignal != nil {
		select {
		case r.pushSignal <- struct{}{}:
		default:
		}
	}
	if r.pushErr != nil {
		err := r.pushErr
		return nil, err
	}
	copied := make([]RemoteRecord, len(records))
	copy(copied, records)
	r.pushCalls = append(r.pushCalls, copied)

	outcomes := make([]PushOutcome, 0, len(records))
	for _, record := range records {
		err := r.perRecord[record.FactID]
		outcomes = append(outcomes, PushOutcome{
			FactID: record.FactID,
			Class:  ClassifyPushError(err),
			Err:    err,
		})
	}
	return outcomes, nil
}

func (r *fakeRemote) PullSince(_ context.Context, _ string) ([]RemoteRecord, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pullErr != nil {
		return nil, "", r.pullErr
	}
	return r.pulled, r.pullCursor, nil
}

func (r *fakeRemote) Provision(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioned++
	return nil
}

func (r *fakeRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushCalls)
}

type recordingRebuilder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRebuilder) RebuildActivities(_ context.Context, activityIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]string, len(activityIDs))
	copy(copied, activityIDs)
	r.calls = append(r.calls, copied)
	return nil
}

type countingInvalidator struct {
	mu    sync.Mutex
	count int
}

func (i *countingInvalidator) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.count++
}

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("result-%03d", g.next), nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *facts.Store
	db          *gorm.DB
	remote      *fakeRemote
	rebuilder   *recordingRebuilder
	invalidator *countingInvalidator
	kv          *memoryKV
	now         *time.Time
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&facts.Result{}, &facts.Score{}, &QueueEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := facts.NewStore(facts.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{},
		Catalog:    games.DefaultCatalog(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	remote := &fakeRemote{}
	rebuilder := &recordingRebuilder{}
	invalidator := &countingInvalidator{}
	kv := newMemoryKV()

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:    db,
		Store:       store,
		Remote:      remote,
		KV:          kv,
		Rebuilder:   rebuilder,
		Invalidator: invalidator,
		Clock:       func() time.Time { return now },
		BatchSize:   10,
		// Keep the background paths quiet so tests drive Flush explicitly.
		HighWater: 1000,
		Debounce:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	fixture := &coordinatorFixture{
		coordinator: coordinator,
		store:       store,
		db:          db,
		remote:      remote,
		rebuilder:   rebuilder,
		invalidator: invalidator,
		kv:          kv,
		now:         &now,
	}
	fixture.coordinator.clock = func() time.Time { return *fixture.now }
	return fixture
}

func (f *coordinatorFixture) enqueueResults(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		record := facts.Result{
			ResultID:        fmt.Sprintf("queued-%03d", i),
			UserID:          "user-1",
			ActivityID:      "gridword",
			PlayedAtSeconds: f.now.Unix(),
			DateKey:         20260415,
			Completed:       true,
		}
		if err := f.coordinator.EnqueueResult(context.Background(), record); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
}

func (f *coordinatorFixture) queueCount(t *testing.T, status EntryStatus) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&QueueEntry{}).Where("status = ?", string(status)).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func TestFlushDrainsQueueInBatches(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.enqueueResults(t, 12)

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	if calls := fixture.remote.pushCount(); calls != 2 {
		t.Fatalf("expected 12 entries in 2 batches, got %d push calls", calls)
	}
	var remaining int64
	if err := fixture.db.Model(&QueueEntry{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("queue must drain to empty after confirmed delivery, %d rows left", remaining)
	}
}

func TestEnqueueIsIdempotentPerFact(t *testing.T) {
	fixture := newCoordinatorFixture(t)

	record := facts.Result{ResultID: "dup-1", UserID: "user-1", ActivityID: "gridword", PlayedAtSeconds: fixture.now.Unix(), DateKey: 20260415, Completed: true}
	if err := fixture.coordinator.EnqueueResult(context.Background(), record); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := fixture.coordinator.EnqueueResult(context.Background(), record); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if count := fixture.queueCount(t, StatusPending); count != 1 {
		t.Fatalf("expected one queue row per fact, got %d", count)
	}
}

func TestFlushAbsorbsTransportFailureAndBacksOff(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.enqueueResults(t, 2)
	fixture.remote.pushErr = fmt.Errorf("network unreachable")

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("transient failures must be absorbed, got %v", err)
	}
	if count := fixture.queueCount(t, StatusPending); count != 2 {
		t.Fatalf("expected entries back to pending, got %d", count)
	}

	// Still inside the backoff window: nothing is due.
	fixture.remote.pushErr = nil
	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if calls := fixture.remote.pushCount(); calls != 0 {
		t.Fatalf("expected no push before backoff elapses, got %d", calls)
	}

	// Past the backoff window the entries deliver.
	*fixture.now = fixture.now.Add(2 * time.Second)
	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if count := fixture.queueCount(t, StatusPending); count != 0 {
		t.Fatalf("expected queue drained after retry, got %d pending", count)
	}
}

func TestFlushParksTerminalFailures(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.enqueueResults(t, 2)
	fixture.remote.perRecord = map[string]error{"queued-000": ErrQuotaExceeded}

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	failed, err := fixture.coordinator.FailedEntries(context.Background())
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(failed) != 1 || failed[0].FactID != "queued-000" {
		t.Fatalf("expected the quota-hit entry parked as failed, got %+v", failed)
	}
	if count := fixture.queueCount(t, StatusPending); count != 0 {
		t.Fatalf("the other entry must deliver, got %d pending", count)
	}

	// A later flush never retries the terminal entry.
	*fixture.now = fixture.now.Add(5 * time.Minute)
	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if count := fixture.queueCount(t, StatusFailed); count != 1 {
		t.Fatalf("terminal entries must stay parked, got %d", count)
	}
}

func TestFlushProvisionsOnDemand(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.enqueueResults(t, 1)

	// The first push reports a missing container; provisioning clears it.
	fixture.remote.pushErr = ErrNotProvisioned
	fixture.coordinator.remote = &provisionClearingRemote{inner: fixture.remote}

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if fixture.remote.provisioned != 1 {
		t.Fatalf("expected one provisioning call, got %d", fixture.remote.provisioned)
	}
	var remaining int64
	if err := fixture.db.Model(&QueueEntry{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected delivery after provisioning, %d rows left", remaining)
	}
}

type provisionClearingRemote struct {
	inner *fakeRemote
}

func (r *provisionClearingRemote) Push(ctx context.Context, records []RemoteRecord) ([]PushOutcome, error) {
	return r.inner.Push(ctx, records)
}

func (r *provisionClearingRemote) PullSince(ctx context.Context, cursor string) ([]RemoteRecord, string, error) {
	return r.inner.PullSince(ctx, cursor)
}

func (r *provisionClearingRemote) Provision(ctx context.Context) error {
	if err := r.inner.Provision(ctx); err != nil {
		return err
	}
	r.inner.mu.Lock()
	r.inner.pushErr = nil
	r.inner.mu.Unlock()
	return nil
}

type omittingRemote struct {
	inner *fakeRemote
	omit  string
}

func (r *omittingRemote) Push(ctx context.Context, records []RemoteRecord) ([]PushOutcome, error) {
	outcomes, err := r.inner.Push(ctx, records)
	if err != nil {
		return nil, err
	}
	kept := make([]PushOutcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.FactID == r.omit {
			continue
		}
		kept = append(kept, outcome)
	}
	return kept, nil
}

func (r *omittingRemote) PullSince(ctx context.Context, cursor string) ([]RemoteRecord, string, error) {
	return r.inner.PullSince(ctx, cursor)
}

func (r *omittingRemote) Provision(ctx context.Context) error {
	return r.inner.Provision(ctx)
}

func TestFlushRequeuesEntriesOmittedFromOutcomes(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.enqueueResults(t, 3)
	fixture.coordinator.remote = &omittingRemote{inner: fixture.remote, omit: "queued-001"}

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	if count := fixture.queueCount(t, StatusInFlight); count != 0 {
		t.Fatalf("an entry without an outcome must not stay in flight, got %d", count)
	}
	if count := fixture.queueCount(t, StatusPending); count != 1 {
		t.Fatalf("expected the omitted entry back to pending, got %d", count)
	}

	// Once the remote reports it, the entry delivers like any retry.
	fixture.coordinator.remote = fixture.remote
	*fixture.now = fixture.now.Add(2 * time.Second)
	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if count := fixture.queueCount(t, StatusPending); count != 0 {
		t.Fatalf("expected the queue drained on retry, got %d pending", count)
	}
}

func TestLocalSessionGatesFlushAndPull(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	if err := fixture.coordinator.SetLocalSession(context.Background(), true); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	fixture.enqueueResults(t, 3)
	fixture.remote.pulled = []RemoteRecord{{Kind: KindResult, FactID: "remote-1", PayloadJSON: `{}`}}
	fixture.remote.pullCursor = "cursor-1"

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if err := fixture.coordinator.PullRemote(context.Background()); err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}

	if calls := fixture.remote.pushCount(); calls != 0 {
		t.Fatalf("local session must not flush, got %d pushes", calls)
	}
	if count := fixture.queueCount(t, StatusPending); count != 3 {
		t.Fatalf("entries must persist through the session, got %d", count)
	}
	if _, found, _ := fixture.kv.Get(context.Background(), "sync.cursor"); found {
		t.Fatalf("local session must not advance the cursor")
	}

	// Ending the session releases the gate.
	if err := fixture.coordinator.SetLocalSession(context.Background(), false); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if count := fixture.queueCount(t, StatusPending); count != 0 {
		t.Fatalf("expected queue drained after the session, got %d", count)
	}
}

func TestLocalSessionFlagSurvivesRestart(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	if err := fixture.coordinator.SetLocalSession(context.Background(), true); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}

	reopened, err := NewCoordinator(CoordinatorConfig{
		Database:  fixture.db,
		Store:     fixture.store,
		Remote:    fixture.remote,
		KV:        fixture.kv,
		Rebuilder: fixture.rebuilder,
	})
	if err != nil {
		t.Fatalf("failed to rebuild coordinator: %v", err)
	}
	if !reopened.LocalSession() {
		t.Fatalf("local-session flag must survive a restart")
	}
}

func TestPullRemoteMergesAndRebuilds(t *testing.T) {
	fixture := newCoordinatorFixture(t)

	remoteResult := facts.Result{
		ResultID:        "remote-result-1",
		UserID:          "user-1",
		ActivityID:      "gridword",
		PlayedAtSeconds: time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC).Unix(),
		DateKey:         20260413,
		Completed:       true,
	}
	resultPayload, err := json.Marshal(remoteResult)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	remoteScore := facts.Score{
		ScoreID:    "user-1:20260413:gridword",
		UserID:     "user-1",
		ActivityID: "gridword",
		DateKey:    20260413,
		Value:      3,
	}
	scorePayload, err := json.Marshal(remoteScore)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	fixture.remote.pulled = []RemoteRecord{
		{Kind: KindResult, FactID: remoteResult.ResultID, PayloadJSON: string(resultPayload)},
		{Kind: KindScore, FactID: remoteScore.ScoreID, PayloadJSON: string(scorePayload)},
	}
	fixture.remote.pullCursor = "cursor-7"

	if err := fixture.coordinator.PullRemote(context.Background()); err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}

	if len(fixture.rebuilder.calls) != 1 || fixture.rebuilder.calls[0][0] != "gridword" {
		t.Fatalf("expected rebuild for the affected activity, got %+v", fixture.rebuilder.calls)
	}
	if value, found, _ := fixture.kv.Get(context.Background(), "sync.cursor"); !found || string(value) != "cursor-7" {
		t.Fatalf("expected persisted cursor, got %q found=%v", value, found)
	}

	// Replaying the same delta set is a no-op: nothing new lands, so no rebuild.
	if err := fixture.coordinator.PullRemote(context.Background()); err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(fixture.rebuilder.calls) != 1 {
		t.Fatalf("idempotent re-pull must not rebuild again, got %d calls", len(fixture.rebuilder.calls))
	}
}

func TestPullRemoteTreatsMissingContainerAsEmpty(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.remote.pullErr = ErrNotProvisioned

	if err := fixture.coordinator.PullRemote(context.Background()); err != nil {
		t.Fatalf("missing container must read as no data, got %v", err)
	}
	if len(fixture.rebuilder.calls) != 0 {
		t.Fatalf("no data must not trigger rebuilds")
	}
}

func TestHighWaterMarkTriggersImmediateFlush(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	fixture.remote.pushSignal = make(chan struct{}, 1)
	fixture.coordinator.highWater = 5
	fixture.coordinator.debounce = time.Hour

	fixture.enqueueResults(t, 5)

	select {
	case <-fixture.remote.pushSignal:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the high-water mark to force an immediate flush")
	}
}

func TestScoreDeliveryInvalidatesLeaderboardCache(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	score := facts.Score{ScoreID: "user-1:20260415:gridword", UserID: "user-1", ActivityID: "gridword", DateKey: 20260415, Value: 3}
	if err := fixture.coordinator.EnqueueScore(context.Background(), score); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := fixture.coordinator.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if fixture.invalidator.count != 1 {
		t.Fatalf("expected one cache invalidation on publish, got %d", fixture.invalidator.count)
	}
}
