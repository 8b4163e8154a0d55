package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/games"
)

// ErrGroupNotFound reports a friend group the remote store has no record of.
// The aggregator treats it as an empty remote window, not a failure.
var ErrGroupNotFound = errors.New("leaderboard: group not found")

const defaultCacheTTL = 90 * time.Second

// AggregatorError wraps aggregation failures with a machine readable code.
type AggregatorError struct {
	Code string
	Err  error
}

func (e *AggregatorError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *AggregatorError) Unwrap() error {
	return e.Err
}

func newAggregatorError(operation, reason string, cause error) *AggregatorError {
	return &AggregatorError{Code: fmt.Sprintf("leaderboard.%s.%s", operation, reason), Err: cause}
}

// RemoteScoreStore serves published score facts for every member of a group.
type RemoteScoreStore interface {
	Query(ctx context.Context, groupID string, startKey, endKey facts.DateKey) ([]facts.Score, error)
}

// LocalScoreLister reads the device-local score facts for one user.
type LocalScoreLister interface {
	ListScores(ctx context.Context, userID facts.UserID, startKey, endKey facts.DateKey) ([]facts.Score, error)
}

// NameResolver maps user ids to display names for rendered rows.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// Row is one rendered leaderboard line, points already summed.
type Row struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	TotalPoints int            `json:"total_points"`
	PerActivity map[string]int `json:"per_activity,omitempty"`
}

// AggregatorConfig describes the dependencies required to build leaderboards.
type AggregatorConfig struct {
	Local     LocalScoreLister
	Remote    RemoteScoreStore
	Names     NameResolver
	Catalog   *games.Catalog
	LocalUser facts.UserID
	CacheTTL  time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Aggregator assembles score facts from the local store and the remote group
// feed into ranked rows. Local facts are always included so the board is never
// empty while the network is down.
type Aggregator struct {
	local     LocalScoreLister
	remote    RemoteScoreStore
	names     NameResolver
	catalog   *games.Catalog
	localUser facts.UserID
	cache     *rowCache
	logger    *zap.Logger
}

// NewAggregator validates dependencies and constructs the aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("leaderboard: local score lister required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("leaderboard: activity catalog required")
	}
	if cfg.Names == nil {
		return nil, fmt.Errorf("leaderboard: name resolver required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		local:     cfg.Local,
		remote:    cfg.Remote,
		names:     cfg.Names,
		catalog:   cfg.Catalog,
		localUser: cfg.LocalUser,
		cache:     newRowCache(ttl, clock),
		logger:    logger,
	}, nil
}

// Fetch returns the ranked rows for a group over an inclusive day window.
// Remote outages degrade to local-only rows rather than an error.
func (a *Aggregator) Fetch(ctx context.Context, groupID string, startKey, endKey facts.DateKey) ([]Row, error) {
	if startKey.Int() > endKey.Int() {
		return nil, newAggregatorError("fetch", "inverted_window", fmt.Errorf("start %d after end %d", startKey.Int(), endKey.Int()))
	}

	key := cacheKey{groupID: groupID, startKey: startKey.Int(), endKey: endKey.Int()}
	if rows, ok := a.cache.get(key); ok {
		return rows, nil
	}

	localScores, err := a.local.ListScores(ctx, a.localUser, startKey, endKey)
	if err != nil {
		return nil, newAggregatorError("fetch", "local_read_failed", err)
	}

	remoteScores, remoteOK := a.queryRemote(ctx, groupID, startKey, endKey)

	rows := a.assemble(ctx, localScores, remoteScores)

	// A degraded board stays uncached so the next read retries the remote.
	if remoteOK {
		a.cache.put(key, rows)
	}
	return rows, nil
}

// Invalidate drops every cached window. Called after a score publication is
// confirmed delivered so the next read reflects it.
func (a *Aggregator) Invalidate() {
	a.cache.clear()
}

func (a *Aggregator) queryRemote(ctx context.Context, groupID string, startKey, endKey facts.DateKey) ([]facts.Score, bool) {
	if a.remote == nil || groupID == "" {
		return nil, true
	}
	scores, err := a.remote.Query(ctx, groupID, startKey, endKey)
	if errors.Is(err, ErrGroupNotFound) {
		return nil, true
	}
	if err != nil {
		a.logger.Warn("leaderboard remote query failed, serving local rows",
			zap.String("operation", "leaderboard.fetch"),
			zap.String("group_id", groupID),
			zap.Error(err))
		return nil, false
	}
	return scores, true
}

func (a *Aggregator) assemble(ctx context.Context, localScores, remoteScores []facts.Score) []Row {
	// Same fact published from several devices shares a score id; count once.
	seen := map[string]facts.Score{}
	for _, score := range localScores {
		seen[score.ScoreID] = score
	}
	for _, score := range remoteScores {
		if _, ok := seen[score.ScoreID]; ok {
			continue
		}
		seen[score.ScoreID] = score
	}

	totals := map[string]*Row{}
	for _, score := range seen {
		row, ok := totals[score.UserID]
		if !ok {
			row = &Row{
				UserID:      score.UserID,
				DisplayName: a.names.DisplayName(ctx, score.UserID),
				PerActivity: map[string]int{},
			}
			totals[score.UserID] = row
		}
		points := a.catalog.PointsFor(score.ActivityID, score.Value)
		row.TotalPoints += points
		row.PerActivity[score.ActivityID] += points
	}

	rows := make([]Row, 0, len(totals))
	for _, row := range totals {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalPoints != rows[j].TotalPoints {
			return rows[i].TotalPoints > rows[j].TotalPoints
		}
		if rows[i].DisplayName != rows[j].DisplayName {
			return rows[i].DisplayName < rows[j].DisplayName
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows
}
