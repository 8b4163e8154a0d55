package games

import (
	"fmt"
	"sort"
)

// Catalog is the registry of playable activities, keyed by activity id.
// Components treat it as a read-only lookup table.
type Catalog struct {
	activities map[string]Activity
	policies   map[string]ScoringPolicy
}

// NewCatalog validates every definition and builds the lookup.
func NewCatalog(activities []Activity) (*Catalog, error) {
	catalog := &Catalog{
		activities: make(map[string]Activity, len(activities)),
		policies:   make(map[string]ScoringPolicy, len(activities)),
	}
	for _, activity := range activities {
		if err := activity.validate(); err != nil {
			return nil, err
		}
		if _, exists := catalog.activities[activity.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidActivity, activity.ID)
		}
		catalog.activities[activity.ID] = activity
		catalog.policies[activity.ID] = policyFor(activity)
	}
	return catalog, nil
}

// Lookup returns the activity definition for the provided id.
func (c *Catalog) Lookup(activityID string) (Activity, error) {
	activity, ok := c.activities[activityID]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %s", ErrUnknownActivity, activityID)
	}
	return activity, nil
}

// PointsFor converts a raw score into leaderboard points using the activity's
// scoring policy. Unknown activities score zero points rather than failing the
// aggregation pass.
func (c *Catalog) PointsFor(activityID string, score int) int {
	policy, ok := c.policies[activityID]
	if !ok {
		return 0
	}
	return policy.Points(score)
}

// ActivityIDs lists the registered activity ids in stable order.
func (c *Catalog) ActivityIDs() []string {
	ids := make([]string, 0, len(c.activities))
	for id := range c.activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultCatalog returns the built-in daily games.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog([]Activity{
		{ID: "gridword", Name: "Gridword", Model: ScoringModelAttempts, MaxAttempts: 6},
		{ID: "numflow", Name: "Numflow", Model: ScoringModelAttempts, MaxAttempts: 8},
		{ID: "tally", Name: "Tally", Model: ScoringModelMagnitude, Bounds: ScoreBounds{Min: 0, Max: 100}},
		{ID: "quickset", Name: "Quickset", Model: ScoringModelTimed, Bounds: ScoreBounds{Min: 10, Max: 600}},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}
