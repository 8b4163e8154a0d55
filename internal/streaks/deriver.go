package streaks

import (
	"sort"

	"github.com/dailygrid/backend/internal/facts"
)

// State is the derived per-activity streak aggregate. It is never a source of
// truth: any State can be discarded and rebuilt from the result history.
type State struct {
	ActivityID     string
	CurrentStreak  int
	MaxStreak      int
	StreakStartKey facts.DateKey
	LastPlayedKey  facts.DateKey
	TotalPlayed    int
	TotalCompleted int
}

// NewState returns the empty aggregate for an activity with no history.
func NewState(activityID string) State {
	return State{ActivityID: activityID}
}

// Update folds one new result into the aggregate in O(1). It is only valid
// when results arrive in chronological order; any out-of-order mutation of the
// history requires Rebuild instead.
func Update(state State, result facts.Result) State {
	next := state
	playedKey := facts.DateKey(result.DateKey)
	next.TotalPlayed++
	next.LastPlayedKey = playedKey

	if !result.Completed {
		next.CurrentStreak = 0
		next.StreakStartKey = 0
		return next
	}

	next.TotalCompleted++
	if state.LastPlayedKey == 0 {
		next.CurrentStreak = 1
		next.StreakStartKey = playedKey
	} else {
		gap := facts.DaysBetween(state.LastPlayedKey, playedKey)
		switch {
		case gap == 0:
			// Same-day replay leaves the streak count untouched.
		case gap == 1:
			next.CurrentStreak = state.CurrentStreak + 1
			if state.CurrentStreak == 0 {
				next.StreakStartKey = playedKey
			}
		default:
			next.CurrentStreak = 1
			next.StreakStartKey = playedKey
		}
	}

	if next.CurrentStreak > next.MaxStreak {
		next.MaxStreak = next.CurrentStreak
	}
	return next
}

// Rebuild derives the aggregate from the full result history by replaying
// Update in chronological order. Safe to invoke redundantly; the final state
// depends only on the result set, not on the order facts arrived.
func Rebuild(activityID string, results []facts.Result) State {
	ordered := make([]facts.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PlayedAtSeconds != ordered[j].PlayedAtSeconds {
			return ordered[i].PlayedAtSeconds < ordered[j].PlayedAtSeconds
		}
		return ordered[i].ResultID < ordered[j].ResultID
	})

	state := NewState(activityID)
	for _, result := range ordered {
		state = Update(state, result)
	}
	return state
}

// Normalize accounts for wall-clock time elapsed since the last recorded play.
// Rebuild only sees gaps between stored results; a streak that ended days ago
// with no new facts still reads as alive until this pass zeroes it. It runs
// after every rebuild and on explicit foreground refresh, and deliberately not
// on a bare day-boundary tick: a day rolling over with no play yet must not
// reset a streak that is still pending today's result.
func Normalize(state State, today facts.DateKey) State {
	if state.LastPlayedKey == 0 {
		return state
	}
	if facts.DaysBetween(state.LastPlayedKey, today) <= 1 {
		return state
	}
	next := state
	next.CurrentStreak = 0
	next.StreakStartKey = 0
	return next
}
