package games

import (
	"errors"
	"fmt"
	"strings"
)

// ScoringModel enumerates the supported score interpretations.
type ScoringModel string

const (
	// ScoringModelAttempts scores by attempts used; fewer attempts is better.
	ScoringModelAttempts ScoringModel = "attempts"
	// ScoringModelMagnitude scores by raw magnitude; higher is better.
	ScoringModelMagnitude ScoringModel = "magnitude"
	// ScoringModelTimed scores by elapsed seconds; faster is better.
	ScoringModelTimed ScoringModel = "timed"
)

var (
	// ErrInvalidActivity indicates an activity definition is unusable.
	ErrInvalidActivity = errors.New("games: invalid activity")
	// ErrUnknownActivity indicates a lookup for an unregistered activity id.
	ErrUnknownActivity = errors.New("games: unknown activity")
	// ErrInvalidResult indicates a result violates its activity's scoring invariants.
	ErrInvalidResult = errors.New("games: invalid result")
)

// ScoreBounds declares the inclusive range of valid raw scores for an activity.
type ScoreBounds struct {
	Min int
	Max int
}

// Activity describes one recurring daily game and its scoring contract.
type Activity struct {
	ID          string
	Name        string
	Model       ScoringModel
	MaxAttempts int
	Bounds      ScoreBounds
}

func (a Activity) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidActivity)
	}
	switch a.Model {
	case ScoringModelAttempts:
		if a.MaxAttempts <= 0 {
			return fmt.Errorf("%w: attempts model requires max attempts, activity %s", ErrInvalidActivity, a.ID)
		}
	case ScoringModelMagnitude, ScoringModelTimed:
		if a.Bounds.Max <= a.Bounds.Min {
			return fmt.Errorf("%w: bounds must span a range, activity %s", ErrInvalidActivity, a.ID)
		}
	default:
		return fmt.Errorf("%w: unknown scoring model %q, activity %s", ErrInvalidActivity, a.Model, a.ID)
	}
	return nil
}

// ValidateResult checks a candidate result against the activity's scoring
// invariants. Malformed results must be rejected here, before they reach the
// fact store; derivation downstream assumes every stored result is well formed.
func (a Activity) ValidateResult(completed bool, score *int) error {
	switch a.Model {
	case ScoringModelAttempts:
		if completed {
			if score == nil {
				return fmt.Errorf("%w: completed %s result requires a score", ErrInvalidResult, a.ID)
			}
			if *score < 1 || *score > a.MaxAttempts {
				return fmt.Errorf("%w: %s score %d outside [1,%d]", ErrInvalidResult, a.ID, *score, a.MaxAttempts)
			}
		}
		if !completed && score != nil && (*score < 1 || *score > a.MaxAttempts) {
			return fmt.Errorf("%w: %s score %d outside [1,%d]", ErrInvalidResult, a.ID, *score, a.MaxAttempts)
		}
	case ScoringModelMagnitude, ScoringModelTimed:
		if score != nil && (*score < a.Bounds.Min || *score > a.Bounds.Max) {
			return fmt.Errorf("%w: %s score %d outside [%d,%d]", ErrInvalidResult, a.ID, *score, a.Bounds.Min, a.Bounds.Max)
		}
		if completed && score == nil {
			return fmt.Errorf("%w: completed %s result requires a score", ErrInvalidResult, a.ID)
		}
	}
	return nil
}
