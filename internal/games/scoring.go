package games

// ScoringPolicy converts a raw score into leaderboard points for one activity.
type ScoringPolicy interface {
	Points(score int) int
}

// attemptsPolicy rewards finishing in fewer attempts. An activity solved on the
// first attempt earns the full curve; running out of attempts earns the floor.
type attemptsPolicy struct {
	maxAttempts int
}

func (p attemptsPolicy) Points(score int) int {
	if score < 1 {
		return 0
	}
	if score > p.maxAttempts {
		score = p.maxAttempts
	}
	return (p.maxAttempts - score + 1) * 10
}

// magnitudePolicy passes the raw score through, clamped to the declared bounds.
type magnitudePolicy struct {
	bounds ScoreBounds
}

func (p magnitudePolicy) Points(score int) int {
	if score < p.bounds.Min {
		score = p.bounds.Min
	}
	if score > p.bounds.Max {
		score = p.bounds.Max
	}
	if score < 0 {
		return 0
	}
	return score
}

// timedPolicy awards banded points by elapsed seconds against the activity's
// worst-case bound. Finishing inside each fifth of the allowed window drops one
// band of ten points, with a floor of ten for any finish at all.
type timedPolicy struct {
	bounds ScoreBounds
}

func (p timedPolicy) Points(score int) int {
	if score <= p.bounds.Min {
		return 50
	}
	if score >= p.bounds.Max {
		return 10
	}
	span := p.bounds.Max - p.bounds.Min
	band := (score - p.bounds.Min) * 5 / span
	points := 50 - band*10
	if points < 10 {
		points = 10
	}
	return points
}

func policyFor(activity Activity) ScoringPolicy {
	switch activity.Model {
	case ScoringModelAttempts:
		return attemptsPolicy{maxAttempts: activity.MaxAttempts}
	case ScoringModelTimed:
		return timedPolicy{bounds: activity.Bounds}
	default:
		return magnitudePolicy{bounds: activity.Bounds}
	}
}
