package progress

import (
	"github.com/dailygrid/backend/internal/facts"
)

// Tier is the ordered achievement ladder for one category.
type Tier int

const (
	TierNone Tier = iota
	TierBronze
	TierSilver
	TierGold
	TierDiamond
)

// String names the tier for logs and wire payloads.
func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierDiamond:
		return "diamond"
	default:
		return "none"
	}
}

// Record is the one genuinely mutable aggregate that syncs between devices.
// Merge keeps it convergent without last-write-wins: values only grow, tiers
// only climb, and unlock dates keep the earliest achievement.
type Record struct {
	Category        string
	CurrentValue    int64
	CurrentTier     Tier
	TierUnlockDates map[Tier]facts.DateKey
}

// Merge reconciles two copies of the same category. It is deterministic,
// idempotent and associative, so push/pull order between devices cannot
// change the converged result.
func Merge(local, remote Record) Record {
	merged := local
	if merged.Category == "" {
		merged.Category = remote.Category
	}
	if remote.CurrentValue > merged.CurrentValue {
		merged.CurrentValue = remote.CurrentValue
	}
	if remote.CurrentTier > merged.CurrentTier {
		merged.CurrentTier = remote.CurrentTier
	}

	dates := make(map[Tier]facts.DateKey, len(local.TierUnlockDates)+len(remote.TierUnlockDates))
	for tier, date := range local.TierUnlockDates {
		dates[tier] = date
	}
	for tier, date := range remote.TierUnlockDates {
		existing, seen := dates[tier]
		if !seen || date < existing {
			dates[tier] = date
		}
	}
	if len(dates) == 0 {
		merged.TierUnlockDates = nil
	} else {
		merged.TierUnlockDates = dates
	}
	return merged
}

// Equal reports whether two records carry identical observable state.
func Equal(a, b Record) bool {
	if a.Category != b.Category || a.CurrentValue != b.CurrentValue || a.CurrentTier != b.CurrentTier {
		return false
	}
	if len(a.TierUnlockDates) != len(b.TierUnlockDates) {
		return false
	}
	for tier, date := range a.TierUnlockDates {
		other, ok := b.TierUnlockDates[tier]
		if !ok || other != date {
			return false
		}
	}
	return true
}
