package syncer

import (
	"context"
	"errors"
)

// EntryKind names the fact type carried by a queue entry or remote record.
type EntryKind string

const (
	// KindResult marks an immutable play result.
	KindResult EntryKind = "result"
	// KindScore marks an idempotently upsertable leaderboard score.
	KindScore EntryKind = "score"
)

// OutcomeClass classifies a per-record delivery outcome.
type OutcomeClass string

const (
	// OutcomeDelivered confirms the record landed remotely.
	OutcomeDelivered OutcomeClass = "delivered"
	// OutcomeTransient marks a retryable failure; the entry returns to pending.
	OutcomeTransient OutcomeClass = "transient"
	// OutcomeTerminal marks a non-retryable failure; the entry is parked as
	// failed and surfaced instead of retried silently.
	OutcomeTerminal OutcomeClass = "terminal"
)

var (
	// ErrNotProvisioned indicates the remote container does not exist yet.
	// Callers treat it as "no data yet" on reads and provision on writes.
	ErrNotProvisioned = errors.New("syncer: remote container not provisioned")
	// ErrQuotaExceeded is a terminal remote failure.
	ErrQuotaExceeded = errors.New("syncer: remote quota exceeded")
	// ErrPermissionDenied is a terminal remote failure.
	ErrPermissionDenied = errors.New("syncer: remote permission denied")
)

// PushOutcome reports the remote store's decision for one pushed record.
type PushOutcome struct {
	FactID string
	Class  OutcomeClass
	Err    error
}

// RemoteRecord is the wire form of one atomic fact.
type RemoteRecord struct {
	Kind        EntryKind `json:"kind"`
	FactID      string    `json:"fact_id"`
	PayloadJSON string    `json:"payload"`
}

// RemoteStore abstracts the sync backend mirror of the fact store. Push
// returns a per-record outcome; a returned error means the whole call failed
// in a transient, retryable way. PullSince replays the change feed from an
// opaque cursor. Provision is idempotent and safe to call when the remote
// container already exists.
type RemoteStore interface {
	Push(ctx context.Context, records []RemoteRecord) ([]PushOutcome, error)
	PullSince(ctx context.Context, cursor string) ([]RemoteRecord, string, error)
	Provision(ctx context.Context) error
}

// ClassifyPushError maps a record-level error onto an outcome class. Unknown
// errors are treated as transient so connectivity loss never poisons entries.
func ClassifyPushError(err error) OutcomeClass {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrPermissionDenied):
		return OutcomeTerminal
	default:
		return OutcomeTransient
	}
}
