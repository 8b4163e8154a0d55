package remote

import (
	"context"
	"errors"

	"github.com/dailygrid/backend/internal/syncer"
)

// ErrDisabled reports that no relay is configured. The sync coordinator
// classifies it as transient, so queued facts survive until a relay appears.
var ErrDisabled = errors.New("remote: no relay configured")

// Disabled stands in for the relay when no base URL is configured. Pushes and
// provisioning fail transiently; the pull side reports "no data yet".
type Disabled struct{}

func (Disabled) Push(ctx context.Context, records []syncer.RemoteRecord) ([]syncer.PushOutcome, error) {
	return nil, ErrDisabled
}

func (Disabled) PullSince(ctx context.Context, cursor string) ([]syncer.RemoteRecord, string, error) {
	return nil, cursor, syncer.ErrNotProvisioned
}

func (Disabled) Provision(ctx context.Context) error {
	return ErrDisabled
}
