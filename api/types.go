package api

import (
	"context"

	"crm-activities/board"
)

// Boards hands out the board session of a lead.
type Boards interface {
	Session(ctx context.Context, leadID string) (*board.Session, error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, leadID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, leadID, key string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
