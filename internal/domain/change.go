package domain

import (
	"context"
	"time"
)

// ChangeAction is the kind of mutation recorded in the change log.
type ChangeAction string

const (
	ActionCreate ChangeAction = "CREATE"
	ActionUpdate ChangeAction = "UPDATE"
	ActionDelete ChangeAction = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a ChangeAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Change is a single change-log row. ID is the watcher's cursor:
// monotonically increasing in append order.
type Change struct {
	ID         int64        `db:"id"`
	EntityCode string       `db:"entity_code"`
	EntityID   string       `db:"entity_id"`
	Action     ChangeAction `db:"action"`
	Version    int64        `db:"version"`
	CreatedAt  time.Time    `db:"created_at"`
}

// ChangeSource is the watcher's view of the change log.
type ChangeSource interface {
	// ChangesAfter returns up to limit rows with ID > cursor, ordered by ID ascending.
	ChangesAfter(ctx context.Context, cursor int64, limit int) ([]Change, error)

	// LatestCursor returns the highest change ID, or 0 for an empty log.
	LatestCursor(ctx context.Context) (int64, error)
}
