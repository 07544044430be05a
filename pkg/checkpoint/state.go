// Package checkpoint snapshots live daemon state into SQLite and restores
// it after a restart.
//
// The engine doesn't know what a request, a session queue, or a routing
// rule is. Every service that owns durable-but-in-memory state registers a
// Participant; collect fans out to all of them, merges what comes back
// into one checkpoint row plus one child-table row per participant, and
// writes it in a single transaction. Restore does the reverse: it loads
// the latest active checkpoint and hands each participant its own slice
// back.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Reason records why a checkpoint was taken.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonShutdown Reason = "shutdown"
	ReasonPeriodic Reason = "periodic"
)

// Status is the lifecycle state of a checkpoint row.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Snapshot is one row of the `checkpoints` table plus the totals computed
// from whatever its participants returned.
type Snapshot struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Reason    Reason         `json:"reason"`
	Status    Status         `json:"status"`
	Totals    map[string]int `json:"totals"`
}

// Participant is implemented by every service whose in-memory state must
// survive a restart. The daemon registers three: the context manager, the
// routing service, and the daemon's request tracker; no session or
// agent/identity state is checkpointed. Collect returns a JSON blob representing everything that
// needs to be restored; Restore rehydrates from a blob previously returned
// by Collect. A participant with nothing to snapshot may return nil, nil.
type Participant interface {
	Collect(ctx context.Context) (json.RawMessage, error)
	Restore(ctx context.Context, data json.RawMessage) error
}
