// Package reconcile repairs state that is allowed to lag behind an admit
// decision: the ledger-side redeem transaction and the local mirror. Both are
// retried off the hot path so a gate decision never waits on them.
package reconcile

import (
	"context"
	"time"
)

const (
	TaskRedeem = "redeem"
	TaskMirror = "mirror"
)

// Task is one deferred repair. AttemptID ties the task back to the admitted
// verification attempt it reconciles.
type Task struct {
	Kind      string    `json:"kind"`
	TicketRef string    `json:"ticket_ref"`
	AttemptID string    `json:"attempt_id"`
	UsedAt    time.Time `json:"used_at"`
}

// Publisher enqueues a task for asynchronous processing. Implementations
// must be safe for concurrent use; a failed publish is logged by the caller
// and never affects an already-finalized decision.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
}
