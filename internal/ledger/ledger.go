package ledger

import (
	"context"
	"errors"

	"nftgate/redemption-service/internal/models"
)

var (
	// ErrNotFound means the ledger has no object for the reference. The
	// credential is forged or nonexistent; retrying cannot change this.
	ErrNotFound = errors.New("ticket not found on ledger")
	// ErrUnavailable is a transient failure (timeout, partition, node
	// overload). Callers retry with backoff.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Reader resolves a ticket reference to its current authoritative state.
// Implementations must not cache: every call reflects the ledger at call
// time. Staleness is the coordinator's concern, not the reader's.
type Reader interface {
	Resolve(ctx context.Context, ticketRef string) (models.TicketState, error)
}

// Redeemer flips the used flag on the ledger itself via a capability-gated
// transaction. Invoked only after a local admit decision, never on the
// decision path.
type Redeemer interface {
	Redeem(ctx context.Context, ticketRef, capabilityRef string) (txDigest string, err error)
}
