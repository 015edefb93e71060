// Package coordinator turns a scanned credential into a single authoritative
// admit or deny decision. The decision pipeline runs in a fixed order:
// resolve on the ownership ledger, check the event binding, check the
// ledger's used flag, then atomically claim the admission in the
// verification store. Only the last step coordinates concurrent scans, and
// it does so through the store's uniqueness guarantee rather than any lock
// held here, so unrelated tickets never serialize against each other.
package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"nftgate/redemption-service/internal/ledger"
	"nftgate/redemption-service/internal/mirror"
	"nftgate/redemption-service/internal/models"
	"nftgate/redemption-service/internal/reconcile"
	"nftgate/redemption-service/internal/store"

	"github.com/cenkalti/backoff/v5"
)

type VerifyInput struct {
	TicketRef   string
	EventRef    string
	VerifierRef string
}

// Decision is the only thing ever exposed to the gate: a terminal outcome
// plus a machine-readable reason. Retryable marks denials where the gate
// operator should re-scan instead of turning the holder away.
type Decision struct {
	Outcome      string              `json:"outcome"`
	DenialReason string              `json:"denial_reason,omitempty"`
	Retryable    bool                `json:"retryable"`
	AttemptID    string              `json:"attempt_id,omitempty"`
	Ticket       *models.TicketState `json:"ticket,omitempty"`
	DecidedAt    time.Time           `json:"decided_at"`
}

type Deps struct {
	Ledger        ledger.Reader
	Verifications store.VerificationStore
	Mirror        mirror.Mirror
	Reconciler    reconcile.Publisher
}

type Config struct {
	ResolveMaxTries  int
	ResolveBaseDelay time.Duration
	ResolveMaxDelay  time.Duration
	RecordMaxTries   int
	RedeemOnAdmit    bool
}

type Coordinator struct {
	ledger        ledger.Reader
	verifications store.VerificationStore
	mirror        mirror.Mirror
	reconciler    reconcile.Publisher

	resolveMaxTries  uint
	resolveBaseDelay time.Duration
	resolveMaxDelay  time.Duration
	recordMaxTries   uint
	redeemOnAdmit    bool

	now func() time.Time
}

func New(deps Deps, cfg Config) *Coordinator {
	resolveTries := cfg.ResolveMaxTries
	if resolveTries <= 0 {
		resolveTries = 3
	}
	baseDelay := cfg.ResolveBaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := cfg.ResolveMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	recordTries := cfg.RecordMaxTries
	if recordTries <= 0 {
		recordTries = 2
	}
	return &Coordinator{
		ledger:           deps.Ledger,
		verifications:    deps.Verifications,
		mirror:           deps.Mirror,
		reconciler:       deps.Reconciler,
		resolveMaxTries:  uint(resolveTries),
		resolveBaseDelay: baseDelay,
		resolveMaxDelay:  maxDelay,
		recordMaxTries:   uint(recordTries),
		redeemOnAdmit:    cfg.RedeemOnAdmit,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Verify runs one credential presentation to a terminal decision. It never
// returns an error: every failure mode maps to a denial, retryable or not.
func (c *Coordinator) Verify(ctx context.Context, input VerifyInput) Decision {
	state, err := c.resolve(ctx, input.TicketRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return c.deny(ctx, input, models.ReasonTicketNotFound, nil)
		}
		// Transient ledger failure. Nothing has been recorded, so the
		// gate can retry the scan without double-counting risk.
		return Decision{
			Outcome:      models.OutcomeDenied,
			DenialReason: models.ReasonLedgerUnreachable,
			Retryable:    true,
			DecidedAt:    c.now(),
		}
	}

	if state.EventBinding != input.EventRef {
		return c.deny(ctx, input, models.ReasonEventMismatch, &state)
	}

	if state.Used {
		// The ledger is authoritative for usage regardless of what the
		// verification store has seen; redemption may have happened
		// through another channel entirely.
		c.refreshMirror(ctx, state.TicketRef)
		return c.deny(ctx, input, models.ReasonAlreadyUsedOnLedger, &state)
	}

	decidedAt := c.now()
	attempt, err := c.claim(ctx, input, decidedAt)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateAdmission) {
			// Another scan won the race. Deterministic loser outcome.
			return c.deny(ctx, input, models.ReasonAlreadyAdmittedLocally, &state)
		}
		return Decision{
			Outcome:      models.OutcomeDenied,
			DenialReason: models.ReasonStoreUnavailable,
			Retryable:    true,
			Ticket:       &state,
			DecidedAt:    c.now(),
		}
	}

	c.afterAdmit(ctx, attempt)

	return Decision{
		Outcome:   models.OutcomeAdmitted,
		AttemptID: attempt.AttemptID,
		Ticket:    &state,
		DecidedAt: attempt.DecidedAt,
	}
}

// resolve reads the ticket from the ledger with bounded retries. NotFound is
// permanent; anything else is retried with exponential backoff until the
// attempt budget runs out.
func (c *Coordinator) resolve(ctx context.Context, ticketRef string) (models.TicketState, error) {
	operation := func() (models.TicketState, error) {
		state, err := c.ledger.Resolve(ctx, ticketRef)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return models.TicketState{}, backoff.Permanent(err)
			}
			return models.TicketState{}, err
		}
		return state, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.resolveBaseDelay
	expo.MaxInterval = c.resolveMaxDelay

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.resolveMaxTries),
	)
}

// claim appends the admitted attempt. The store's uniqueness constraint is
// the atomic check-and-set: exactly one concurrent claim per ticket
// succeeds. Transient store failures are retried; a duplicate is permanent.
func (c *Coordinator) claim(ctx context.Context, input VerifyInput, decidedAt time.Time) (models.VerificationAttempt, error) {
	operation := func() (models.VerificationAttempt, error) {
		attempt, err := c.verifications.RecordAttempt(ctx, store.RecordAttemptInput{
			TicketRef:   input.TicketRef,
			EventRef:    input.EventRef,
			VerifierRef: input.VerifierRef,
			Outcome:     models.OutcomeAdmitted,
			DecidedAt:   decidedAt,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateAdmission) || errors.Is(err, store.ErrInvalidOutcome) {
				return models.VerificationAttempt{}, backoff.Permanent(err)
			}
			return models.VerificationAttempt{}, err
		}
		return attempt, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.resolveBaseDelay
	expo.MaxInterval = c.resolveMaxDelay

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.recordMaxTries),
	)
}

// afterAdmit performs the post-decision side effects. None of them can
// re-open the decision: the admitted row is already durable, so failures
// here are logged and handed to the reconcile queue.
func (c *Coordinator) afterAdmit(ctx context.Context, attempt models.VerificationAttempt) {
	if c.mirror != nil {
		if err := c.mirror.Upsert(ctx, attempt.TicketRef, true, attempt.DecidedAt); err != nil {
			log.Printf("coordinator: mirror update ticket=%s failed: %v", attempt.TicketRef, err)
			c.enqueue(ctx, reconcile.Task{
				Kind:      reconcile.TaskMirror,
				TicketRef: attempt.TicketRef,
				AttemptID: attempt.AttemptID,
				UsedAt:    attempt.DecidedAt,
			})
		}
	}

	if c.redeemOnAdmit {
		c.enqueue(ctx, reconcile.Task{
			Kind:      reconcile.TaskRedeem,
			TicketRef: attempt.TicketRef,
			AttemptID: attempt.AttemptID,
			UsedAt:    attempt.DecidedAt,
		})
	}
}

// deny finalizes a definitive denial and records it for audit. The audit row
// is best effort: the decision stands even if the insert fails.
func (c *Coordinator) deny(ctx context.Context, input VerifyInput, reason string, state *models.TicketState) Decision {
	decidedAt := c.now()
	decision := Decision{
		Outcome:      models.OutcomeDenied,
		DenialReason: reason,
		Ticket:       state,
		DecidedAt:    decidedAt,
	}

	attempt, err := c.verifications.RecordAttempt(ctx, store.RecordAttemptInput{
		TicketRef:    input.TicketRef,
		EventRef:     input.EventRef,
		VerifierRef:  input.VerifierRef,
		Outcome:      models.OutcomeDenied,
		DenialReason: reason,
		DecidedAt:    decidedAt,
	})
	if err != nil {
		log.Printf("coordinator: record denial ticket=%s reason=%s failed: %v", input.TicketRef, reason, err)
		return decision
	}
	decision.AttemptID = attempt.AttemptID
	return decision
}

// refreshMirror pushes a ledger-confirmed used flag into the mirror so the
// next UI read gets the hint without a ledger round trip.
func (c *Coordinator) refreshMirror(ctx context.Context, ticketRef string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Upsert(ctx, ticketRef, true, time.Time{}); err != nil {
		log.Printf("coordinator: mirror refresh ticket=%s failed: %v", ticketRef, err)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, task reconcile.Task) {
	if c.reconciler == nil {
		return
	}
	if err := c.reconciler.Publish(ctx, task); err != nil {
		log.Printf("coordinator: enqueue %s task ticket=%s failed: %v", task.Kind, task.TicketRef, err)
	}
}
