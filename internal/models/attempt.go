package models

import "time"

const (
	OutcomeAdmitted = "admitted"
	OutcomeDenied   = "denied"
)

const (
	ReasonTicketNotFound         = "ticket_not_found"
	ReasonEventMismatch          = "event_mismatch"
	ReasonAlreadyUsedOnLedger    = "already_used_on_ledger"
	ReasonAlreadyAdmittedLocally = "already_admitted_locally"
	ReasonLedgerUnreachable      = "ledger_unreachable"
	ReasonStoreUnavailable       = "store_unavailable"
)

// VerificationAttempt is one finalized admission decision. Rows are append
// only: written exactly once, never updated or deleted.
type VerificationAttempt struct {
	AttemptID    string    `json:"attempt_id"`
	TicketRef    string    `json:"ticket_ref"`
	EventRef     string    `json:"event_ref"`
	VerifierRef  string    `json:"verifier_ref,omitempty"`
	Outcome      string    `json:"outcome"`
	DenialReason string    `json:"denial_reason,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// RetryableReason reports whether re-presenting the same credential can lead
// to a different outcome. Only infrastructure unavailability qualifies; every
// other denial is definitive.
func RetryableReason(reason string) bool {
	return reason == ReasonLedgerUnreachable || reason == ReasonStoreUnavailable
}
