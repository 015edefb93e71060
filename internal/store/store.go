package store

import (
	"context"
	"time"

	"nftgate/redemption-service/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type RecordAttemptInput struct {
	TicketRef    string
	EventRef     string
	VerifierRef  string
	Outcome      string
	DenialReason string
	DecidedAt    time.Time
}

type ListFilter struct {
	EventRef    string
	VerifierRef string
	Outcome     string
	StartTime   time.Time
	EndTime     time.Time
}

type Page struct {
	Number int
	Size   int
}

// Clamp normalizes pagination instead of rejecting it: page numbers below 1
// become 1, sizes outside (0, MaxPageSize] fall back to the default or cap.
func (p Page) Clamp() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// TotalPages derives the page count for a clamped page size.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	return pages
}

// VerificationStore is the append-only verification ledger. RecordAttempt
// with an admitted outcome and the duplicate check are a single atomic unit:
// the storage layer enforces at most one admitted row per ticket ref, so two
// racing admits cannot both succeed even across separate processes.
type VerificationStore interface {
	RecordAttempt(ctx context.Context, input RecordAttemptInput) (models.VerificationAttempt, error)
	HasAdmitted(ctx context.Context, ticketRef string) (bool, error)
	ListAttempts(ctx context.Context, filter ListFilter, page Page) ([]models.VerificationAttempt, int, error)
}
