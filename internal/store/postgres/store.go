package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nftgate/redemption-service/internal/models"
	"nftgate/redemption-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

type Options struct {
	QueryTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.QueryTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{pool: pool, queryTimeout: timeout}
}

func (s *Store) RecordAttempt(ctx context.Context, input store.RecordAttemptInput) (models.VerificationAttempt, error) {
	if input.Outcome != models.OutcomeAdmitted && input.Outcome != models.OutcomeDenied {
		return models.VerificationAttempt{}, store.ErrInvalidOutcome
	}

	decidedAt := input.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	attempt := models.VerificationAttempt{
		AttemptID:    uuid.NewString(),
		TicketRef:    input.TicketRef,
		EventRef:     input.EventRef,
		VerifierRef:  input.VerifierRef,
		Outcome:      input.Outcome,
		DenialReason: input.DenialReason,
		DecidedAt:    decidedAt,
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_attempts (attempt_id, ticket_ref, event_ref, verifier_ref, outcome, denial_reason, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.AttemptID, attempt.TicketRef, attempt.EventRef, nullIfEmpty(attempt.VerifierRef), attempt.Outcome, nullIfEmpty(attempt.DenialReason), attempt.DecidedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.VerificationAttempt{}, store.ErrDuplicateAdmission
		}
		return models.VerificationAttempt{}, wrapUnavailable(err)
	}
	return attempt, nil
}

func (s *Store) HasAdmitted(ctx context.Context, ticketRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM verification_attempts WHERE ticket_ref = $1 AND outcome = $2
		)
	`, ticketRef, models.OutcomeAdmitted)
	if err := row.Scan(&exists); err != nil {
		return false, wrapUnavailable(err)
	}
	return exists, nil
}

func (s *Store) ListAttempts(ctx context.Context, filter store.ListFilter, page store.Page) ([]models.VerificationAttempt, int, error) {
	page = page.Clamp()

	where, args := buildFilter(filter)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var total int
	row := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM verification_attempts"+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, wrapUnavailable(err)
	}

	query := fmt.Sprintf(`
		SELECT attempt_id, ticket_ref, event_ref, verifier_ref, outcome, denial_reason, decided_at
		FROM verification_attempts%s
		ORDER BY decided_at DESC, attempt_id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapUnavailable(err)
	}
	defer rows.Close()

	var attempts []models.VerificationAttempt
	for rows.Next() {
		var attempt models.VerificationAttempt
		var verifierNull sql.NullString
		var reasonNull sql.NullString
		if err := rows.Scan(&attempt.AttemptID, &attempt.TicketRef, &attempt.EventRef, &verifierNull, &attempt.Outcome, &reasonNull, &attempt.DecidedAt); err != nil {
			return nil, 0, wrapUnavailable(err)
		}
		if verifierNull.Valid {
			attempt.VerifierRef = verifierNull.String
		}
		if reasonNull.Valid {
			attempt.DenialReason = reasonNull.String
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapUnavailable(err)
	}
	return attempts, total, nil
}

func buildFilter(filter store.ListFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.EventRef != "" {
		add("event_ref = $%d", filter.EventRef)
	}
	if filter.VerifierRef != "" {
		add("verifier_ref = $%d", filter.VerifierRef)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", filter.Outcome)
	}
	if !filter.StartTime.IsZero() {
		add("decided_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("decided_at <= $%d", filter.EndTime)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func wrapUnavailable(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
