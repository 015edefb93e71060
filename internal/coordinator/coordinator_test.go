package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nftgate/redemption-service/internal/ledger"
	"nftgate/redemption-service/internal/models"
	"nftgate/redemption-service/internal/reconcile"
	"nftgate/redemption-service/internal/store"

	"github.com/google/uuid"
)

type fakeLedger struct {
	mu        sync.Mutex
	resolveFn func(ctx context.Context, ticketRef string) (models.TicketState, error)
	calls     int
}

func (f *fakeLedger) Resolve(ctx context.Context, ticketRef string) (models.TicketState, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.resolveFn(ctx, ticketRef)
}

// fakeVerifications enforces the same uniqueness guarantee the postgres
// store enforces through its partial unique index.
type fakeVerifications struct {
	mu       sync.Mutex
	admitted map[string]bool
	attempts []models.VerificationAttempt
	recordFn func(input store.RecordAttemptInput) error
}

func newFakeVerifications() *fakeVerifications {
	return &fakeVerifications{admitted: make(map[string]bool)}
}

func (f *fakeVerifications) RecordAttempt(ctx context.Context, input store.RecordAttemptInput) (models.VerificationAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordFn != nil {
		if err := f.recordFn(input); err != nil {
			return models.VerificationAttempt{}, err
		}
	}
	if input.Outcome == models.OutcomeAdmitted {
		if f.admitted[input.TicketRef] {
			return models.VerificationAttempt{}, store.ErrDuplicateAdmission
		}
		f.admitted[input.TicketRef] = true
	}
	attempt := models.VerificationAttempt{
		AttemptID:    uuid.NewString(),
		TicketRef:    input.TicketRef,
		EventRef:     input.EventRef,
		VerifierRef:  input.VerifierRef,
		Outcome:      input.Outcome,
		DenialReason: input.DenialReason,
		DecidedAt:    input.DecidedAt,
	}
	f.attempts = append(f.attempts, attempt)
	return attempt, nil
}

func (f *fakeVerifications) HasAdmitted(ctx context.Context, ticketRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admitted[ticketRef], nil
}

func (f *fakeVerifications) ListAttempts(ctx context.Context, filter store.ListFilter, page store.Page) ([]models.VerificationAttempt, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]models.VerificationAttempt(nil), f.attempts...)
	return out, len(out), nil
}

func (f *fakeVerifications) countRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

type fakeMirror struct {
	mu        sync.Mutex
	upsertErr error
	records   map[string]models.MirrorRecord
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{records: make(map[string]models.MirrorRecord)}
}

func (f *fakeMirror) Get(ctx context.Context, ticketRef string) (models.MirrorRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[ticketRef]
	return record, ok, nil
}

func (f *fakeMirror) Upsert(ctx context.Context, ticketRef string, isUsed bool, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	record := models.MirrorRecord{TicketRef: ticketRef, IsUsed: isUsed}
	if isUsed && !usedAt.IsZero() {
		at := usedAt
		record.UsedAt = &at
	}
	f.records[ticketRef] = record
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []reconcile.Task
}

func (f *fakePublisher) Publish(ctx context.Context, task reconcile.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakePublisher) published() []reconcile.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reconcile.Task(nil), f.tasks...)
}

func unusedTicket(ticketRef, eventRef string) models.TicketState {
	return models.TicketState{
		TicketRef:    ticketRef,
		EventBinding: eventRef,
		Used:         false,
		OwnerRef:     "owner-1",
		TicketNumber: "GA-042",
	}
}

func testConfig() Config {
	return Config{
		ResolveMaxTries:  3,
		ResolveBaseDelay: time.Millisecond,
		ResolveMaxDelay:  5 * time.Millisecond,
	}
}

func TestVerifyAdmitsUnusedTicket(t *testing.T) {
	state := unusedTicket("ticket-1", "event-1")
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return state, nil
	}}
	verifications := newFakeVerifications()
	m := newFakeMirror()

	c := New(Deps{Ledger: lg, Verifications: verifications, Mirror: m}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1", VerifierRef: "gate-7"})

	if decision.Outcome != models.OutcomeAdmitted {
		t.Fatalf("expected admitted, got %+v", decision)
	}
	if decision.AttemptID == "" {
		t.Fatalf("expected attempt ID on admission")
	}
	if decision.Ticket == nil || decision.Ticket.TicketNumber != "GA-042" {
		t.Fatalf("expected ticket summary, got %+v", decision.Ticket)
	}

	record, ok, _ := m.Get(context.Background(), "ticket-1")
	if !ok || !record.IsUsed || record.UsedAt == nil {
		t.Fatalf("expected mirror marked used, got %+v ok=%v", record, ok)
	}
}

func TestVerifyDeniesEventMismatch(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-2"})

	if decision.Outcome != models.OutcomeDenied || decision.DenialReason != models.ReasonEventMismatch {
		t.Fatalf("expected event mismatch denial, got %+v", decision)
	}
	if decision.Retryable {
		t.Fatalf("event mismatch must be definitive")
	}
	if admitted, _ := verifications.HasAdmitted(context.Background(), "ticket-1"); admitted {
		t.Fatalf("denial must not create admitted row")
	}
}

func TestVerifyLedgerAuthoritativeForUsage(t *testing.T) {
	// The ledger says used even though the verification store has never
	// seen this ticket: redemption happened through another channel.
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		state := unusedTicket(ticketRef, "event-1")
		state.Used = true
		return state, nil
	}}
	verifications := newFakeVerifications()
	m := newFakeMirror()

	c := New(Deps{Ledger: lg, Verifications: verifications, Mirror: m}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})

	if decision.DenialReason != models.ReasonAlreadyUsedOnLedger {
		t.Fatalf("expected already used denial, got %+v", decision)
	}
	record, ok, _ := m.Get(context.Background(), "ticket-1")
	if !ok || !record.IsUsed {
		t.Fatalf("expected mirror refreshed to used, got %+v ok=%v", record, ok)
	}
}

func TestVerifyTicketNotFound(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return models.TicketState{}, ledger.ErrNotFound
	}}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "forged", EventRef: "event-1"})

	if decision.DenialReason != models.ReasonTicketNotFound || decision.Retryable {
		t.Fatalf("expected definitive not-found denial, got %+v", decision)
	}
	if lg.calls != 1 {
		t.Fatalf("not found must not be retried, got %d calls", lg.calls)
	}
}

func TestVerifyLedgerUnreachableLeavesNoRecord(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return models.TicketState{}, ledger.ErrUnavailable
	}}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})

	if decision.DenialReason != models.ReasonLedgerUnreachable {
		t.Fatalf("expected ledger unreachable denial, got %+v", decision)
	}
	if !decision.Retryable {
		t.Fatalf("ledger unreachable must be retryable")
	}
	if lg.calls != 3 {
		t.Fatalf("expected 3 resolve attempts, got %d", lg.calls)
	}
	if verifications.countRows() != 0 {
		t.Fatalf("transient failure must leave zero rows, got %d", verifications.countRows())
	}

	// The ledger recovers; the same ticket can still be admitted.
	lg.resolveFn = func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}
	decision = c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
	if decision.Outcome != models.OutcomeAdmitted {
		t.Fatalf("expected admission after recovery, got %+v", decision)
	}
}

func TestVerifyResolveRetriesThenAdmits(t *testing.T) {
	var failures int
	lg := &fakeLedger{}
	lg.resolveFn = func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		if failures < 2 {
			failures++
			return models.TicketState{}, ledger.ErrUnavailable
		}
		return unusedTicket(ticketRef, "event-1"), nil
	}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
	if decision.Outcome != models.OutcomeAdmitted {
		t.Fatalf("expected admission after retries, got %+v", decision)
	}
	if lg.calls != 3 {
		t.Fatalf("expected 3 resolve calls, got %d", lg.calls)
	}
}

func TestVerifyConcurrentSameTicket(t *testing.T) {
	const scans = 8

	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())

	var wg sync.WaitGroup
	decisions := make(chan Decision, scans)
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions <- c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
		}()
	}
	wg.Wait()
	close(decisions)

	var admitted, deniedLocally int
	for decision := range decisions {
		switch {
		case decision.Outcome == models.OutcomeAdmitted:
			admitted++
		case decision.DenialReason == models.ReasonAlreadyAdmittedLocally:
			deniedLocally++
		default:
			t.Fatalf("unexpected decision: %+v", decision)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
	if deniedLocally != scans-1 {
		t.Fatalf("expected %d local denials, got %d", scans-1, deniedLocally)
	}
}

func TestVerifyMirrorFailureDoesNotAffectAdmission(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}}
	verifications := newFakeVerifications()
	m := newFakeMirror()
	m.upsertErr = errors.New("redis down")
	publisher := &fakePublisher{}

	c := New(Deps{Ledger: lg, Verifications: verifications, Mirror: m, Reconciler: publisher}, testConfig())

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
	if decision.Outcome != models.OutcomeAdmitted {
		t.Fatalf("mirror failure must not deny an admission, got %+v", decision)
	}

	tasks := publisher.published()
	if len(tasks) != 1 || tasks[0].Kind != reconcile.TaskMirror || tasks[0].TicketRef != "ticket-1" {
		t.Fatalf("expected queued mirror repair, got %+v", tasks)
	}
}

func TestVerifyRedeemEnqueuedAfterAdmit(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}}
	verifications := newFakeVerifications()
	publisher := &fakePublisher{}

	cfg := testConfig()
	cfg.RedeemOnAdmit = true
	c := New(Deps{Ledger: lg, Verifications: verifications, Reconciler: publisher}, cfg)

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
	if decision.Outcome != models.OutcomeAdmitted {
		t.Fatalf("expected admission, got %+v", decision)
	}

	tasks := publisher.published()
	if len(tasks) != 1 || tasks[0].Kind != reconcile.TaskRedeem {
		t.Fatalf("expected queued redeem, got %+v", tasks)
	}
	if tasks[0].AttemptID != decision.AttemptID {
		t.Fatalf("redeem task must reference the admitted attempt")
	}
}

func TestVerifyStoreUnavailableIsRetryableDenial(t *testing.T) {
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		return unusedTicket(ticketRef, "event-1"), nil
	}}
	verifications := newFakeVerifications()
	verifications.recordFn = func(input store.RecordAttemptInput) error {
		return store.ErrUnavailable
	}

	cfg := testConfig()
	cfg.RecordMaxTries = 2
	c := New(Deps{Ledger: lg, Verifications: verifications}, cfg)

	decision := c.Verify(context.Background(), VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"})
	if decision.DenialReason != models.ReasonStoreUnavailable || !decision.Retryable {
		t.Fatalf("expected retryable store denial, got %+v", decision)
	}
}

func TestVerifyThreeScanScenario(t *testing.T) {
	// Scan 1 admits, scan 2 races and loses locally, scan 3 arrives after
	// the on-chain redeem propagated.
	var used bool
	var mu sync.Mutex
	lg := &fakeLedger{resolveFn: func(ctx context.Context, ticketRef string) (models.TicketState, error) {
		state := unusedTicket(ticketRef, "event-1")
		mu.Lock()
		state.Used = used
		mu.Unlock()
		return state, nil
	}}
	verifications := newFakeVerifications()

	c := New(Deps{Ledger: lg, Verifications: verifications}, testConfig())
	input := VerifyInput{TicketRef: "ticket-1", EventRef: "event-1"}

	first := c.Verify(context.Background(), input)
	if first.Outcome != models.OutcomeAdmitted {
		t.Fatalf("scan 1: expected admission, got %+v", first)
	}

	second := c.Verify(context.Background(), input)
	if second.DenialReason != models.ReasonAlreadyAdmittedLocally {
		t.Fatalf("scan 2: expected local denial, got %+v", second)
	}

	mu.Lock()
	used = true
	mu.Unlock()

	third := c.Verify(context.Background(), input)
	if third.Outcome == models.OutcomeAdmitted {
		t.Fatalf("scan 3: second admission is never acceptable")
	}
	if third.DenialReason != models.ReasonAlreadyUsedOnLedger {
		t.Fatalf("scan 3: expected ledger denial, got %+v", third)
	}
}
