package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nftgate/redemption-service/internal/ledger"
	"nftgate/redemption-service/internal/mirror"
	"nftgate/redemption-service/internal/models"
)

type fakeRedeemer struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *fakeRedeemer) Redeem(ctx context.Context, ticketRef, capabilityRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.calls <= f.failures {
		return "", ledger.ErrUnavailable
	}
	return "0xdigest", nil
}

type recordingMirror struct {
	mu       sync.Mutex
	failures int
	calls    int
	lastRef  string
}

func (f *recordingMirror) Get(ctx context.Context, ticketRef string) (models.MirrorRecord, bool, error) {
	return models.MirrorRecord{}, false, nil
}

func (f *recordingMirror) Upsert(ctx context.Context, ticketRef string, isUsed bool, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis down")
	}
	f.lastRef = ticketRef
	return nil
}

func testWorker(redeemer ledger.Redeemer, m mirror.Mirror) *Worker {
	return NewWorker(nil, redeemer, m, WorkerConfig{
		CapabilityRef: "0xcap",
		MaxTries:      3,
		RetryBase:     time.Millisecond,
	})
}

func TestProcessRedeemRetriesTransientFailure(t *testing.T) {
	redeemer := &fakeRedeemer{failures: 2}
	w := testWorker(redeemer, nil)

	err := w.process(context.Background(), Task{Kind: TaskRedeem, TicketRef: "0xticket", AttemptID: "a1"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if redeemer.calls != 3 {
		t.Fatalf("expected 3 redeem calls, got %d", redeemer.calls)
	}
}

func TestProcessRedeemGivesUpAfterBudget(t *testing.T) {
	redeemer := &fakeRedeemer{failures: 10}
	w := testWorker(redeemer, nil)

	err := w.process(context.Background(), Task{Kind: TaskRedeem, TicketRef: "0xticket"})
	if err == nil {
		t.Fatalf("expected error after retry budget")
	}
	if redeemer.calls != 3 {
		t.Fatalf("expected 3 redeem calls, got %d", redeemer.calls)
	}
}

func TestProcessRedeemNotFoundIsPermanent(t *testing.T) {
	redeemer := &fakeRedeemer{err: ledger.ErrNotFound}
	w := testWorker(redeemer, nil)

	err := w.process(context.Background(), Task{Kind: TaskRedeem, TicketRef: "0xgone"})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if redeemer.calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", redeemer.calls)
	}
}

func TestProcessMirrorRetries(t *testing.T) {
	m := &recordingMirror{failures: 1}
	w := testWorker(nil, m)

	usedAt := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	err := w.process(context.Background(), Task{Kind: TaskMirror, TicketRef: "0xticket", UsedAt: usedAt})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if m.calls != 2 || m.lastRef != "0xticket" {
		t.Fatalf("expected retried mirror upsert, calls=%d ref=%q", m.calls, m.lastRef)
	}
}

func TestProcessRedeemWithoutRedeemerIsNoop(t *testing.T) {
	w := testWorker(nil, nil)

	if err := w.process(context.Background(), Task{Kind: TaskRedeem, TicketRef: "0xticket"}); err != nil {
		t.Fatalf("expected noop, got %v", err)
	}
}

func TestProcessUnknownKind(t *testing.T) {
	w := testWorker(nil, nil)

	if err := w.process(context.Background(), Task{Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown task kind")
	}
}
