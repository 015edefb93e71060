package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"nftgate/redemption-service/internal/ledger"
	"nftgate/redemption-service/internal/mirror"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Worker struct {
	queue         *AMQPQueue
	redeemer      ledger.Redeemer
	mirror        mirror.Mirror
	capabilityRef string
	maxTries      uint
	taskTimeout   time.Duration
	retryBase     time.Duration
}

type WorkerConfig struct {
	CapabilityRef string
	MaxTries      int
	TaskTimeout   time.Duration
	RetryBase     time.Duration
}

func NewWorker(queue *AMQPQueue, redeemer ledger.Redeemer, m mirror.Mirror, cfg WorkerConfig) *Worker {
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = 5
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &Worker{
		queue:         queue,
		redeemer:      redeemer,
		mirror:        m,
		capabilityRef: cfg.CapabilityRef,
		maxTries:      uint(maxTries),
		taskTimeout:   timeout,
		retryBase:     retryBase,
	}
}

// Run consumes reconcile tasks until the context is cancelled. A task that
// still fails after bounded retries is dropped with a log line; redelivery
// storms are worse than a missed repair, and the verification ledger remains
// the authoritative record either way.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		log.Printf("reconcile: drop malformed task: %v", err)
		_ = delivery.Nack(false, false)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	err := w.process(taskCtx, task)
	cancel()
	if err != nil {
		log.Printf("reconcile: task kind=%s ticket=%s attempt=%s failed: %v", task.Kind, task.TicketRef, task.AttemptID, err)
		_ = delivery.Nack(false, false)
		return
	}
	_ = delivery.Ack(false)
}

func (w *Worker) process(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskRedeem:
		if w.redeemer == nil {
			return nil
		}
		digest, err := w.retryRedeem(ctx, task.TicketRef)
		if err != nil {
			return err
		}
		log.Printf("reconcile: redeemed ticket=%s attempt=%s tx=%s", task.TicketRef, task.AttemptID, digest)
		return nil
	case TaskMirror:
		if w.mirror == nil {
			return nil
		}
		return w.retryMirror(ctx, task)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (w *Worker) retryRedeem(ctx context.Context, ticketRef string) (string, error) {
	operation := func() (string, error) {
		digest, err := w.redeemer.Redeem(ctx, ticketRef, w.capabilityRef)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return digest, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(w.maxTries),
	)
}

func (w *Worker) retryMirror(ctx context.Context, task Task) error {
	operation := func() (struct{}, error) {
		return struct{}{}, w.mirror.Upsert(ctx, task.TicketRef, true, task.UsedAt)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(w.maxTries),
	)
	return err
}

func (w *Worker) newBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.retryBase
	return expo
}
