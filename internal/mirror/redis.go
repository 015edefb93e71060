package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nftgate/redemption-service/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mirror:ticket:"

type RedisMirror struct {
	client  *redis.Client
	timeout time.Duration
}

type RedisOptions struct {
	Timeout time.Duration
}

func NewRedisMirror(client *redis.Client, options RedisOptions) *RedisMirror {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisMirror{client: client, timeout: timeout}
}

func (m *RedisMirror) Get(ctx context.Context, ticketRef string) (models.MirrorRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.client.Get(ctx, keyPrefix+ticketRef).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.MirrorRecord{}, false, nil
		}
		return models.MirrorRecord{}, false, err
	}

	var record models.MirrorRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return models.MirrorRecord{}, false, err
	}
	return record, true, nil
}

func (m *RedisMirror) Upsert(ctx context.Context, ticketRef string, isUsed bool, usedAt time.Time) error {
	record := models.MirrorRecord{
		TicketRef: ticketRef,
		IsUsed:    isUsed,
	}
	if isUsed && !usedAt.IsZero() {
		at := usedAt.UTC()
		record.UsedAt = &at
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Set(ctx, keyPrefix+ticketRef, raw, 0).Err()
}
