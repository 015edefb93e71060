// Package mirror holds the denormalized local view of ticket usage. It is
// purely advisory: a stale or missing entry must never block or grant an
// admission, so every accessor is best-effort and the coordinator treats
// failures here as log-and-continue.
package mirror

import (
	"context"
	"time"

	"nftgate/redemption-service/internal/models"
)

type Mirror interface {
	Get(ctx context.Context, ticketRef string) (models.MirrorRecord, bool, error)
	Upsert(ctx context.Context, ticketRef string, isUsed bool, usedAt time.Time) error
}
