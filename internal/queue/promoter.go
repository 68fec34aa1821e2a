package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Promoter runs QueueRouter.PromoteDue on a fixed interval. Any worker may
// host one; concurrent Promoters are tolerated because zrem/lpush are
// idempotent and each move happens inside one transaction.
type Promoter struct {
	q        *QueueRouter
	interval time.Duration
	batch    int64
	log      zerolog.Logger
}

func NewPromoter(q *QueueRouter, interval time.Duration, batch int64, log zerolog.Logger) *Promoter {
	return &Promoter{q: q, interval: interval, batch: batch, log: log.With().Str("component", "promoter").Logger()}
}

// Run blocks until ctx is cancelled, firing PromoteDue every interval.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := p.q.PromoteDue(ctx, time.Now().UTC(), p.batch)
			if err != nil {
				p.log.Error().Err(err).Msg("promote due tasks")
				continue
			}
			if len(promoted) > 0 {
				p.log.Debug().Int("count", len(promoted)).Msg("promoted scheduled tasks")
			}
		}
	}
}
