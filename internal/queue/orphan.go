package queue

import (
	"context"
	"time"
)

// OrphanResult is the outcome of a sweep, per spec.md §4.12's
// {found, requeued, errors[]}.
type OrphanResult struct {
	Found    int
	Requeued int
	Errors   []string
}

// OrphanSweeper finds tasks that are marked pending in their record but
// are not present in any queue — a create that wrote the record but
// crashed before enqueueing, or a manual edit — and re-admits them.
type OrphanSweeper struct {
	q *QueueRouter
}

func NewOrphanSweeper(q *QueueRouter) *OrphanSweeper {
	return &OrphanSweeper{q: q}
}

// Sweep gathers every id currently present in any of the four queues,
// scans all task records, and re-pushes any record whose state is
// pending but whose id is absent from that set.
func (o *OrphanSweeper) Sweep(ctx context.Context) (OrphanResult, error) {
	present := make(map[string]struct{})
	if err := o.collectQueueIDs(ctx, &present); err != nil {
		return OrphanResult{}, err
	}

	result := OrphanResult{}
	err := o.q.s.Scan(ctx, o.q.cfg.TaskKeyPrefix, func(key string) bool {
		id := key[len(o.q.cfg.TaskKeyPrefix):]
		m, err := o.q.s.HGetAll(ctx, key)
		if err != nil || len(m) == 0 {
			return true
		}
		if m["state"] != "pending" {
			return true
		}
		if _, ok := present[id]; ok {
			return true
		}
		result.Found++

		if err := o.q.s.LPush(ctx, o.q.cfg.PrimaryKey, id); err != nil {
			result.Errors = append(result.Errors, id+": "+err.Error())
			return true
		}
		_ = o.q.s.HSetAll(ctx, key, map[string]interface{}{
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		result.Requeued++
		return true
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func (o *OrphanSweeper) collectQueueIDs(ctx context.Context, into *map[string]struct{}) error {
	lists := []string{o.q.cfg.PrimaryKey, o.q.cfg.RetryKey, o.q.cfg.DLQKey}
	for _, key := range lists {
		ids, err := o.q.s.LRange(ctx, key, 0, -1)
		if err != nil {
			return err
		}
		for _, id := range ids {
			(*into)[id] = struct{}{}
		}
	}
	scheduled, err := o.q.s.ZRangeByScore(ctx, o.q.cfg.ScheduledKey, 0, 1<<62, 0)
	if err != nil {
		return err
	}
	for _, id := range scheduled {
		(*into)[id] = struct{}{}
	}
	return nil
}
