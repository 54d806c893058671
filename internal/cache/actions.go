// internal/cache/actions.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/redis/go-redis/v9"
)

// ActionQueue pushes game events onto a Redis list drained by the historian.
type ActionQueue struct {
	rdb   *redis.Client
	queue string
}

var _ store.ActionLog = (*ActionQueue)(nil)

// NewActionQueue returns a queue publisher. An empty name uses DefaultQueueName.
func NewActionQueue(rdb *redis.Client, queue string) *ActionQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &ActionQueue{rdb: rdb, queue: queue}
}

// Publish serializes the record and pushes it to the queue.
func (q *ActionQueue) Publish(ctx context.Context, rec models.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ActionRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It reports false when the
// queue stayed empty.
func (q *ActionQueue) Pop(ctx context.Context, timeout time.Duration) (models.ActionRecord, bool, error) {
	var rec models.ActionRecord
	res, err := q.rdb.BLPop(ctx, timeout, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("BLPop %s: %w", q.queue, err)
	}
	// res[0] is the queue name and res[1] the payload
	if len(res) < 2 {
		return rec, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return rec, false, fmt.Errorf("invalid action record: %w", err)
	}
	return rec, true, nil
}
