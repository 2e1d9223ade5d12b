package timers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/go-redis/redis/v8"
)

const (
	dueTimersKey = "relayflow:timers" // Sorted set, score = deadline (unix ms)
	timerPrefix  = "relayflow:timer:" // Timer payloads
	timerGrace   = time.Hour          // Payload outlives its deadline by this much
)

// RedisStore keeps timers in a sorted set keyed by deadline, with the timer
// payload stored next to it. Several sweepers may share one store: ZREM
// decides who claims a timer.
type RedisStore struct {
	redis *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (r *RedisStore) Schedule(ctx context.Context, t engine.Timer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errx.Wrap(err, "failed to marshal timer", errx.TypeInternal)
	}

	ttl := time.Until(t.Deadline) + timerGrace
	if ttl < timerGrace {
		ttl = timerGrace
	}
	if err := r.redis.Set(ctx, timerKey(t.AwaitingID), data, ttl).Err(); err != nil {
		return errx.Wrap(err, "failed to store timer", errx.TypeExternal).
			WithDetail("awaiting_id", t.AwaitingID.String())
	}

	if err := r.redis.ZAdd(ctx, dueTimersKey, &redis.Z{
		Score:  score(t.Deadline),
		Member: t.AwaitingID.String(),
	}).Err(); err != nil {
		return errx.Wrap(err, "failed to schedule timer", errx.TypeExternal).
			WithDetail("awaiting_id", t.AwaitingID.String())
	}

	log.Printf("⏰ Timer %s for conversation %s due at %s", t.AwaitingID, t.ConversationID, t.Deadline.Format(time.RFC3339))
	return nil
}

func (r *RedisStore) Cancel(ctx context.Context, id kernel.AwaitID) error {
	if err := r.redis.ZRem(ctx, dueTimersKey, id.String()).Err(); err != nil {
		return errx.Wrap(err, "failed to cancel timer", errx.TypeExternal).
			WithDetail("awaiting_id", id.String())
	}
	return r.redis.Del(ctx, timerKey(id)).Err()
}

func (r *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]engine.Timer, error) {
	ids, err := r.redis.ZRangeByScore(ctx, dueTimersKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errx.Wrap(err, "failed to fetch due timers", errx.TypeExternal)
	}

	var claimed []engine.Timer
	for _, id := range ids {
		// Claim atomically
		removed, err := r.redis.ZRem(ctx, dueTimersKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}

		key := timerKey(kernel.AwaitID(id))
		data, err := r.redis.Get(ctx, key).Bytes()
		if err != nil {
			log.Printf("❌ Timer %s has no payload: %v", id, err)
			continue
		}
		t, err := decodeTimer(data)
		if err != nil {
			log.Printf("❌ Failed to decode timer %s: %v", id, err)
			continue
		}
		r.redis.Del(ctx, key)
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (r *RedisStore) Pending(ctx context.Context) (int64, error) {
	return r.redis.ZCard(ctx, dueTimersKey).Result()
}

func timerKey(id kernel.AwaitID) string {
	return fmt.Sprintf("%s%s", timerPrefix, id)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func decodeTimer(data []byte) (engine.Timer, error) {
	var t engine.Timer
	if err := json.Unmarshal(data, &t); err != nil {
		return engine.Timer{}, err
	}
	if t.AwaitingID == "" || t.ConversationID == "" {
		return engine.Timer{}, fmt.Errorf("timer payload is missing ids")
	}
	return t, nil
}
