package secctx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"callguard/pkg/models"
)

const redisKeyPrefix = "secctx:"

// redisGrace keeps an expired context readable until the sweep destroys it,
// so expiry still produces a final audit event instead of a silent vanish.
const redisGrace = time.Hour

// RedisRegistry shares contexts across processes. Values are the JSON context;
// key TTL is the context TTL plus a grace window for the sweep.
type RedisRegistry struct {
	Client *redis.Client
	Now    func() time.Time
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{Client: client, Now: func() time.Time { return time.Now().UTC() }}
}

func (r *RedisRegistry) Get(ctx context.Context, callID string) (models.SecurityContext, bool, error) {
	raw, err := r.Client.Get(ctx, redisKeyPrefix+callID).Result()
	if errors.Is(err, redis.Nil) {
		return models.SecurityContext{}, false, nil
	}
	if err != nil {
		return models.SecurityContext{}, false, err
	}
	var sc models.SecurityContext
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return models.SecurityContext{}, false, err
	}
	return sc, true, nil
}

func (r *RedisRegistry) Put(ctx context.Context, sc models.SecurityContext) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	ttl := sc.ExpiresAt.Sub(r.now()) + redisGrace
	if ttl <= 0 {
		ttl = redisGrace
	}
	return r.Client.Set(ctx, redisKeyPrefix+sc.CallID, string(b), ttl).Err()
}

// Append uses an optimistic WATCH transaction so two processes appending to
// the same call cannot overwrite each other's entries.
func (r *RedisRegistry) Append(ctx context.Context, callID string, entry models.AuditEntry) (models.SecurityContext, bool, error) {
	key := redisKeyPrefix + callID
	var (
		out   models.SecurityContext
		found bool
	)
	txf := func(tx *redis.Tx) error {
		found = false
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var sc models.SecurityContext
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			return err
		}
		sc.AuditTrail = append(sc.AuditTrail, entry)
		b, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		ttl := sc.ExpiresAt.Sub(r.now()) + redisGrace
		if ttl <= 0 {
			ttl = redisGrace
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(b), ttl)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		out = sc
		return nil
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := r.Client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.SecurityContext{}, false, err
		}
		return out, found, nil
	}
	return models.SecurityContext{}, false, redis.TxFailedErr
}

func (r *RedisRegistry) Delete(ctx context.Context, callID string) error {
	return r.Client.Del(ctx, redisKeyPrefix+callID).Err()
}

func (r *RedisRegistry) List(ctx context.Context) ([]models.SecurityContext, error) {
	var out []models.SecurityContext
	iter := r.Client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.Client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sc models.SecurityContext
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			continue
		}
		out = append(out, sc)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
