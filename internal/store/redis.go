package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// Redis stores each gift as a JSON document and keeps secondary indexes in
// sets. Transitions run under WATCH so a concurrent writer aborts the
// transaction instead of overwriting it.
type Redis struct {
	client *redis.Client
	prefix string
}

const redisTxRetries = 5

func NewRedis(ctx context.Context, options *redis.Options, prefix string) (*Redis, error) {
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if prefix == "" {
		prefix = "giftlock"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) seqKey() string                   { return r.prefix + ":gift:seq" }
func (r *Redis) giftKey(id int64) string          { return r.prefix + ":gift:" + strconv.FormatInt(id, 10) }
func (r *Redis) lockedKey() string                { return r.prefix + ":gifts:locked" }
func (r *Redis) inFlightKey() string              { return r.prefix + ":gifts:inflight" }
func (r *Redis) codeKey(h codehash.Digest) string { return r.prefix + ":gifts:code:" + h.Hex() }
func (r *Redis) creatorKey(c string) string       { return r.prefix + ":gifts:creator:" + c }

func (r *Redis) Create(ctx context.Context, g gift.Gift) (gift.Gift, error) {
	if err := g.Validate(); err != nil {
		return gift.Gift{}, err
	}

	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return gift.Gift{}, err
	}
	g = g.Clone()
	g.ID = id

	data, err := json.Marshal(g)
	if err != nil {
		return gift.Gift{}, err
	}

	member := strconv.FormatInt(id, 10)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.giftKey(id), data, 0)
		switch {
		case g.State == gift.Locked:
			pipe.ZAdd(ctx, r.lockedKey(), redis.Z{Score: expiryScore(g.Expiry), Member: member})
		case g.State.InFlight():
			pipe.ZAdd(ctx, r.inFlightKey(), redis.Z{Score: float64(id), Member: member})
		}
		pipe.SAdd(ctx, r.codeKey(g.CodeHash), member)
		pipe.ZAdd(ctx, r.creatorKey(g.Creator), redis.Z{Score: float64(id), Member: member})
		return nil
	})
	if err != nil {
		return gift.Gift{}, err
	}
	return g, nil
}

func (r *Redis) Get(ctx context.Context, id int64) (gift.Gift, error) {
	data, err := r.client.Get(ctx, r.giftKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return gift.Gift{}, gift.ErrNotFound
		}
		return gift.Gift{}, err
	}
	return decodeGift(data)
}

func (r *Redis) Transition(ctx context.Context, t Transition) (gift.Gift, error) {
	if err := t.validate(); err != nil {
		return gift.Gift{}, err
	}

	key := r.giftKey(t.ID)
	var (
		result gift.Gift
		stale  bool
	)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return gift.ErrNotFound
			}
			return err
		}
		g, err := decodeGift(data)
		if err != nil {
			return err
		}
		if g.State != t.From {
			result, stale = g, true
			return nil
		}

		t.apply(&g)
		next, err := json.Marshal(g)
		if err != nil {
			return err
		}

		member := strconv.FormatInt(t.ID, 10)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if g.State == gift.Locked {
				pipe.ZAdd(ctx, r.lockedKey(), redis.Z{Score: expiryScore(g.Expiry), Member: member})
			} else {
				pipe.ZRem(ctx, r.lockedKey(), member)
			}
			if g.State.InFlight() {
				pipe.ZAdd(ctx, r.inFlightKey(), redis.Z{Score: float64(t.ID), Member: member})
			} else {
				pipe.ZRem(ctx, r.inFlightKey(), member)
			}
			return nil
		})
		if err == nil {
			result = g
		}
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		stale = false
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return gift.Gift{}, err
		}
		if stale {
			return result, conflict(result, t.From)
		}
		return result, nil
	}
	return gift.Gift{}, fmt.Errorf("gift %d: %w", t.ID, redis.TxFailedErr)
}

func (r *Redis) ListExpired(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	members, err := r.client.ZRangeByScore(ctx, r.lockedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(expiryScore(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil || id <= afterID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *Redis) ListInFlight(ctx context.Context, afterID int64, limit int) ([]gift.Gift, error) {
	members, err := r.client.ZRangeByScore(ctx, r.inFlightKey(), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(afterID, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, members)
}

func (r *Redis) SetTransferRef(ctx context.Context, id int64, state gift.State, ref string) (gift.Gift, error) {
	if err := validateRef(state, ref); err != nil {
		return gift.Gift{}, err
	}

	key := r.giftKey(id)
	var (
		result gift.Gift
		stale  bool
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return gift.ErrNotFound
			}
			return err
		}
		g, err := decodeGift(data)
		if err != nil {
			return err
		}
		if g.State != state {
			result, stale = g, true
			return nil
		}
		g.TransferRef = ref
		next, err := json.Marshal(g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			result = g
		}
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		stale = false
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return gift.Gift{}, err
		}
		if stale {
			return result, conflict(result, state)
		}
		return result, nil
	}
	return gift.Gift{}, fmt.Errorf("gift %d: %w", id, redis.TxFailedErr)
}

func (r *Redis) ListByCodeHash(ctx context.Context, hash codehash.Digest) ([]gift.Gift, error) {
	members, err := r.client.SMembers(ctx, r.codeKey(hash)).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, members)
}

func (r *Redis) ListByCreator(ctx context.Context, creator string) ([]gift.Gift, error) {
	members, err := r.client.ZRange(ctx, r.creatorKey(creator), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, members)
}

func (r *Redis) load(ctx context.Context, members []string) ([]gift.Gift, error) {
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, r.giftKey(id))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]gift.Gift, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		g, err := decodeGift([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// expiryScore keeps millisecond precision, which float64 holds exactly for
// any realistic date.
func expiryScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func decodeGift(data []byte) (gift.Gift, error) {
	var g gift.Gift
	if err := json.Unmarshal(data, &g); err != nil {
		return gift.Gift{}, fmt.Errorf("decode gift: %w", err)
	}
	return g, nil
}
