package store

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/agentuity/go-cachecoord/resilience"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Store backed by Redis. The caller owns the client unless the
// store was created by Dial.
type Redis struct {
	client redis.UniversalClient
	cfg    config
	owned  bool
}

var _ Store = (*Redis)(nil)

// NewRedis returns a Store using an existing client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	return &Redis{client: client, cfg: applyOptions(opts)}
}

// Dial parses a redis:// URL, connects and verifies the connection, retrying
// the initial ping with backoff. Close on the returned store closes the client.
func Dial(ctx context.Context, url string, retry resilience.RetryConfig, opts ...Option) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis URL")
	}
	s := NewRedis(redis.NewClient(ropts), opts...)
	s.owned = true
	if err := resilience.Retry(ctx, retry, func() error { return s.Ping(ctx) }); err != nil {
		s.client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", ropts.Addr)
	}
	return s, nil
}

// Client returns the underlying client.
func (s *Redis) Client() redis.UniversalClient {
	return s.client
}

func (s *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.operationTimeout)
}

func (s *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(qctx, s.cfg.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable(err, "SetIfAbsent", key)
	}
	return ok, nil
}

func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := compareAndDelete.Run(qctx, s.client, []string{s.cfg.key(key)}, expected).Int64()
	if err != nil {
		return false, unavailable(err, "CompareAndDelete", key)
	}
	return n == 1, nil
}

func (s *Redis) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := compareAndExpire.Run(qctx, s.client, []string{s.cfg.key(key)}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err, "CompareAndExpire", key)
	}
	return n == 1, nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	val, err := s.client.Get(qctx, s.cfg.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err, "Get", key)
	}
	return val, true, nil
}

func (s *Redis) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.cfg.key(key)).Result()
	if err != nil {
		return false, unavailable(err, "Delete", key)
	}
	return n > 0, nil
}

func (s *Redis) SlideWindow(ctx context.Context, op WindowOp) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	key := s.cfg.key(op.Key)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(qctx, key, "-inf", strconv.FormatFloat(op.Min, 'f', -1, 64))
		pipe.ZAdd(qctx, key, redis.Z{Score: op.Score, Member: op.Member})
		card = pipe.ZCard(qctx, key)
		pipe.PExpire(qctx, key, op.TTL)
		return nil
	})
	if err != nil {
		return 0, unavailable(err, "SlideWindow", op.Key)
	}
	return card.Val(), nil
}

func (s *Redis) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	k := s.cfg.key(key)
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(qctx, k, args...)
		if ttl > 0 {
			pipe.PExpire(qctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(err, "AddToSet", key)
	}
	return nil
}

func (s *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	members, err := s.client.SMembers(qctx, s.cfg.key(key)).Result()
	if err != nil {
		return nil, unavailable(err, "SetMembers", key)
	}
	return members, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Ping(qctx).Err(); err != nil {
		return unavailable(err, "Ping", "")
	}
	return nil
}

// Close closes the client if it was created by Dial; otherwise it is a no-op.
func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
