package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisQueueKey  = "cumulus:ingest:queue"
	redisBlockTimeout     = time.Second
	redisOperationTimeout = 5 * time.Second
)

// enqueueScript pushes ARGV[1] unless the list already holds ARGV[2] items.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

// RedisQueue is a list-backed queue: producers LPUSH, consumers BRPOP.
type RedisQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedisQueue accepts a redis:// or rediss:// URL. The optional key query
// parameter names the list.
func NewRedisQueue(dsn string, capacity int) (*RedisQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = defaultRedisQueueKey
	}
	query.Del("key")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("redis queue: %w", err)
	}
	return NewRedisQueueFromClient(redis.NewClient(opts), key, capacity), nil
}

func NewRedisQueueFromClient(client *redis.Client, key string, capacity int) *RedisQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &RedisQueue{client: client, key: key, capacity: capacity}
}

func (q *RedisQueue) TryEnqueue(e Envelope) bool {
	if !e.valid() {
		return false
	}
	payload, err := encodeEnvelope(e)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	pushed, err := enqueueScript.Run(ctx, q.client, []string{q.key}, payload, q.capacity).Int()
	return err == nil && pushed == 1
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Envelope) bool {
	_, ok := pollUntil(ctx, 50*time.Millisecond, func() (struct{}, bool) {
		return struct{}{}, q.TryEnqueue(e)
	})
	return ok
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	for {
		if ctx.Err() != nil {
			return Envelope{}, false
		}
		res, err := q.client.BRPop(ctx, redisBlockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return Envelope{}, false
			case <-time.After(redisBlockTimeout):
			}
			continue
		}
		// BRPOP replies with the key and the value.
		if len(res) != 2 {
			continue
		}
		e, err := decodeEnvelope(res[1])
		if err != nil || !e.valid() {
			continue
		}
		return e, true
	}
}

func (q *RedisQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (q *RedisQueue) Capacity() int {
	return q.capacity
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
