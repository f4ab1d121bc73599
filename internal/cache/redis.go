package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldData    = "data"
	fieldExpires = "expires_at"
	fieldTags    = "tags"

	tagSep    = "\x1f"
	scanBatch = 256
)

// Redis is a Store backed by a Redis server. Each entry is a hash holding the
// payload and its logical expiry; the Redis TTL is the logical ttl plus the
// stale grace period. Tags are Redis sets of keys.
type Redis struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisClock overrides the time source used for logical expiry.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// WithRedisStaleGrace sets how long entries outlive their ttl for GetStale.
func WithRedisStaleGrace(d time.Duration) RedisOption {
	return func(r *Redis) { r.grace = d }
}

// NewRedis wraps an existing client. prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "cache:"
	}
	r := &Redis{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url, prefix string, opts ...RedisOption) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) valueKey(key string) string { return r.prefix + "v:" + key }
func (r *Redis) tagKey(tag string) string   { return r.prefix + "t:" + tag }

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	vk := r.valueKey(key)

	old, err := r.client.HGet(ctx, vk, fieldTags).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read previous tags: %w", err)
	}

	tags = dedupe(tags)
	pipe := r.client.TxPipeline()
	for _, t := range splitTags(old) {
		pipe.SRem(ctx, r.tagKey(t), key)
	}
	pipe.Del(ctx, vk)
	if ttl > 0 {
		pipe.HSet(ctx, vk,
			fieldData, value,
			fieldExpires, r.now().Add(ttl).UnixMilli(),
			fieldTags, strings.Join(tags, tagSep),
		)
		pipe.PExpire(ctx, vk, ttl+r.grace)
		for _, t := range tags {
			pipe.SAdd(ctx, r.tagKey(t), key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, expires, ok := r.load(ctx, key)
	if !ok || !r.now().Before(expires) {
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return data, true
}

func (r *Redis) GetStale(ctx context.Context, key string, grace time.Duration) ([]byte, bool) {
	data, expires, ok := r.load(ctx, key)
	if !ok || !r.now().Before(expires.Add(grace)) {
		return nil, false
	}
	return data, true
}

func (r *Redis) load(ctx context.Context, key string) ([]byte, time.Time, bool) {
	vals, err := r.client.HMGet(ctx, r.valueKey(key), fieldData, fieldExpires).Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, time.Time{}, false
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, time.Time{}, false
	}
	raw, _ := vals[1].(string)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, time.Time{}, false
	}
	return []byte(data), time.UnixMilli(ms), true
}

// InvalidateByTag removes the entries that still carry tag. Members left in
// the tag set by entries that expired or were re-set under other tags are
// pruned without touching the entry.
func (r *Redis) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	tk := r.tagKey(tag)
	members, err := r.client.SMembers(ctx, tk).Result()
	if err != nil {
		return 0, fmt.Errorf("read tag %q: %w", tag, err)
	}
	current, err := r.storedTags(ctx, members)
	if err != nil {
		return 0, fmt.Errorf("invalidate tag %q: %w", tag, err)
	}

	var victims []string
	for _, m := range members {
		if tags, ok := current[m]; ok && slices.Contains(tags, tag) {
			victims = append(victims, m)
		}
	}
	pipe := r.client.TxPipeline()
	dels := r.remove(ctx, pipe, victims, current)
	pipe.Del(ctx, tk)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("invalidate tag %q: %w", tag, err)
	}
	return countDeleted(dels), nil
}

// InvalidateByPattern removes every key containing substr and unlinks it
// from its tags. An empty substr matches nothing.
func (r *Redis) InvalidateByPattern(ctx context.Context, substr string) (int, error) {
	if substr == "" {
		return 0, nil
	}
	vkeys, err := r.scan(ctx, r.valueKey("*"+escapeGlob(substr)+"*"))
	if err != nil {
		return 0, err
	}
	if len(vkeys) == 0 {
		return 0, nil
	}
	keys := make([]string, len(vkeys))
	for i, vk := range vkeys {
		keys[i] = strings.TrimPrefix(vk, r.valueKey(""))
	}
	current, err := r.storedTags(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("invalidate pattern %q: %w", substr, err)
	}
	pipe := r.client.TxPipeline()
	dels := r.remove(ctx, pipe, keys, current)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("invalidate pattern %q: %w", substr, err)
	}
	return countDeleted(dels), nil
}

// storedTags reads the tags field of each key. Keys whose entry is gone are
// absent from the result.
func (r *Redis) storedTags(ctx context.Context, keys []string) (map[string][]string, error) {
	out := make(map[string][]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, r.valueKey(k), fieldTags)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[keys[i]] = splitTags(v)
	}
	return out, nil
}

// remove queues deletion of keys and their removal from every tag they
// carry.
func (r *Redis) remove(ctx context.Context, pipe redis.Pipeliner, keys []string, tags map[string][]string) []*redis.IntCmd {
	dels := make([]*redis.IntCmd, 0, len(keys))
	for _, k := range keys {
		for _, t := range tags[k] {
			pipe.SRem(ctx, r.tagKey(t), k)
		}
		dels = append(dels, pipe.Del(ctx, r.valueKey(k)))
	}
	return dels
}

func countDeleted(dels []*redis.IntCmd) int {
	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n
}

// Clear removes every key under the prefix and zeroes the counters.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx, r.prefix+"*")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	r.hits.Store(0)
	r.misses.Store(0)
	return nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	keys, err := r.scan(ctx, r.valueKey("*"))
	if err != nil {
		return Stats{}, err
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, k, fieldExpires)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	now := r.now().UnixMilli()
	count := 0
	for _, cmd := range cmds {
		ms, err := cmd.Int64()
		if err == nil && now < ms {
			count++
		}
	}
	return Stats{Count: count, Hits: r.hits.Load(), Misses: r.misses.Load()}, nil
}

// Sweep prunes tag-set members whose entries Redis has already expired.
// Entry eviction itself is left to the Redis TTL.
func (r *Redis) Sweep(ctx context.Context) (int, error) {
	tagKeys, err := r.scan(ctx, r.tagKey("*"))
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, tk := range tagKeys {
		members, err := r.client.SMembers(ctx, tk).Result()
		if err != nil {
			return pruned, fmt.Errorf("sweep %q: %w", tk, err)
		}
		for _, m := range members {
			exists, err := r.client.Exists(ctx, r.valueKey(m)).Result()
			if err != nil {
				return pruned, fmt.Errorf("sweep %q: %w", tk, err)
			}
			if exists == 0 {
				if err := r.client.SRem(ctx, tk, m).Err(); err != nil {
					return pruned, fmt.Errorf("sweep %q: %w", tk, err)
				}
				pruned++
			}
		}
	}
	return pruned, nil
}

func (r *Redis) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", match, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, tagSep)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
