package store

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"cowork-app/internal/clock"
	"cowork-app/pkg/logger"
)

const (
	redisKeyPrefix  = "sync:"
	redisChangeChan = "sync:changes"
	redisScanBatch  = 200
)

// Redis is a Store backed by a shared Redis instance so multiple server
// nodes coordinate over the same namespace. Change fan-out rides a pub/sub
// channel carrying the mutated path; leases map directly onto key TTLs, so a
// crashed node's session records expire without any cleanup call. Expired-key
// notifications are picked up best-effort when the server has
// notify-keyspace-events enabled; the cleanup sweep remains the backstop.
type Redis struct {
	rdb    *redis.Client
	clock  clock.Clock
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[int]*memSub
	nextSub int
	hooks   map[string]map[int]string
	nextHk  int
	entropy io.Reader
}

func NewRedis(rdb *redis.Client, clk clock.Clock) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:     rdb,
		clock:   clk,
		cancel:  cancel,
		subs:    make(map[int]*memSub),
		hooks:   make(map[string]map[int]string),
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
	go r.listen(ctx)
	return r
}

func (r *Redis) Get(ctx context.Context, path string, dst any) error {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+path).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get %s: %w", path, err)
	}
	return json.Unmarshal(raw, dst)
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	return r.write(ctx, path, value, 0)
}

func (r *Redis) SetLease(ctx context.Context, path string, value any, ttl time.Duration) error {
	return r.write(ctx, path, value, ttl)
}

func (r *Redis) write(ctx context.Context, path string, value any, ttl time.Duration) error {
	if path == "" {
		return fmt.Errorf("store: empty path")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+path, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	r.publish(ctx, path)
	return nil
}

func (r *Redis) Renew(ctx context.Context, path string, ttl time.Duration) error {
	ok, err := r.rdb.Expire(ctx, redisKeyPrefix+path, ttl).Result()
	if err != nil {
		return fmt.Errorf("store: renew %s: %w", path, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, path string, value any) (string, error) {
	r.mu.Lock()
	key := ulid.MustNew(ulid.Timestamp(r.clock.Now()), r.entropy).String()
	r.mu.Unlock()
	if err := r.Set(ctx, JoinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	keys, err := r.scan(ctx, path)
	if err != nil {
		return err
	}
	keys = append(keys, redisKeyPrefix+path)
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	r.publish(ctx, path)
	return nil
}

func (r *Redis) List(ctx context.Context, path string) (Snapshot, error) {
	keys, err := r.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot)
	prefix := redisKeyPrefix + path + "/"
	var leafKeys []string
	var leafNames []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		leafKeys = append(leafKeys, key)
		leafNames = append(leafNames, rest)
	}
	if len(leafKeys) == 0 {
		return snap, nil
	}
	vals, err := r.rdb.MGet(ctx, leafKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", path, err)
	}
	for i, val := range vals {
		s, ok := val.(string)
		if !ok {
			continue // expired between scan and read
		}
		snap[leafNames[i]] = json.RawMessage(s)
	}
	return snap, nil
}

func (r *Redis) Children(ctx context.Context, path string) ([]string, error) {
	keys, err := r.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	prefix := redisKeyPrefix + path + "/"
	seen := make(map[string]bool)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Subscribe(path string, fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = &memSub{path: path, fn: fn}
	r.mu.Unlock()
	if snap, err := r.List(context.Background(), path); err == nil {
		fn(snap)
	}
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Redis) OnDisconnectRemove(connID, path string) func() {
	r.mu.Lock()
	hooks, ok := r.hooks[connID]
	if !ok {
		hooks = make(map[int]string)
		r.hooks[connID] = hooks
	}
	id := r.nextHk
	r.nextHk++
	hooks[id] = path
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if hooks, ok := r.hooks[connID]; ok {
			delete(hooks, id)
		}
		r.mu.Unlock()
	}
}

func (r *Redis) Disconnect(connID string) {
	r.mu.Lock()
	var paths []string
	for _, path := range r.hooks[connID] {
		paths = append(paths, path)
	}
	delete(r.hooks, connID)
	r.mu.Unlock()
	for _, path := range paths {
		if err := r.Remove(context.Background(), path); err != nil {
			logger.Error("disconnect removal of %s failed: %v", path, err)
		}
	}
}

func (r *Redis) Close() error {
	r.cancel()
	return r.rdb.Close()
}

func (r *Redis) scan(ctx context.Context, path string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+path+"/*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", path, err)
	}
	return keys, nil
}

func (r *Redis) publish(ctx context.Context, path string) {
	if err := r.rdb.Publish(ctx, redisChangeChan, path).Err(); err != nil {
		// A lost notification is reconciled by the next snapshot; the write
		// itself already landed.
		logger.Debug("change publish for %s failed: %v", path, err)
	}
}

func (r *Redis) listen(ctx context.Context) {
	ps := r.rdb.PSubscribe(ctx, redisChangeChan, "__keyevent@*__:expired")
	defer ps.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			path := msg.Payload
			if msg.Channel != redisChangeChan {
				path = strings.TrimPrefix(path, redisKeyPrefix)
			}
			r.dispatch(path)
		}
	}
}

func (r *Redis) dispatch(changed string) {
	r.mu.Lock()
	var matched []*memSub
	for _, sub := range r.subs {
		if changed == sub.path ||
			strings.HasPrefix(changed, sub.path+"/") ||
			strings.HasPrefix(sub.path, changed+"/") {
			matched = append(matched, sub)
		}
	}
	r.mu.Unlock()
	for _, sub := range matched {
		snap, err := r.List(context.Background(), sub.path)
		if err != nil {
			logger.Error("snapshot of %s failed: %v", sub.path, err)
			continue
		}
		sub.fn(snap)
	}
}
