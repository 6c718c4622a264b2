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

	"cowork-app/internal/clock"
)

// Memory is an in-process Store used by tests and single-node deployments.
// Mutations notify subscribers synchronously after the write is applied.
type Memory struct {
	clock   clock.Clock
	mu      sync.Mutex
	values  map[string]json.RawMessage
	subs    map[int]*memSub
	nextSub int
	hooks   map[string]map[int]string
	nextHk  int
	leases  map[string]clock.Timer
	entropy io.Reader
}

type memSub struct {
	path string
	fn   func(Snapshot)
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:   clk,
		values:  make(map[string]json.RawMessage),
		subs:    make(map[int]*memSub),
		hooks:   make(map[string]map[int]string),
		leases:  make(map[string]clock.Timer),
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
}

func (m *Memory) Get(ctx context.Context, path string, dst any) error {
	m.mu.Lock()
	raw, ok := m.values[path]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if path == "" {
		return fmt.Errorf("store: empty path")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	m.mu.Lock()
	m.values[path] = raw
	notify := m.pendingNotifications(path)
	m.mu.Unlock()
	notify()
	return nil
}

func (m *Memory) SetLease(ctx context.Context, path string, value any, ttl time.Duration) error {
	if err := m.Set(ctx, path, value); err != nil {
		return err
	}
	m.mu.Lock()
	if t, ok := m.leases[path]; ok {
		t.Stop()
	}
	m.leases[path] = m.clock.AfterFunc(ttl, func() {
		m.Remove(context.Background(), path)
	})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Renew(ctx context.Context, path string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[path]; !ok {
		return ErrNotFound
	}
	if t, ok := m.leases[path]; ok {
		t.Stop()
	}
	m.leases[path] = m.clock.AfterFunc(ttl, func() {
		m.Remove(context.Background(), path)
	})
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	m.mu.Lock()
	key := ulid.MustNew(ulid.Timestamp(m.clock.Now()), m.entropy).String()
	m.mu.Unlock()
	if err := m.Set(ctx, JoinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	removed := false
	prefix := path + "/"
	for key := range m.values {
		if key == path || strings.HasPrefix(key, prefix) {
			delete(m.values, key)
			if t, ok := m.leases[key]; ok {
				t.Stop()
				delete(m.leases, key)
			}
			removed = true
		}
	}
	var notify func()
	if removed {
		notify = m.pendingNotifications(path)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

func (m *Memory) List(ctx context.Context, path string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path), nil
}

func (m *Memory) Children(ctx context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	prefix := path + "/"
	for key := range m.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
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

func (m *Memory) Subscribe(path string, fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &memSub{path: path, fn: fn}
	snap := m.snapshotLocked(path)
	m.mu.Unlock()
	fn(snap)
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Memory) OnDisconnectRemove(connID, path string) func() {
	m.mu.Lock()
	hooks, ok := m.hooks[connID]
	if !ok {
		hooks = make(map[int]string)
		m.hooks[connID] = hooks
	}
	id := m.nextHk
	m.nextHk++
	hooks[id] = path
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if hooks, ok := m.hooks[connID]; ok {
			delete(hooks, id)
		}
		m.mu.Unlock()
	}
}

func (m *Memory) Disconnect(connID string) {
	m.mu.Lock()
	var paths []string
	for _, path := range m.hooks[connID] {
		paths = append(paths, path)
	}
	delete(m.hooks, connID)
	m.mu.Unlock()
	for _, path := range paths {
		m.Remove(context.Background(), path)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, t := range m.leases {
		t.Stop()
		delete(m.leases, path)
	}
	m.subs = make(map[int]*memSub)
	return nil
}

func (m *Memory) snapshotLocked(path string) Snapshot {
	snap := make(Snapshot)
	prefix := path + "/"
	for key, raw := range m.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		snap[rest] = raw
	}
	return snap
}

// pendingNotifications matches subscribers against a changed path and returns
// a closure that delivers their refreshed snapshots. The closure must be run
// after the store lock is released so callbacks may re-enter the store.
func (m *Memory) pendingNotifications(changed string) func() {
	type delivery struct {
		fn   func(Snapshot)
		snap Snapshot
	}
	var deliveries []delivery
	for _, sub := range m.subs {
		if changed == sub.path ||
			strings.HasPrefix(changed, sub.path+"/") ||
			strings.HasPrefix(sub.path, changed+"/") {
			deliveries = append(deliveries, delivery{sub.fn, m.snapshotLocked(sub.path)})
		}
	}
	return func() {
		for _, d := range deliveries {
			d.fn(d.snap)
		}
	}
}
