package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryCacheSize = 10_000

// MemoryProvider keeps markers in a bounded LRU. Under pressure the oldest
// markers are evicted early, which only weakens dedup for a single process
// deployment.
type MemoryProvider struct {
	mu      sync.Mutex
	markers *lru.Cache[string, marker]
	now     func() time.Time
}

type marker struct {
	token     string
	expiresAt time.Time
}

func NewMemoryProvider() (*MemoryProvider, error) {
	markers, err := lru.New[string, marker](defaultMemoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{markers: markers, now: time.Now}, nil
}

func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return held.token, nil
}

func (m *MemoryProvider) SetIfAbsent(_ context.Context, key string, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.markers.Add(key, marker{token: token, expiresAt: m.now().Add(ttl)})
	return true, nil
}

func (m *MemoryProvider) Release(_ context.Context, key string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.live(key); ok && held.token == token {
		m.markers.Remove(key)
	}
	return nil
}

func (m *MemoryProvider) Ping(context.Context) error {
	return nil
}

func (m *MemoryProvider) Close() error {
	m.markers.Purge()
	return nil
}

// live drops an expired marker. Callers hold m.mu.
func (m *MemoryProvider) live(key string) (marker, bool) {
	held, ok := m.markers.Get(key)
	if !ok {
		return marker{}, false
	}
	if m.now().After(held.expiresAt) {
		m.markers.Remove(key)
		return marker{}, false
	}
	return held, true
}
