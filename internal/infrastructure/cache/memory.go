package cache

import (
	"context"
	"sync"
	"time"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

type entry struct {
	expiresAt time.Time
	tiles     []model.Tile
}

// Memory keeps the latest tile set per board with a TTL checked at read time.
// Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key model.BoardKey) ([]model.Tile, bool) {
	m.mu.RLock()
	e, ok := m.items[key.String()]
	m.mu.RUnlock()
	if !ok || m.now().After(e.expiresAt) {
		return nil, false
	}
	return e.tiles, true
}

func (m *Memory) Put(_ context.Context, key model.BoardKey, tiles []model.Tile, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.items[key.String()] = entry{expiresAt: m.now().Add(ttl), tiles: tiles}
	m.mu.Unlock()
}

var _ port.TileCache = (*Memory)(nil)
