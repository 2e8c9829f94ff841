package storage

import (
	"context"
	"sync"

	"github.com/example/food-dispatch/internal/models"
)

type MemoryRiderStore struct {
	mu     sync.RWMutex
	riders map[string]*models.RiderProfile
}

func NewMemoryRiderStore() *MemoryRiderStore {
	return &MemoryRiderStore{riders: make(map[string]*models.RiderProfile)}
}

// Put seeds a profile; used by tests and local bootstrap.
func (m *MemoryRiderStore) Put(p models.RiderProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riders[p.ID] = &p
}

func (m *MemoryRiderStore) FindRider(ctx context.Context, id string) (*models.RiderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.riders[id]
	if !ok {
		return nil, models.ErrInvalidRider
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRiderStore) UpdateRiderStats(ctx context.Context, id string, stats models.RiderStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.riders[id]
	if !ok {
		return models.ErrInvalidRider
	}
	p.Stats = stats
	return nil
}
