package database

import (
	"context"
	"sync"
	"time"

	"quizbattle/models"
)

// MemoryStore keeps battles in process memory. It backs STORE_DRIVER=memory
// for single-instance runs and the tests of packages that need a store.
type MemoryStore struct {
	mu      sync.Mutex
	battles map[string]*models.Battle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{battles: make(map[string]*models.Battle)}
}

func (m *MemoryStore) CreateBattle(ctx context.Context, topic string, creator models.Participant) (*models.Battle, error) {
	b, err := newBattle(topic, creator)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = b
	return b.Clone(), nil
}

func (m *MemoryStore) JoinBattle(ctx context.Context, id string, participant models.Participant) (*models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	if !ok {
		return nil, models.ErrBattleNotFound
	}
	changed, err := applyJoin(b, participant)
	if err != nil {
		return nil, err
	}
	if changed {
		b.Version++
	}
	return b.Clone(), nil
}

func (m *MemoryStore) SubmitScore(ctx context.Context, id, userID string, score, totalQuestions int) (*models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	if !ok {
		return nil, models.ErrBattleNotFound
	}
	changed, err := applyScore(b, userID, score, totalQuestions)
	if err != nil {
		return nil, err
	}
	if changed {
		b.Version++
	}
	return b.Clone(), nil
}

func (m *MemoryStore) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	if !ok {
		return nil, models.ErrBattleNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, b := range m.battles {
		if b.CreatedAt.Before(before) {
			delete(m.battles, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
