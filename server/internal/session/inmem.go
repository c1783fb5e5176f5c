package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"interview-talk/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.SessionState
}

func NewInMemoryStore() *InMemoryStore {
	// 内存 store：重启即丢快照，记录本身由 transcript sink 落盘。
	return &InMemoryStore{data: make(map[string]model.SessionState)}
}

// Get 根据 SessionID 获取快照（值拷贝）。
func (s *InMemoryStore) Get(_ context.Context, id string) (model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return model.SessionState{}, ErrNotFound
	}
	return state, nil
}

// Save 保存或更新快照。
func (s *InMemoryStore) Save(_ context.Context, state model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state
	return nil
}

// List 按创建时间返回全部快照。
func (s *InMemoryStore) List(_ context.Context) ([]model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SessionState, 0, len(s.data))
	for _, st := range s.data {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
