package transcript

import (
	"context"
	"sync"

	"interview-talk/server/internal/model"
)

// InMemoryStore 是一个基于内存的 transcript 存储实现。
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]model.TurnRecord
	seq       map[string]int64
	turnIDs   map[string]map[string]int64
	finalized map[string]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[string][]model.TurnRecord),
		seq:       make(map[string]int64),
		turnIDs:   make(map[string]map[string]int64),
		finalized: make(map[string]bool),
	}
}

// Append 追加记录，并为该 session 分配单调递增 seq。
// 副作用：回写 rec.Seq；相同 TurnID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, rec *model.TurnRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized[sessionID] {
		return 0, ErrFinalized
	}

	if rec.TurnID != "" {
		if seen, ok := s.turnIDs[sessionID]; ok {
			if seq, exists := seen[rec.TurnID]; exists {
				rec.Seq = seq
				return seq, nil
			}
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	rec.Seq = seq
	s.records[sessionID] = append(s.records[sessionID], *rec)

	if rec.TurnID != "" {
		if s.turnIDs[sessionID] == nil {
			s.turnIDs[sessionID] = make(map[string]int64)
		}
		s.turnIDs[sessionID][rec.TurnID] = seq
	}

	return seq, nil
}

// Update 原位替换记录，位置由 seq 决定。
func (s *InMemoryStore) Update(_ context.Context, sessionID string, rec model.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized[sessionID] {
		return ErrFinalized
	}
	records := s.records[sessionID]
	// seq 从 1 开始且连续，直接换算下标。
	idx := int(rec.Seq) - 1
	if idx < 0 || idx >= len(records) {
		return ErrNoRecord
	}
	records[idx] = rec
	return nil
}

// List 返回某个 session 的全部记录（按 seq 顺序）。
// 兼容性：返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[sessionID]
	out := make([]model.TurnRecord, len(records))
	copy(out, records)
	return out, nil
}

// Finalize 标记只读；重复调用是安全的。
func (s *InMemoryStore) Finalize(ctx context.Context, sessionID string) ([]model.TurnRecord, error) {
	s.mu.Lock()
	s.finalized[sessionID] = true
	s.mu.Unlock()
	return s.List(ctx, sessionID)
}
