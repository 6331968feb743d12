package guard

import (
	"context"
	"sort"
	"sync"
)

// GroupStore persists the group that backs each role and its members. It is
// the only durable state the pipeline mutates.
type GroupStore interface {
	EnsureGroup(ctx context.Context, name string) error
	AddMember(ctx context.Context, group, userID string) error
	RemoveMember(ctx context.Context, group, userID string) error
	ListMembers(ctx context.Context, group string) ([]string, error)
	ListGroups(ctx context.Context, userID string) ([]string, error)
}

// MemoryGroupStore is an in-process GroupStore.
type MemoryGroupStore struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{members: make(map[string]map[string]struct{})}
}

func (s *MemoryGroupStore) EnsureGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[name]; !ok {
		s.members[name] = make(map[string]struct{})
	}
	return nil
}

func (s *MemoryGroupStore) AddMember(ctx context.Context, group, userID string) error {
	_ = s.EnsureGroup(ctx, group)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[group][userID] = struct{}{}
	return nil
}

func (s *MemoryGroupStore) RemoveMember(_ context.Context, group, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[group]; ok {
		delete(m, userID)
	}
	return nil
}

func (s *MemoryGroupStore) ListMembers(_ context.Context, group string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[group]))
	for id := range s.members[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryGroupStore) ListGroups(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for g, m := range s.members {
		if _, ok := m[userID]; ok {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out, nil
}
