package cache

import (
	"context"
	"sort"
	"sync"
)

// memoryStore 在进程内保存分区，重启即丢失；读写都返回深拷贝。
type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[Key]Snapshot
}

// NewMemoryStore 返回内存分区存储。
func NewMemoryStore() Store {
	return &memoryStore{partitions: make(map[string]map[Key]Snapshot)}
}

func (s *memoryStore) Open(ctx context.Context, partition string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		s.partitions[partition] = make(map[Key]Snapshot)
	}
	return nil
}

func (s *memoryStore) Match(ctx context.Context, partition string, key Key) (*Snapshot, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.partitions[partition]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := snapshot.Clone()
	return &out, nil
}

func (s *memoryStore) Put(ctx context.Context, partition string, key Key, snapshot Snapshot) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.partitions[partition]
	if !ok {
		entries = make(map[Key]Snapshot)
		s.partitions[partition] = entries
	}
	entries[key] = snapshot.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		return false, nil
	}
	delete(s.partitions, partition)
	return true, nil
}

func (s *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Keys(ctx context.Context, partition string) ([]Key, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.partitions[partition]
	if !ok {
		return nil, ErrNotFound
	}
	keys := make([]Key, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}
