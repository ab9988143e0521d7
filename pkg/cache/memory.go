package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process backend. Rows are kept in recency order so Scan
// visits the least recently used entry first.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]*list.Element
	lru    *list.List
	closed atomic.Bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return Unavailable(errClosed)
	}
	return ctx.Err()
}

// Get returns a copy of the stored row.
func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return elem.Value.(*Entry).Clone(), nil
}

// Put upserts a copy of e.
func (m *Memory) Put(ctx context.Context, e *Entry) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}

	stored := e.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[e.Key]; ok {
		old := elem.Value.(*Entry)
		stored.ID = old.ID
		stored.AccessCount = old.AccessCount
		elem.Value = stored
		m.lru.MoveToFront(elem)
		return false, nil
	}

	m.items[e.Key] = m.lru.PushFront(stored)
	return true, nil
}

// Touch records a read on key.
func (m *Memory) Touch(ctx context.Context, key string, at time.Time) (*Entry, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	e := elem.Value.(*Entry)
	e.AccessCount++
	e.LastAccessedAt = at
	m.lru.MoveToFront(elem)
	return e.Clone(), nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false, nil
	}
	m.removeElement(elem)
	return true, nil
}

// DeleteExpired removes key if it is still expired under the write lock.
func (m *Memory) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok || !elem.Value.(*Entry).ExpiredAt(now) {
		return false, nil
	}
	m.removeElement(elem)
	return true, nil
}

// PurgeExpired removes every expired row in one pass.
func (m *Memory) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []*list.Element
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*Entry).ExpiredAt(now) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		m.removeElement(elem)
	}
	return len(toRemove), nil
}

// Scan iterates over a snapshot, least recently used first, so fn may call
// back into the backend.
func (m *Memory) Scan(ctx context.Context, fn func(*Entry) bool) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	snapshot := make([]*Entry, 0, len(m.items))
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		snapshot = append(snapshot, elem.Value.(*Entry).Clone())
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Count returns the number of rows.
func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// Clear drops every row.
func (m *Memory) Clear(ctx context.Context) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.items)
	m.items = make(map[string]*list.Element)
	m.lru.Init()
	return n, nil
}

// Close marks the backend unusable.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) removeElement(elem *list.Element) {
	delete(m.items, elem.Value.(*Entry).Key)
	m.lru.Remove(elem)
}
