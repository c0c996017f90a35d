// Package ringbuffer provides a fixed-capacity FIFO store that deduplicates
// items by key. It keeps the most recent events of a task so a reconnecting
// subscriber can catch up without reading the event log.
package ringbuffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidCapacity is returned by New for a capacity below one.
var ErrInvalidCapacity = errors.New("ring buffer capacity must be at least 1")

type slot[T any] struct {
	key  string
	item T
}

// RingBuffer is safe for concurrent use.
// Eviction is strictly by insertion order; reads do not refresh position.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	capacity int
	keyFn    func(T) string
	order    *list.List
	index    map[string]*list.Element
	overflow int64
}

// New creates a buffer holding at most capacity items keyed by keyFn.
func New[T any](capacity int, keyFn func(T) string) (*RingBuffer[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if keyFn == nil {
		return nil, errors.New("ring buffer key function is required")
	}
	return &RingBuffer[T]{
		capacity: capacity,
		keyFn:    keyFn,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}, nil
}

// Add inserts item, or updates in place when its key is already present.
// It reports whether the oldest item was evicted to make room.
func (b *RingBuffer[T]) Add(item T) bool {
	key := b.keyFn(item)

	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.index[key]; ok {
		el.Value.(*slot[T]).item = item
		return false
	}

	evicted := false
	if b.order.Len() >= b.capacity {
		oldest := b.order.Front()
		delete(b.index, oldest.Value.(*slot[T]).key)
		b.order.Remove(oldest)
		b.overflow++
		evicted = true
	}

	b.index[key] = b.order.PushBack(&slot[T]{key: key, item: item})
	return evicted
}

// Get returns the item stored under key.
func (b *RingBuffer[T]) Get(key string) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if el, ok := b.index[key]; ok {
		return el.Value.(*slot[T]).item, true
	}
	var zero T
	return zero, false
}

// Has reports whether key is present.
func (b *RingBuffer[T]) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[key]
	return ok
}

// Remove deletes key and reports whether it was present.
func (b *RingBuffer[T]) Remove(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.index[key]
	if !ok {
		return false
	}
	delete(b.index, key)
	b.order.Remove(el)
	return true
}

// GetAll returns items in insertion order.
func (b *RingBuffer[T]) GetAll() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*slot[T]).item)
	}
	return out
}

// After returns the items inserted after key. When key is empty or no longer
// buffered, every item is returned.
func (b *RingBuffer[T]) After(key string) []T {
	b.mu.RLock()
	el, ok := b.index[key]
	if !ok {
		b.mu.RUnlock()
		return b.GetAll()
	}
	var out []T
	for el = el.Next(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*slot[T]).item)
	}
	b.mu.RUnlock()
	return out
}

// Len returns the number of buffered items.
func (b *RingBuffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.order.Len()
}

// Capacity returns the configured capacity.
func (b *RingBuffer[T]) Capacity() int {
	return b.capacity
}

// GetOverflowCount returns how many items were evicted by capacity.
func (b *RingBuffer[T]) GetOverflowCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.overflow
}

// Clear drops every item. The overflow counter is kept.
func (b *RingBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order.Init()
	b.index = make(map[string]*list.Element, b.capacity)
}
