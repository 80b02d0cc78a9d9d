package dedup

import (
	"container/list"
	"context"
	"sync"
)

// LRU is the default in-process dedup store: a bounded set keyed by
// insertion order. When it reaches capacity, the oldest half is trimmed in
// one pass rather than evicting one-in-one-out, matching the "FIFO-trim by
// half when full" policy.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewLRU constructs a dedup set with the given capacity. A non-positive
// capacity falls back to 1000, the default named in the concurrency model.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (l *LRU) SeenOrRecord(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[id]; ok {
		return true, nil
	}

	if l.order.Len() >= l.capacity {
		l.trimHalf()
	}

	elem := l.order.PushBack(id)
	l.index[id] = elem
	return false, nil
}

// trimHalf drops the oldest half of recorded ids, called with mu held.
func (l *LRU) trimHalf() {
	toDrop := l.order.Len() / 2
	for i := 0; i < toDrop; i++ {
		front := l.order.Front()
		if front == nil {
			return
		}
		l.order.Remove(front)
		delete(l.index, front.Value.(string))
	}
}

// Len reports the current number of recorded ids, used by tests.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

var _ Store = (*LRU)(nil)
