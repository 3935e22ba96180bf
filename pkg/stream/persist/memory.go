package persist

import (
	"iter"
	"sync"
)

// Memory is an in-memory Persister. It is safe for concurrent use.
type Memory[T any] struct {
	mu      sync.RWMutex
	entries []Entry[T]
}

// NewMemory returns an empty in-memory log.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{}
}

func (m *Memory[T]) Publish(payload T, us int64) (IdxTs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.entries); n > 0 && us <= m.entries[n-1].EpochMicroseconds {
		return IdxTs{}, ErrNonMonotonicTimestamp
	}
	idxts := IdxTs{Index: uint64(len(m.entries)) + 1, EpochMicroseconds: us}
	m.entries = append(m.entries, Entry[T]{IdxTs: idxts, Payload: payload})
	return idxts, nil
}

func (m *Memory[T]) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries))
}

func (m *Memory[T]) Empty() bool {
	return m.Size() == 0
}

func (m *Memory[T]) LastPublishedIndexAndTimestamp() (IdxTs, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return IdxTs{}, false
	}
	return m.entries[len(m.entries)-1].IdxTs, true
}

func (m *Memory[T]) Iterate(begin, end uint64) iter.Seq2[Entry[T], error] {
	return func(yield func(Entry[T], error) bool) {
		m.mu.RLock()
		size := uint64(len(m.entries))
		if end > size {
			end = size
		}
		var batch []Entry[T]
		if begin < end {
			batch = make([]Entry[T], end-begin)
			copy(batch, m.entries[begin:end])
		}
		m.mu.RUnlock()

		for _, e := range batch {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory[T]) Close() error { return nil }
