package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
)

// File is a durable Persister storing one self-describing JSON record per
// line. On open, the file is scanned to rebuild index/offset metadata and
// to validate the monotonic timestamp invariant; a partial last line is
// truncated. Every Publish flushes to disk before returning.
type File[T any] struct {
	mu      sync.RWMutex
	path    string
	w       *os.File
	offsets []int64 // byte offset of each entry's line
	tail    int64   // offset one past the last complete line
	last    IdxTs
}

// OpenFile opens or creates the log at path.
func OpenFile[T any](path string) (*File[T], error) {
	w, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	f := &File[T]{path: path, w: w}
	if err := f.scan(); err != nil {
		w.Close()
		return nil, err
	}
	if _, err := w.Seek(f.tail, io.SeekStart); err != nil {
		w.Close()
		return nil, fmt.Errorf("seek log %s: %w", path, err)
	}
	return f, nil
}

// scan rebuilds offsets and validates the invariants, truncating a
// corrupt tail.
func (f *File[T]) scan() error {
	r := bufio.NewReader(f.w)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// Partial last line: a write was cut short.
				break
			}
			f.tail = offset
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan log %s: %w", f.path, err)
		}

		var e Entry[T]
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			// A malformed final line is treated as a corrupt tail; a
			// malformed line with records after it is unrecoverable.
			if _, perr := r.Peek(1); perr == io.EOF {
				break
			}
			return fmt.Errorf("log %s corrupt at offset %d: %w", f.path, offset, uerr)
		}
		if e.Index != uint64(len(f.offsets))+1 {
			return fmt.Errorf("log %s: entry at offset %d has index %d, want %d",
				f.path, offset, e.Index, len(f.offsets)+1)
		}
		if len(f.offsets) > 0 && e.EpochMicroseconds <= f.last.EpochMicroseconds {
			return fmt.Errorf("log %s: entry %d breaks timestamp monotonicity: %w",
				f.path, e.Index, ErrNonMonotonicTimestamp)
		}

		f.offsets = append(f.offsets, offset)
		f.last = e.IdxTs
		offset += int64(len(line))
	}

	// Corrupt tail: drop everything past the last complete record.
	f.tail = offset
	if err := f.w.Truncate(f.tail); err != nil {
		return fmt.Errorf("truncate log %s: %w", f.path, err)
	}
	return nil
}

func (f *File[T]) Publish(payload T, us int64) (IdxTs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.offsets) > 0 && us <= f.last.EpochMicroseconds {
		return IdxTs{}, ErrNonMonotonicTimestamp
	}

	idxts := IdxTs{Index: uint64(len(f.offsets)) + 1, EpochMicroseconds: us}
	line, err := json.Marshal(Entry[T]{IdxTs: idxts, Payload: payload})
	if err != nil {
		return IdxTs{}, fmt.Errorf("encode entry %d: %w", idxts.Index, err)
	}
	line = append(line, '\n')

	if _, err := f.w.Write(line); err != nil {
		return IdxTs{}, fmt.Errorf("append to log %s: %w", f.path, err)
	}
	if err := f.w.Sync(); err != nil {
		return IdxTs{}, fmt.Errorf("sync log %s: %w", f.path, err)
	}

	f.offsets = append(f.offsets, f.tail)
	f.tail += int64(len(line))
	f.last = idxts
	return idxts, nil
}

func (f *File[T]) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.offsets))
}

func (f *File[T]) Empty() bool {
	return f.Size() == 0
}

func (f *File[T]) LastPublishedIndexAndTimestamp() (IdxTs, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.offsets) == 0 {
		return IdxTs{}, false
	}
	return f.last, true
}

func (f *File[T]) Iterate(begin, end uint64) iter.Seq2[Entry[T], error] {
	return func(yield func(Entry[T], error) bool) {
		f.mu.RLock()
		size := uint64(len(f.offsets))
		if end > size {
			end = size
		}
		if begin >= end {
			f.mu.RUnlock()
			return
		}
		start := f.offsets[begin]
		f.mu.RUnlock()

		r, err := os.Open(f.path)
		if err != nil {
			yield(Entry[T]{}, fmt.Errorf("open log %s for iteration: %w", f.path, err))
			return
		}
		defer r.Close()
		if _, err := r.Seek(start, io.SeekStart); err != nil {
			yield(Entry[T]{}, fmt.Errorf("seek log %s: %w", f.path, err))
			return
		}

		br := bufio.NewReader(r)
		for i := begin; i < end; i++ {
			line, err := br.ReadBytes('\n')
			if err != nil {
				yield(Entry[T]{}, fmt.Errorf("read log %s entry %d: %w", f.path, i+1, err))
				return
			}
			var e Entry[T]
			if err := json.Unmarshal(line, &e); err != nil {
				yield(Entry[T]{}, fmt.Errorf("decode log %s entry %d: %w", f.path, i+1, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (f *File[T]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}
