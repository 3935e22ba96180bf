// Package persist provides append-only typed logs: a strictly
// timestamp-ordered sequence of entries, each annotated with a dense
// 1-based index and an epoch-microsecond timestamp. Two backends exist:
// an in-memory one and a durable file-backed one.
package persist

import (
	"errors"
	"iter"
)

// ErrNonMonotonicTimestamp is returned by Publish when the supplied
// timestamp is not strictly greater than the last persisted one. The
// entry is not written.
var ErrNonMonotonicTimestamp = errors.New("entry timestamp is not strictly increasing")

// IdxTs identifies one persisted entry: its 1-based index and its epoch
// microsecond timestamp.
type IdxTs struct {
	Index             uint64 `json:"index"`
	EpochMicroseconds int64  `json:"us"`
}

// Entry is one record of the log.
type Entry[T any] struct {
	IdxTs
	Payload T `json:"payload"`
}

// Persister is an append-only typed log. Entries are immutable once
// written; indices are dense starting at 1; timestamps strictly increase.
type Persister[T any] interface {
	// Publish appends the payload with the given timestamp. It fails
	// with ErrNonMonotonicTimestamp if us is not strictly greater than
	// the last persisted timestamp. Durable backends flush before
	// returning.
	Publish(payload T, us int64) (IdxTs, error)

	// Size returns the number of persisted entries.
	Size() uint64

	// Empty reports whether the log has no entries.
	Empty() bool

	// LastPublishedIndexAndTimestamp returns the index and timestamp of
	// the newest entry, if any.
	LastPublishedIndexAndTimestamp() (IdxTs, bool)

	// Iterate yields entries at 0-based positions [begin, end). It is a
	// pure function of persistent state: the returned sequence may be
	// ranged over more than once. An iteration error is yielded once as
	// the final element.
	Iterate(begin, end uint64) iter.Seq2[Entry[T], error]

	// Close releases backend resources. The log can be reopened from the
	// same persistent state.
	Close() error
}
