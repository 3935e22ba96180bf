package stream

import (
	"github.com/karlfleet/karl/pkg/stream/persist"
)

// EntryResponse is a subscriber's verdict after seeing one entry.
type EntryResponse int

const (
	// EntryResponseMore asks for further entries.
	EntryResponseMore EntryResponse = iota
	// EntryResponseDone detaches the subscriber.
	EntryResponseDone
)

// TerminationResponse is a subscriber's verdict when asked to stop.
type TerminationResponse int

const (
	// TerminationResponseTerminate stops the subscriber immediately.
	TerminationResponseTerminate TerminationResponse = iota
	// TerminationResponseWait keeps delivering already-persisted entries
	// until the subscriber returns EntryResponseDone on its own.
	TerminationResponseWait
)

// Subscriber consumes stream entries in index order on a dedicated
// worker goroutine.
type Subscriber[T any] interface {
	// OnEntry delivers one entry together with the newest persisted
	// index/timestamp at delivery time.
	OnEntry(e persist.Entry[T], last persist.IdxTs) EntryResponse

	// OnTerminate is called once when termination is requested.
	OnTerminate() TerminationResponse
}

// FilteringSubscriber is a Subscriber that declares interest in a subset
// of payloads. Entries outside the set are not delivered; instead
// OnNoneOfFilteredTypes is consulted so the subscriber can detach once no
// further payload can pass its filter.
type FilteringSubscriber[T any] interface {
	Subscriber[T]

	// Accepts reports whether the payload is within the subscriber's
	// declared set.
	Accepts(payload T) bool

	// OnNoneOfFilteredTypes is the synthesised response for an entry
	// suppressed by the filter.
	OnNoneOfFilteredTypes(last persist.IdxTs) EntryResponse
}

// SubscriberScope owns one subscriber worker. Closing the scope raises
// the termination signal and joins the worker; closing twice is a no-op,
// which also makes the scope safe to hand over and close at either site.
type SubscriberScope struct {
	id   string
	c    interface{ raiseTerminate(*scopeState) }
	st   *scopeState
	done chan struct{}
}

type scopeState struct {
	terminated bool // guarded by the stream's publish mutex
}

// ID returns the stream-unique subscription id.
func (s *SubscriberScope) ID() string { return s.id }

// Close raises the termination signal and waits for the worker to exit.
func (s *SubscriberScope) Close() {
	s.c.raiseTerminate(s.st)
	<-s.done
}

// Done is closed when the worker has exited.
func (s *SubscriberScope) Done() <-chan struct{} { return s.done }
