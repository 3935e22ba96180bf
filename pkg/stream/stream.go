// Package stream implements persistent, append-only, strictly
// timestamp-ordered typed event streams with fan-out subscription, a
// single-publisher invariant, and an HTTP surface for chunked
// subscription, size queries, and schema advertisement.
package stream

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/karlfleet/karl/pkg/stream/persist"
)

// Authority says whether the stream owns its publisher or has moved it to
// an external holder.
type Authority int

const (
	AuthorityOwn Authority = iota
	AuthorityExternal
)

func (a Authority) String() string {
	if a == AuthorityOwn {
		return "own"
	}
	return "external"
}

// Config configures a Stream.
type Config[T any] struct {
	// Name labels the stream in logs and metrics.
	Name string

	// Persister backs the stream. The stream takes exclusive ownership
	// and closes it on shutdown.
	Persister persist.Persister[T]

	// Optional configuration.
	Clock clockwork.Clock
}

func (c *Config[T]) Validate() error {
	if c.Name == "" {
		return errors.New("stream name is required")
	}
	if c.Persister == nil {
		return errors.New("persister is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Stream is a persistent append-only typed event stream.
type Stream[T any] struct {
	log  *slog.Logger
	data *data[T]

	publisherMu sync.Mutex
	publisher   *Publisher[T]
	authority   Authority

	schema *Schema
}

// data is the shared core a subscriber worker holds a weak handle to: the
// persister, the change notifier, and the subscription registries.
type data[T any] struct {
	name      string
	log       *slog.Logger
	persister persist.Persister[T]
	clock     clockwork.Clock

	publishMu  sync.Mutex
	cond       *sync.Cond
	inShutdown atomic.Bool

	scopesMu sync.Mutex
	scopes   map[*SubscriberScope]struct{}

	httpMu   sync.Mutex
	httpSubs map[string]*SubscriberScope
}

// New constructs a stream over the given persister.
func New[T any](log *slog.Logger, cfg Config[T]) (*Stream[T], error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schema, err := newSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("build schema for stream %q: %w", cfg.Name, err)
	}

	d := &data[T]{
		name:      cfg.Name,
		log:       log,
		persister: cfg.Persister,
		clock:     cfg.Clock,
		scopes:    make(map[*SubscriberScope]struct{}),
		httpSubs:  make(map[string]*SubscriberScope),
	}
	d.cond = sync.NewCond(&d.publishMu)

	return &Stream[T]{
		log:       log,
		data:      d,
		publisher: &Publisher[T]{d: d},
		authority: AuthorityOwn,
		schema:    schema,
	}, nil
}

// NewInMemory constructs a stream over a fresh in-memory persister.
func NewInMemory[T any](log *slog.Logger, name string) (*Stream[T], error) {
	return New(log, Config[T]{Name: name, Persister: persist.NewMemory[T]()})
}

// NewFromFile constructs a stream over the file-backed log at path,
// replaying and validating any existing state.
func NewFromFile[T any](log *slog.Logger, name, path string) (*Stream[T], error) {
	p, err := persist.OpenFile[T](path)
	if err != nil {
		return nil, err
	}
	return New(log, Config[T]{Name: name, Persister: p})
}

// Publish appends the payload stamped with the current time, nudged
// forward if needed so stream timestamps stay strictly increasing.
func (s *Stream[T]) Publish(payload T) (persist.IdxTs, error) {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	if s.publisher == nil {
		return persist.IdxTs{}, ErrPublisherReleased
	}
	return s.data.publish(payload, 0, true)
}

// PublishAt appends the payload with an explicit timestamp. It fails if
// the timestamp does not strictly exceed the last persisted one.
func (s *Stream[T]) PublishAt(payload T, us int64) (persist.IdxTs, error) {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	if s.publisher == nil {
		return persist.IdxTs{}, ErrPublisherReleased
	}
	return s.data.publish(payload, us, false)
}

func (d *data[T]) publish(payload T, us int64, deriveTime bool) (persist.IdxTs, error) {
	if d.inShutdown.Load() {
		return persist.IdxTs{}, ErrStreamInGracefulShutdown
	}
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	if deriveTime {
		us = d.clock.Now().UnixMicro()
		if last, ok := d.persister.LastPublishedIndexAndTimestamp(); ok && us <= last.EpochMicroseconds {
			us = last.EpochMicroseconds + 1
		}
	}

	idxts, err := d.persister.Publish(payload, us)
	if err != nil {
		return persist.IdxTs{}, err
	}
	publishedTotal.WithLabelValues(d.name).Inc()
	d.cond.Broadcast()
	return idxts, nil
}

// PublisherAcquirer receives a stream's publisher on transfer.
type PublisherAcquirer[T any] interface {
	AcceptPublisher(p *Publisher[T])
}

// Publisher is the exclusive write capability of one stream. While held
// externally, Publish on the stream itself fails.
type Publisher[T any] struct {
	d *data[T]
}

// Publish appends with the current time; see Stream.Publish.
func (p *Publisher[T]) Publish(payload T) (persist.IdxTs, error) {
	return p.d.publish(payload, 0, true)
}

// PublishAt appends with an explicit timestamp; see Stream.PublishAt.
func (p *Publisher[T]) PublishAt(payload T, us int64) (persist.IdxTs, error) {
	return p.d.publish(payload, us, false)
}

// MovePublisherTo transfers the write capability to an external holder.
func (s *Stream[T]) MovePublisherTo(acquirer PublisherAcquirer[T]) error {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	if s.publisher == nil {
		return ErrPublisherAlreadyReleased
	}
	acquirer.AcceptPublisher(s.publisher)
	s.publisher = nil
	s.authority = AuthorityExternal
	return nil
}

// AcquirePublisher takes the write capability back.
func (s *Stream[T]) AcquirePublisher(p *Publisher[T]) error {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	if s.publisher != nil {
		return ErrPublisherAlreadyOwned
	}
	if p == nil || p.d != s.data {
		return errors.New("publisher does not belong to this stream")
	}
	s.publisher = p
	s.authority = AuthorityOwn
	return nil
}

// DataAuthority reports whether the stream currently owns its publisher.
func (s *Stream[T]) DataAuthority() Authority {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	return s.authority
}

// Size returns the number of persisted entries.
func (s *Stream[T]) Size() uint64 { return s.data.persister.Size() }

// Persister exposes the underlying log for replay-style reads. The
// stream retains exclusive ownership.
func (s *Stream[T]) Persister() persist.Persister[T] { return s.data.persister }

// Schema returns the precomputed entry-type descriptor.
func (s *Stream[T]) Schema() *Schema { return s.schema }

// Subscribe spawns a dedicated worker delivering entries to sub in index
// order, starting from the beginning of the stream. onDone, if non-nil,
// runs after the worker's final delivery, before the scope unblocks.
func (s *Stream[T]) Subscribe(sub Subscriber[T], onDone func()) (*SubscriberScope, error) {
	return s.data.subscribe(sub, onDone, newSubscriptionID())
}

func (d *data[T]) subscribe(sub Subscriber[T], onDone func(), id string) (*SubscriberScope, error) {
	if d.inShutdown.Load() {
		return nil, ErrStreamInGracefulShutdown
	}

	scope := &SubscriberScope{
		id:   id,
		c:    d,
		st:   &scopeState{},
		done: make(chan struct{}),
	}

	d.scopesMu.Lock()
	d.scopes[scope] = struct{}{}
	d.scopesMu.Unlock()
	subscribersActive.WithLabelValues(d.name).Inc()

	go d.subscriberWorker(scope, sub, onDone)
	return scope, nil
}

func (d *data[T]) raiseTerminate(st *scopeState) {
	d.publishMu.Lock()
	st.terminated = true
	d.cond.Broadcast()
	d.publishMu.Unlock()
}

func (d *data[T]) terminated(st *scopeState) bool {
	d.publishMu.Lock()
	t := st.terminated
	d.publishMu.Unlock()
	return t
}

// subscriberWorker is the per-subscription delivery loop: drain persisted
// entries past the cursor, otherwise sleep on the change notifier until
// the stream grows or termination is raised.
func (d *data[T]) subscriberWorker(scope *SubscriberScope, sub Subscriber[T], onDone func()) {
	defer func() {
		d.scopesMu.Lock()
		delete(d.scopes, scope)
		d.scopesMu.Unlock()
		subscribersActive.WithLabelValues(d.name).Dec()
		if onDone != nil {
			onDone()
		}
		close(scope.done)
	}()

	var next uint64
	terminateSent := false

	askTerminate := func() bool {
		terminateSent = true
		return sub.OnTerminate() != TerminationResponseWait
	}

	for {
		if !terminateSent && d.terminated(scope.st) {
			if askTerminate() {
				return
			}
		}

		size := d.persister.Size()
		if size > next {
			last, _ := d.persister.LastPublishedIndexAndTimestamp()
			for e, err := range d.persister.Iterate(next, size) {
				if err != nil {
					// An I/O failure kills only this subscriber.
					d.log.Error("subscriber iteration failed",
						"stream", d.name, "subscription", scope.id, "error", err)
					return
				}
				if !terminateSent && d.terminated(scope.st) {
					if askTerminate() {
						return
					}
				}
				if deliver(sub, e, last) == EntryResponseDone {
					return
				}
			}
			next = size
		} else {
			d.publishMu.Lock()
			for !scope.st.terminated && !d.inShutdown.Load() && d.persister.Size() <= next {
				d.cond.Wait()
			}
			stop := d.inShutdown.Load() && d.persister.Size() <= next
			d.publishMu.Unlock()
			if stop {
				if terminateSent || askTerminate() {
					return
				}
			}
		}
	}
}

func deliver[T any](sub Subscriber[T], e persist.Entry[T], last persist.IdxTs) EntryResponse {
	if fs, ok := sub.(FilteringSubscriber[T]); ok && !fs.Accepts(e.Payload) {
		return fs.OnNoneOfFilteredTypes(last)
	}
	return sub.OnEntry(e, last)
}

// Close gracefully shuts the stream down: new publishes and subscriptions
// fail, every subscriber is signalled and joined, then the persister is
// released.
func (s *Stream[T]) Close() error {
	d := s.data
	if d.inShutdown.Swap(true) {
		return nil
	}

	d.publishMu.Lock()
	d.cond.Broadcast()
	d.publishMu.Unlock()

	d.httpMu.Lock()
	clear(d.httpSubs)
	d.httpMu.Unlock()

	d.scopesMu.Lock()
	scopes := make([]*SubscriberScope, 0, len(d.scopes))
	for scope := range d.scopes {
		scopes = append(scopes, scope)
	}
	d.scopesMu.Unlock()
	for _, scope := range scopes {
		scope.Close()
	}

	return d.persister.Close()
}

func newSubscriptionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("subscription id entropy: %v", err))
	}
	return hex.EncodeToString(b[:])
}
