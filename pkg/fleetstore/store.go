package fleetstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/karlfleet/karl/pkg/stream"
	"github.com/karlfleet/karl/pkg/stream/persist"
)

// Config configures a Store.
type Config struct {
	// Persister backs the changelog stream. The store takes exclusive
	// ownership through the stream.
	Persister persist.Persister[Transaction]

	// Optional configuration.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Persister == nil {
		return errors.New("changelog persister is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the transactional fleet view. All transactions, read-only and
// read-write alike, run on a single executor worker, so a transaction
// body always sees a consistent snapshot and never races a writer.
type Store struct {
	log       *slog.Logger
	changelog *stream.Stream[Transaction]
	exec      pond.Pool

	// Touched only from the executor worker.
	claires map[string]ClaireInfo
	builds  map[string]ClaireBuildInfo
	servers map[string]ServerInfo
	karl    []KarlInfo
}

// Open constructs the store and replays the changelog to reconstruct the
// in-memory field state.
func Open(log *slog.Logger, cfg Config) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	changelog, err := stream.New(log, stream.Config[Transaction]{
		Name:      "fleet-store-changelog",
		Persister: cfg.Persister,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open changelog stream: %w", err)
	}

	s := &Store{
		log:       log,
		changelog: changelog,
		exec:      pond.NewPool(1),
		claires:   make(map[string]ClaireInfo),
		builds:    make(map[string]ClaireBuildInfo),
		servers:   make(map[string]ServerInfo),
		karl:      nil,
	}

	p := changelog.Persister()
	for e, err := range p.Iterate(0, p.Size()) {
		if err != nil {
			changelog.Close()
			return nil, fmt.Errorf("replay changelog: %w", err)
		}
		for _, m := range e.Payload.Mutations {
			s.apply(m)
		}
	}
	log.Debug("fleet store replayed", "transactions", p.Size(),
		"claires", len(s.claires), "builds", len(s.builds), "servers", len(s.servers))
	return s, nil
}

// OpenFile opens a store whose changelog lives in the file at path.
func OpenFile(log *slog.Logger, path string, clock clockwork.Clock) (*Store, error) {
	p, err := persist.OpenFile[Transaction](path)
	if err != nil {
		return nil, err
	}
	return Open(log, Config{Persister: p, Clock: clock})
}

// ImmutableFields is the read surface of one transaction. Valid only for
// the duration of the transaction body.
type ImmutableFields struct {
	s   *Store
	txn *txnState // nil in read-only transactions
}

type txnState struct {
	claires   map[string]ClaireInfo
	builds    map[string]ClaireBuildInfo
	servers   map[string]ServerInfo
	karl      []KarlInfo
	mutations []Mutation
}

// Claire returns the record for a codename.
func (f ImmutableFields) Claire(codename string) (ClaireInfo, bool) {
	if f.txn != nil {
		if v, ok := f.txn.claires[codename]; ok {
			return v, true
		}
	}
	v, ok := f.s.claires[codename]
	return v, ok
}

// EachClaire visits every claire record; staged writes shadow committed
// ones. Return false to stop.
func (f ImmutableFields) EachClaire(visit func(ClaireInfo) bool) {
	for codename, v := range f.s.claires {
		if f.txn != nil {
			if _, staged := f.txn.claires[codename]; staged {
				continue
			}
		}
		if !visit(v) {
			return
		}
	}
	if f.txn != nil {
		for _, v := range f.txn.claires {
			if !visit(v) {
				return
			}
		}
	}
}

// Build returns the build record for a codename.
func (f ImmutableFields) Build(codename string) (ClaireBuildInfo, bool) {
	if f.txn != nil {
		if v, ok := f.txn.builds[codename]; ok {
			return v, true
		}
	}
	v, ok := f.s.builds[codename]
	return v, ok
}

// Server returns the skew record for an IP.
func (f ImmutableFields) Server(ip string) (ServerInfo, bool) {
	if f.txn != nil {
		if v, ok := f.txn.servers[ip]; ok {
			return v, true
		}
	}
	v, ok := f.s.servers[ip]
	return v, ok
}

// KarlLog returns the orchestrator lifecycle log, oldest first.
func (f ImmutableFields) KarlLog() []KarlInfo {
	out := make([]KarlInfo, 0, len(f.s.karl))
	out = append(out, f.s.karl...)
	if f.txn != nil {
		out = append(out, f.txn.karl...)
	}
	return out
}

// MutableFields is the write surface of a read-write transaction. Writes
// are staged; they land in the store and the changelog only on commit.
type MutableFields struct {
	ImmutableFields
}

func (f MutableFields) AddClaire(v ClaireInfo) {
	f.txn.claires[v.Codename] = v
	f.txn.mutations = append(f.txn.mutations, Mutation{ClaireUpsert: &v})
}

func (f MutableFields) AddBuild(v ClaireBuildInfo) {
	f.txn.builds[v.Codename] = v
	f.txn.mutations = append(f.txn.mutations, Mutation{BuildUpsert: &v})
}

func (f MutableFields) AddServer(v ServerInfo) {
	f.txn.servers[v.IP] = v
	f.txn.mutations = append(f.txn.mutations, Mutation{ServerUpsert: &v})
}

func (f MutableFields) AddKarl(v KarlInfo) {
	f.txn.karl = append(f.txn.karl, v)
	f.txn.mutations = append(f.txn.mutations, Mutation{KarlAppend: &v})
}

// ReadOnlyTransaction runs fn against a consistent snapshot.
func (s *Store) ReadOnlyTransaction(ctx context.Context, fn func(ImmutableFields) error) error {
	task := s.exec.SubmitErr(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ImmutableFields{s: s})
	})
	return task.Wait()
}

// ReadWriteTransaction runs fn with staged-write semantics: if fn returns
// nil, every staged mutation is appended to the changelog and applied to
// the in-memory state atomically with respect to other transactions; if
// fn returns an error, nothing changes.
func (s *Store) ReadWriteTransaction(ctx context.Context, fn func(MutableFields) error) error {
	task := s.exec.SubmitErr(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		txn := &txnState{
			claires: make(map[string]ClaireInfo),
			builds:  make(map[string]ClaireBuildInfo),
			servers: make(map[string]ServerInfo),
		}
		if err := fn(MutableFields{ImmutableFields{s: s, txn: txn}}); err != nil {
			return err
		}
		if len(txn.mutations) == 0 {
			return nil
		}
		if _, err := s.changelog.Publish(Transaction{Mutations: txn.mutations}); err != nil {
			return fmt.Errorf("append to changelog: %w", err)
		}
		for _, m := range txn.mutations {
			s.apply(m)
		}
		return nil
	})
	return task.Wait()
}

// InternalExposeStream exposes the changelog stream; its size advances
// with every committed mutating transaction.
func (s *Store) InternalExposeStream() *stream.Stream[Transaction] {
	return s.changelog
}

// Close drains in-flight transactions and releases the changelog.
func (s *Store) Close() error {
	s.exec.StopAndWait()
	return s.changelog.Close()
}
