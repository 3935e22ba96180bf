package fleetstore

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/stream/persist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testLogger(), Config{Persister: persist.NewMemory[Transaction]()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func activeClaire(codename string) ClaireInfo {
	location := claire.ServiceKey{IP: "10.0.0.1", Port: 9000, Prefix: "/"}
	return ClaireInfo{
		Codename:            codename,
		Service:             "svc",
		Location:            location,
		URLStatusPageDirect: location.StatusPageURL(),
		RegisteredState:     Active,
	}
}

func TestFleetStore_CommittedWritesAreVisible(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx := context.Background()

	err := s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		fields.AddClaire(activeClaire("alpha"))
		fields.AddBuild(ClaireBuildInfo{Codename: "alpha", Build: claire.BuildInfo{GitCommit: "abc"}})
		fields.AddServer(ServerInfo{IP: "10.0.0.1", BehindThisBy: 1500})
		fields.AddKarl(KarlInfo{Timestamp: 1, Up: true})
		return nil
	})
	require.NoError(t, err)

	var (
		record       ClaireInfo
		build        ClaireBuildInfo
		server       ServerInfo
		karlLog      []KarlInfo
		foundRecords [3]bool
	)
	err = s.ReadOnlyTransaction(ctx, func(fields ImmutableFields) error {
		record, foundRecords[0] = fields.Claire("alpha")
		build, foundRecords[1] = fields.Build("alpha")
		server, foundRecords[2] = fields.Server("10.0.0.1")
		karlLog = fields.KarlLog()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [3]bool{true, true, true}, foundRecords)
	require.Equal(t, Active, record.RegisteredState)
	require.Equal(t, "abc", build.Build.GitCommit)
	require.Equal(t, int64(1500), server.BehindThisBy)
	require.Len(t, karlLog, 1)
	require.True(t, karlLog[0].Up)

	// One committed transaction, one changelog entry.
	require.Equal(t, uint64(1), s.InternalExposeStream().Size())
}

func TestFleetStore_FailedTransactionRollsBack(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		fields.AddClaire(activeClaire("alpha"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	var found bool
	err = s.ReadOnlyTransaction(ctx, func(fields ImmutableFields) error {
		_, found = fields.Claire("alpha")
		return nil
	})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, uint64(0), s.InternalExposeStream().Size())
}

func TestFleetStore_TransactionSeesItsOwnStagedWrites(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx := context.Background()

	err := s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		fields.AddClaire(activeClaire("alpha"))

		record, ok := fields.Claire("alpha")
		if !ok {
			return errors.New("staged write not visible inside its own transaction")
		}
		record.RegisteredState = Deregistered
		fields.AddClaire(record)
		return nil
	})
	require.NoError(t, err)

	var record ClaireInfo
	var found bool
	err = s.ReadOnlyTransaction(ctx, func(fields ImmutableFields) error {
		record, found = fields.Claire("alpha")
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, Deregistered, record.RegisteredState)
}

func TestFleetStore_EmptyTransactionAppendsNothing(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	err := s.ReadWriteTransaction(context.Background(), func(MutableFields) error { return nil })
	require.NoError(t, err)
	require.Equal(t, uint64(0), s.InternalExposeStream().Size())
}

type storeDump struct {
	Claires map[string]ClaireInfo
	Builds  map[string]ClaireBuildInfo
	Servers map[string]ServerInfo
	Karl    []KarlInfo
}

func dump(t *testing.T, s *Store) storeDump {
	t.Helper()
	d := storeDump{
		Claires: map[string]ClaireInfo{},
		Builds:  map[string]ClaireBuildInfo{},
		Servers: map[string]ServerInfo{},
	}
	err := s.ReadOnlyTransaction(context.Background(), func(fields ImmutableFields) error {
		fields.EachClaire(func(c ClaireInfo) bool {
			d.Claires[c.Codename] = c
			if b, ok := fields.Build(c.Codename); ok {
				d.Builds[c.Codename] = b
			}
			if srv, ok := fields.Server(c.Location.IP); ok {
				d.Servers[srv.IP] = srv
			}
			return true
		})
		d.Karl = fields.KarlLog()
		return nil
	})
	require.NoError(t, err)
	return d
}

func TestFleetStore_ChangelogReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "changelog.json")
	ctx := context.Background()

	s, err := OpenFile(testLogger(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		fields.AddClaire(activeClaire("alpha"))
		fields.AddBuild(ClaireBuildInfo{Codename: "alpha", Build: claire.BuildInfo{GitCommit: "abc"}})
		fields.AddKarl(KarlInfo{Timestamp: 1, Up: true})
		return nil
	}))
	require.NoError(t, s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		record, _ := fields.Claire("alpha")
		record.RegisteredState = DisconnectedByTimeout
		fields.AddClaire(record)
		fields.AddServer(ServerInfo{IP: "10.0.0.1", BehindThisBy: -42})
		return nil
	}))
	want := dump(t, s)
	require.NoError(t, s.Close())

	// Replaying the same changelog from scratch, twice, lands on the
	// same state both times.
	for range 2 {
		reopened, err := OpenFile(testLogger(), path, nil)
		require.NoError(t, err)
		got := dump(t, reopened)
		require.Empty(t, cmp.Diff(want, got))
		require.NoError(t, reopened.Close())
	}
}

func TestFleetStore_ContextCancellationFailsTransaction(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.ReadWriteTransaction(ctx, func(fields MutableFields) error {
		fields.AddClaire(activeClaire("alpha"))
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
