package karl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/fleetstore"
	"github.com/karlfleet/karl/pkg/stream"
	"github.com/karlfleet/karl/pkg/stream/persist"
)

// Karl is the orchestrator. It owns two independent streams (the
// keepalive log and the store changelog, via the store) plus the caches
// the timeout loop and the snapshot endpoint work from.
type Karl struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	keepalives *stream.Stream[claire.PersistedKeepalive]
	store      *fleetstore.Store

	// codename -> epoch µs of the most recent keepalive. The timeout
	// loop partitions this map; ingest and DELETE update it.
	keepaliveMu        sync.Mutex
	keepaliveTimeCache map[string]int64

	// codename -> 1-based stream index of the most recent keepalive;
	// zero means "none known".
	latestMu                   sync.Mutex
	latestKeepaliveIdxPlusOne map[string]uint64

	// wake shortens the timeout loop's sleep when a new codename
	// appears or one is deregistered.
	wake chan struct{}

	proxy *proxySync

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the logs, reports the orchestrator as up, seeds the timeout
// cache from persisted Active claires, and starts the timeout loop.
func New(log *slog.Logger, cfg Config) (*Karl, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keepalives, err := openKeepaliveStream(log, cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(log, cfg)
	if err != nil {
		keepalives.Close()
		return nil, err
	}

	k := &Karl{
		log:                       log,
		cfg:                       cfg,
		clock:                     cfg.Clock,
		keepalives:                keepalives,
		store:                     store,
		keepaliveTimeCache:        make(map[string]int64),
		latestKeepaliveIdxPlusOne: make(map[string]uint64),
		wake:                      make(chan struct{}, 1),
	}
	k.proxy = newProxySync(k)

	// Report this orchestrator as up, and seed the timeout cache with
	// claires persisted as Active before a restart, so ones that never
	// report again are eventually flipped to DisconnectedByTimeout.
	now := k.clock.Now().UnixMicro()
	err = store.ReadWriteTransaction(context.Background(), func(fields fleetstore.MutableFields) error {
		self := fleetstore.KarlInfo{Timestamp: now, Up: true}
		if last, ok := keepalives.Persister().LastPublishedIndexAndTimestamp(); ok {
			self.PersistedKeepalivesInfo = &last
		}
		fields.AddKarl(self)

		fields.EachClaire(func(c fleetstore.ClaireInfo) bool {
			if c.RegisteredState == fleetstore.Active {
				k.keepaliveTimeCache[c.Codename] = now
			}
			return true
		})
		return nil
	})
	if err != nil {
		store.Close()
		keepalives.Close()
		return nil, fmt.Errorf("record orchestrator startup: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.wg.Add(1)
	go k.stateUpdateLoop(ctx)

	log.Info("orchestrator up",
		"port", cfg.Port,
		"timeout", cfg.ServiceTimeoutInterval,
		"keepalives", keepalives.Size(),
		"nginx", cfg.Nginx.Enabled())
	return k, nil
}

func openKeepaliveStream(log *slog.Logger, cfg Config) (*stream.Stream[claire.PersistedKeepalive], error) {
	sc := stream.Config[claire.PersistedKeepalive]{Name: "keepalives", Clock: cfg.Clock}
	if cfg.KeepalivesFile != "" {
		p, err := persist.OpenFile[claire.PersistedKeepalive](cfg.KeepalivesFile)
		if err != nil {
			return nil, err
		}
		sc.Persister = p
	} else {
		sc.Persister = persist.NewMemory[claire.PersistedKeepalive]()
	}
	return stream.New(log, sc)
}

func openStore(log *slog.Logger, cfg Config) (*fleetstore.Store, error) {
	if cfg.StoreFile != "" {
		return fleetstore.OpenFile(log, cfg.StoreFile, cfg.Clock)
	}
	return fleetstore.Open(log, fleetstore.Config{
		Persister: persist.NewMemory[fleetstore.Transaction](),
		Clock:     cfg.Clock,
	})
}

// Register mounts the orchestrator's HTTP surface on mux.
func (k *Karl) Register(mux *http.ServeMux) {
	prefix := k.cfg.URLPrefix
	mux.HandleFunc(prefix+"build/", k.serveBuild)
	mux.HandleFunc(prefix+"snapshot/", k.serveSnapshot)
	mux.HandleFunc(prefix+"favicon.png", k.serveFavicon)
	mux.HandleFunc(prefix, k.serve)
}

// KeepaliveStream exposes the keepalive stream, e.g. to mount its HTTP
// surface or to attach replicators.
func (k *Karl) KeepaliveStream() *stream.Stream[claire.PersistedKeepalive] {
	return k.keepalives
}

// Store exposes the fleet store.
func (k *Karl) Store() *fleetstore.Store { return k.store }

// ActiveServicesCount returns the number of codenames currently in the
// keepalive cache.
func (k *Karl) ActiveServicesCount() int {
	k.keepaliveMu.Lock()
	defer k.keepaliveMu.Unlock()
	return len(k.keepaliveTimeCache)
}

// Close stops the timeout loop, records the orchestrator as down, and
// releases both logs.
func (k *Karl) Close() error {
	k.cancel()
	k.signalStateUpdate()
	k.wg.Wait()

	err := k.store.ReadWriteTransaction(context.Background(), func(fields fleetstore.MutableFields) error {
		fields.AddKarl(fleetstore.KarlInfo{Timestamp: k.clock.Now().UnixMicro(), Up: false})
		return nil
	})
	if err != nil {
		k.log.Error("failed to record orchestrator shutdown", "error", err)
	}

	serr := k.store.Close()
	kerr := k.keepalives.Close()
	if serr != nil {
		return serr
	}
	return kerr
}

// signalStateUpdate nudges the timeout loop; it never blocks.
func (k *Karl) signalStateUpdate() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// stateUpdateLoop flips silent claires to DisconnectedByTimeout and
// keeps the proxy config in step with the store. It sleeps until the
// most recent cached keepalive would time out; new codenames and
// deregistrations shorten the sleep via the wake channel.
func (k *Karl) stateUpdateLoop(ctx context.Context) {
	defer k.wg.Done()

	timeout := k.cfg.ServiceTimeoutInterval.Microseconds()
	for {
		now := k.clock.Now().UnixMicro()

		var timedOut []string
		var mostRecent int64
		k.keepaliveMu.Lock()
		for codename, last := range k.keepaliveTimeCache {
			if now-last > timeout {
				timedOut = append(timedOut, codename)
				delete(k.keepaliveTimeCache, codename)
			} else if last > mostRecent {
				mostRecent = last
			}
		}
		k.keepaliveMu.Unlock()

		if len(timedOut) > 0 {
			k.flipTimedOut(ctx, timedOut)
		}
		k.proxy.updateIfNeeded(ctx)

		var wakeAfter <-chan time.Time
		if mostRecent != 0 {
			wait := k.cfg.ServiceTimeoutInterval - time.Duration(k.clock.Now().UnixMicro()-mostRecent)*time.Microsecond
			if wait < 0 {
				wait = 0
			}
			wakeAfter = k.clock.After(wait + time.Microsecond)
		}

		select {
		case <-ctx.Done():
			return
		case <-k.wake:
		case <-wakeAfter:
		}
	}
}

func (k *Karl) flipTimedOut(ctx context.Context, codenames []string) {
	err := k.store.ReadWriteTransaction(ctx, func(fields fleetstore.MutableFields) error {
		for _, codename := range codenames {
			record, ok := fields.Claire(codename)
			if !ok {
				record = fleetstore.ClaireInfo{Codename: codename}
			}
			record.RegisteredState = fleetstore.DisconnectedByTimeout
			fields.AddClaire(record)
		}
		return nil
	})
	if err != nil {
		k.log.Error("failed to mark timed-out claires", "codenames", codenames, "error", err)
		return
	}
	timeoutsTotal.Add(float64(len(codenames)))
	k.log.Info("claires disconnected by timeout", "codenames", strings.Join(codenames, ","))
}
