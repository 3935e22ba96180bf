package karl

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v5"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/fleetstore"
	"github.com/karlfleet/karl/pkg/stream"
)

const maxKeepaliveBodySize = 1 << 20

// serve dispatches the base URL: GET is the status aggregation, POST is
// keepalive ingestion, DELETE is deregistration.
func (k *Karl) serve(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		k.serveStatus(w, r)
	case http.MethodPost:
		k.serveKeepalive(w, r)
	case http.MethodDelete:
		k.serveDeregister(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (k *Karl) serveDeregister(w http.ResponseWriter, r *http.Request) {
	codename := r.URL.Query().Get("codename")
	if codename == "" {
		fmt.Fprint(w, "NOP\n")
		return
	}

	err := k.store.ReadWriteTransaction(r.Context(), func(fields fleetstore.MutableFields) error {
		record, ok := fields.Claire(codename)
		if !ok {
			record = fleetstore.ClaireInfo{Codename: codename}
		}
		record.RegisteredState = fleetstore.Deregistered
		fields.AddClaire(record)
		return nil
	})
	if err != nil {
		k.log.Error("deregistration failed", "codename", codename, "error", err)
		http.Error(w, "deregistration failed", http.StatusInternalServerError)
		return
	}

	k.keepaliveMu.Lock()
	delete(k.keepaliveTimeCache, codename)
	k.keepaliveMu.Unlock()
	k.signalStateUpdate()

	deregistrationsTotal.Inc()
	fmt.Fprint(w, "OK\n")
}

func (k *Karl) serveKeepalive(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	q := r.URL.Query()

	// With `confirm` and `port`, the body is fetched back from the
	// claimed address instead of trusted from the request; this proves
	// two-way reachability.
	var body []byte
	var err error
	if q.Has("confirm") && q.Has("port") {
		body, err = k.confirmCallback(r, ip, q.Get("port"))
		if err != nil {
			k.log.Warn("keepalive confirmation callback failed",
				"ip", ip, "port", q.Get("port"), "error", err)
			keepaliveErrorsTotal.WithLabelValues("callback").Inc()
			http.Error(w, "Callback error.", http.StatusBadRequest)
			return
		}
	} else {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxKeepaliveBodySize))
		if err != nil {
			keepaliveErrorsTotal.WithLabelValues("read_body").Inc()
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
	}

	base, err := claire.ParseStatus(body)
	if err != nil {
		keepaliveErrorsTotal.WithLabelValues("parse").Inc()
		http.Error(w, "JSON parse error.", http.StatusBadRequest)
		return
	}
	if hint := q.Get("codename"); hint != "" && hint != base.Codename {
		keepaliveErrorsTotal.WithLabelValues("inconsistent").Inc()
		http.Error(w, "Inconsistent URL/body parameters.", http.StatusBadRequest)
		return
	}
	if hint := q.Get("port"); hint != "" {
		port, perr := strconv.ParseUint(hint, 10, 16)
		if perr != nil || uint16(port) != base.LocalPort {
			keepaliveErrorsTotal.WithLabelValues("inconsistent").Inc()
			http.Error(w, "Inconsistent URL/body parameters.", http.StatusBadRequest)
			return
		}
	}

	// Prefer the full status with the runtime variant; fall back to the
	// base status with an empty runtime if the richer parse fails.
	status, err := claire.ParseServiceStatus(body)
	if err != nil {
		status = claire.ServiceStatus{Status: base}
	}

	location := claire.ServiceKey{IP: ip, Port: base.LocalPort, Prefix: "/"}
	now := k.clock.Now().UnixMicro()

	// Claimed-roundtrip clock skew: how far the reporting machine is
	// behind this one, net of half the reported ping time.
	var behindThisBy *int64
	if base.LastSuccessfulPingEpochMicroseconds != nil {
		v := now - base.NowEpochMicroseconds - *base.LastSuccessfulPingEpochMicroseconds/2
		behindThisBy = &v
	}

	err = k.store.ReadWriteTransaction(r.Context(), func(fields fleetstore.MutableFields) error {
		if behindThisBy != nil {
			server, ok := fields.Server(location.IP)
			update := true
			if ok {
				delta := server.BehindThisBy - *behindThisBy
				if delta < 0 {
					delta = -delta
				}
				update = delta >= serverInfoSkewEpsilon.Microseconds()
			} else {
				server = fleetstore.ServerInfo{IP: location.IP}
			}
			if update {
				server.BehindThisBy = *behindThisBy
				fields.AddServer(server)
			}
		}

		if base.Build != nil {
			current, ok := fields.Build(base.Codename)
			if !ok || !current.Build.Equal(*base.Build) {
				fields.AddBuild(fleetstore.ClaireBuildInfo{Codename: base.Codename, Build: *base.Build})
			}
		}

		current, ok := fields.Claire(base.Codename)
		if !ok || current.Location != location || current.RegisteredState != fleetstore.Active {
			record := current
			record.Codename = base.Codename
			record.Service = base.Service
			record.Location = location
			record.ReportedTimestamp = now
			record.URLStatusPageDirect = location.StatusPageURL()
			record.RegisteredState = fleetstore.Active
			fields.AddClaire(record)
		}
		return nil
	})
	if err != nil {
		k.log.Error("keepalive transaction failed", "codename", base.Codename, "error", err)
		keepaliveErrorsTotal.WithLabelValues("transaction").Inc()
		http.Error(w, "Karl registration error.", http.StatusInternalServerError)
		return
	}

	// The keepalive is published only after the store transaction has
	// committed, so replaying the stream never gets ahead of the view.
	idxts, err := k.keepalives.Publish(claire.PersistedKeepalive{Location: location, Keepalive: status})
	if err != nil {
		if errors.Is(err, stream.ErrStreamInGracefulShutdown) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		k.log.Error("failed to persist keepalive", "codename", base.Codename, "error", err)
		keepaliveErrorsTotal.WithLabelValues("persist").Inc()
		http.Error(w, "Karl registration error.", http.StatusInternalServerError)
		return
	}

	k.latestMu.Lock()
	k.latestKeepaliveIdxPlusOne[base.Codename] = idxts.Index
	k.latestMu.Unlock()

	k.keepaliveMu.Lock()
	_, known := k.keepaliveTimeCache[base.Codename]
	k.keepaliveTimeCache[base.Codename] = now
	k.keepaliveMu.Unlock()
	// Wake the timeout loop only when the codename newly appears, so a
	// steady-state ping does not churn it.
	if !known {
		k.signalStateUpdate()
	}

	keepalivesTotal.WithLabelValues(base.Service).Inc()
	fmt.Fprint(w, "OK\n")
}

// confirmCallback fetches the keepalive body back from the reporting
// service's own status page, with a random cache-busting component.
func (k *Karl) confirmCallback(r *http.Request, ip, port string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%s/.current?all&rnd=%d", ip, port, rand.Int64N(1_000_000_000)+1_000_000_000)
	return backoff.Retry(r.Context(), func() ([]byte, error) {
		resp, err := k.cfg.CallbackClient.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("callback status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxKeepaliveBodySize))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
