package karl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/fleetstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClock() *clockwork.FakeClock {
	return clockwork.NewFakeClock()
}

func newTestKarl(t *testing.T, clk clockwork.Clock, timeout time.Duration) (*Karl, *http.ServeMux) {
	t.Helper()
	k, err := New(testLogger(), Config{
		Port:                   7576,
		ServiceTimeoutInterval: timeout,
		Clock:                  clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	mux := http.NewServeMux()
	k.Register(mux)
	return k, mux
}

func keepalive(codename string, nowUS int64) claire.ServiceStatus {
	return claire.ServiceStatus{Status: claire.Status{
		Codename:                codename,
		Service:                 "svc",
		LocalPort:               9000,
		NowEpochMicroseconds:    nowUS,
		Uptime:                  "5m 0s",
		UptimeEpochMicroseconds: 5 * time.Minute.Microseconds(),
		Dependencies:            []claire.ServiceKey{},
	}}
}

func postKeepalive(t *testing.T, mux *http.ServeMux, ip string, status claire.ServiceStatus) {
	t.Helper()
	body, err := json.Marshal(status)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = ip + ":40100"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "OK\n", rr.Body.String())
}

func getStatus(t *testing.T, mux *http.ServeMux, query string) Status {
	t.Helper()
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/"+query, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var s Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
	return s
}

func claireState(t *testing.T, k *Karl, codename string) (fleetstore.ClaireInfo, bool) {
	t.Helper()
	var record fleetstore.ClaireInfo
	var found bool
	require.NoError(t, k.store.ReadOnlyTransaction(context.Background(),
		func(fields fleetstore.ImmutableFields) error {
			record, found = fields.Claire(codename)
			return nil
		}))
	return record, found
}

func TestKarl_KeepaliveBringsClaireActive(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	k, mux := newTestKarl(t, clk, 45*time.Second)

	status := keepalive("alpha", clk.Now().UnixMicro())
	status.Build = &claire.BuildInfo{GitCommit: "abc"}
	postKeepalive(t, mux, "1.2.3.4", status)

	record, found := claireState(t, k, "alpha")
	require.True(t, found)
	require.Equal(t, fleetstore.Active, record.RegisteredState)
	require.Equal(t, "1.2.3.4", record.Location.IP)
	require.Equal(t, uint16(9000), record.Location.Port)
	require.Equal(t, "http://1.2.3.4:9000/.current", record.URLStatusPageDirect)

	report := getStatus(t, mux, "")
	machine := report.Machines["1.2.3.4"]
	require.NotNil(t, machine)
	blob, ok := machine.Services["alpha"]
	require.True(t, ok)
	require.Equal(t, "up", blob.Currently.Kind)
	require.Equal(t, "svc", blob.Service)
	require.Equal(t, "abc", blob.GitCommit)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/build/alpha", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var build fleetstore.ClaireBuildInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &build))
	require.Equal(t, "abc", build.Build.GitCommit)
}

func TestKarl_SilentClaireIsDisconnectedByTimeout(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	k, mux := newTestKarl(t, clk, time.Second)

	postKeepalive(t, mux, "1.2.3.4", keepalive("alpha", clk.Now().UnixMicro()))

	// The loop is now asleep until the earliest possible timeout; two
	// silent seconds later it must flip the claire.
	clk.BlockUntil(1)
	clk.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		record, found := claireState(t, k, "alpha")
		return found && record.RegisteredState == fleetstore.DisconnectedByTimeout
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, 0, k.ActiveServicesCount())

	report := getStatus(t, mux, "?active_only")
	if machine := report.Machines["1.2.3.4"]; machine != nil {
		_, ok := machine.Services["alpha"]
		require.False(t, ok)
	}

	// A fresh keepalive brings it straight back.
	postKeepalive(t, mux, "1.2.3.4", keepalive("alpha", clk.Now().UnixMicro()))
	record, found := claireState(t, k, "alpha")
	require.True(t, found)
	require.Equal(t, fleetstore.Active, record.RegisteredState)
}

func TestKarl_DeleteDeregistersClaire(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	k, mux := newTestKarl(t, clk, 45*time.Second)

	postKeepalive(t, mux, "1.2.3.4", keepalive("alpha", clk.Now().UnixMicro()))
	require.Equal(t, 1, k.ActiveServicesCount())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/?codename=alpha", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK\n", rr.Body.String())

	record, found := claireState(t, k, "alpha")
	require.True(t, found)
	require.Equal(t, fleetstore.Deregistered, record.RegisteredState)
	require.Equal(t, 0, k.ActiveServicesCount())
}

func TestKarl_DeleteWithoutCodenameIsNOP(t *testing.T) {
	t.Parallel()

	_, mux := newTestKarl(t, clockwork.NewFakeClock(), 45*time.Second)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "NOP\n", rr.Body.String())
}

func TestKarl_SnapshotReturnsLatestKeepalive(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.UnixMicro(1000))
	_, mux := newTestKarl(t, clk, 45*time.Second)

	postKeepalive(t, mux, "1.2.3.4", keepalive("beta", 1000))
	clk.Advance(time.Millisecond) // now 2000µs
	postKeepalive(t, mux, "1.2.3.4", keepalive("beta", 2000))
	clk.Advance(500 * time.Microsecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/snapshot/beta", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap SnapshotOfKeepalive
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, int64(2000), snap.Keepalive.NowEpochMicroseconds)
	require.Equal(t, int64(2000)-clk.Now().UnixMicro(), snap.AgeUS)
	require.Negative(t, snap.AgeUS)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/snapshot/gamma", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "gamma")
}

func TestKarl_SnapshotNoBuildStripsBuild(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	_, mux := newTestKarl(t, clk, 45*time.Second)

	status := keepalive("beta", clk.Now().UnixMicro())
	status.Build = &claire.BuildInfo{GitCommit: "abc"}
	postKeepalive(t, mux, "1.2.3.4", status)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/snapshot/beta?nobuild", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap SnapshotOfKeepalive
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Nil(t, snap.Keepalive.Build)
}

func TestKarl_TimeSkewBands(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	_, mux := newTestKarl(t, clk, 45*time.Second)

	ping := int64(0)
	nowUS := clk.Now().UnixMicro()

	// The machine's own clock reads 3.2s in the past.
	status := keepalive("alpha", nowUS-3_200_000)
	status.LastSuccessfulPingEpochMicroseconds = &ping
	postKeepalive(t, mux, "1.2.3.4", status)

	report := getStatus(t, mux, "")
	require.NotNil(t, report.Machines["1.2.3.4"])
	require.Equal(t, "behind by 3.2s", report.Machines["1.2.3.4"].TimeSkew)

	// A synchronised report flips the band to NTP OK.
	status = keepalive("alpha", clk.Now().UnixMicro())
	status.LastSuccessfulPingEpochMicroseconds = &ping
	postKeepalive(t, mux, "1.2.3.4", status)

	report = getStatus(t, mux, "")
	require.Equal(t, "NTP OK", report.Machines["1.2.3.4"].TimeSkew)
}

func TestKarl_IngestRejectsMalformedAndInconsistentRequests(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	_, mux := newTestKarl(t, clk, 45*time.Second)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	req.RemoteAddr = "1.2.3.4:40100"
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "JSON parse error")

	body, err := json.Marshal(keepalive("alpha", clk.Now().UnixMicro()))
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/?codename=bravo", bytes.NewReader(body))
	req.RemoteAddr = "1.2.3.4:40100"
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Inconsistent URL/body parameters")

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/?port=1234", bytes.NewReader(body))
	req.RemoteAddr = "1.2.3.4:40100"
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestKarl_ConfirmationCallbackFetchesBodyFromClaire(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	k, mux := newTestKarl(t, clk, 45*time.Second)

	var payload atomic.Pointer[[]byte]
	var seenPath atomic.Pointer[string]
	claireSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.RequestURI()
		seenPath.Store(&uri)
		_, _ = w.Write(*payload.Load())
	}))
	defer claireSrv.Close()

	host := claireSrv.Listener.Addr().String()
	_, port, ok := strings.Cut(host, ":")
	require.True(t, ok)

	// The claire's own port hint has to match the body.
	status := keepalive("echo", clk.Now().UnixMicro())
	_, err := fmt.Sscanf(port, "%d", &status.LocalPort)
	require.NoError(t, err)
	body, err := json.Marshal(status)
	require.NoError(t, err)
	payload.Store(&body)

	req := httptest.NewRequest(http.MethodPost, "/?confirm&port="+port, nil)
	req.RemoteAddr = "127.0.0.1:40100"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	record, found := claireState(t, k, "echo")
	require.True(t, found)
	require.Equal(t, fleetstore.Active, record.RegisteredState)

	uri := seenPath.Load()
	require.NotNil(t, uri)
	require.Contains(t, *uri, "/.current")
	require.Contains(t, *uri, "rnd")
}

func TestKarl_BuildForUnknownCodenameIs404(t *testing.T) {
	t.Parallel()

	_, mux := newTestKarl(t, clockwork.NewFakeClock(), 45*time.Second)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/build/nobody", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp.Error, "nobody")
}

func TestKarl_LifecycleRecordsStartupAndShutdown(t *testing.T) {
	t.Parallel()

	k, err := New(testLogger(), Config{Port: 7576, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	var karlLog []fleetstore.KarlInfo
	require.NoError(t, k.store.ReadOnlyTransaction(context.Background(),
		func(fields fleetstore.ImmutableFields) error {
			karlLog = fields.KarlLog()
			return nil
		}))
	require.Len(t, karlLog, 1)
	require.True(t, karlLog[0].Up)

	require.NoError(t, k.Close())
}

func TestKarl_FaviconServesPNG(t *testing.T) {
	t.Parallel()

	_, mux := newTestKarl(t, clockwork.NewFakeClock(), 45*time.Second)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/favicon.png", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")))
}
