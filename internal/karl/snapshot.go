package karl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/fleetstore"
)

// errorResponse is the JSON body of 4xx/5xx answers on the typed
// endpoints.
type errorResponse struct {
	Error string `json:"error"`
}

// SnapshotOfKeepalive is the /snapshot response: the latest persisted
// keepalive of one codename, with its age relative to now (negative, as
// the entry necessarily precedes the request).
type SnapshotOfKeepalive struct {
	AgeUS     int64                `json:"age_us"`
	Keepalive claire.ServiceStatus `json:"keepalive"`
}

func (k *Karl) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathArg extracts the single path element after the given route prefix.
func (k *Karl) pathArg(r *http.Request, route string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, k.cfg.URLPrefix+route), "/")
}

func (k *Karl) serveBuild(w http.ResponseWriter, r *http.Request) {
	codename := k.pathArg(r, "build")
	if codename == "" {
		k.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Codename missing."})
		return
	}

	var build fleetstore.ClaireBuildInfo
	var found bool
	err := k.store.ReadOnlyTransaction(r.Context(), func(fields fleetstore.ImmutableFields) error {
		build, found = fields.Build(codename)
		return nil
	})
	if err != nil {
		http.Error(w, "build lookup failed", http.StatusInternalServerError)
		return
	}
	if !found {
		k.writeJSON(w, http.StatusNotFound,
			errorResponse{Error: fmt.Sprintf("Codename '%s' not found.", codename)})
		return
	}
	k.writeJSON(w, http.StatusOK, build)
}

func (k *Karl) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	codename := k.pathArg(r, "snapshot")
	if codename == "" {
		k.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Codename missing."})
		return
	}

	k.latestMu.Lock()
	index := k.latestKeepaliveIdxPlusOne[codename]
	k.latestMu.Unlock()

	p := k.keepalives.Persister()
	if index == 0 {
		// Cache miss (e.g. after a restart): scan the whole log, then
		// back-fill the cache without ever moving it backwards.
		for e, err := range p.Iterate(0, p.Size()) {
			if err != nil {
				http.Error(w, "snapshot scan failed", http.StatusInternalServerError)
				return
			}
			if e.Payload.Keepalive.Codename == codename {
				index = e.Index
			}
		}
		if index != 0 {
			k.latestMu.Lock()
			if index > k.latestKeepaliveIdxPlusOne[codename] {
				k.latestKeepaliveIdxPlusOne[codename] = index
			}
			k.latestMu.Unlock()
		}
	}

	if index == 0 {
		k.writeJSON(w, http.StatusNotFound,
			errorResponse{Error: fmt.Sprintf("No keepalives from '%s' have been received.", codename)})
		return
	}

	for e, err := range p.Iterate(index-1, index) {
		if err != nil {
			http.Error(w, "snapshot read failed", http.StatusInternalServerError)
			return
		}
		keepalive := e.Payload.Keepalive
		if r.URL.Query().Has("nobuild") {
			keepalive.Build = nil
		}
		k.writeJSON(w, http.StatusOK, SnapshotOfKeepalive{
			AgeUS:     e.EpochMicroseconds - k.clock.Now().UnixMicro(),
			Keepalive: keepalive,
		})
		return
	}
	k.writeJSON(w, http.StatusNotFound,
		errorResponse{Error: fmt.Sprintf("No keepalives from '%s' have been received.", codename)})
}

// faviconPNG is a 1x1 transparent PNG.
var faviconPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x60, 0x60, 0x60, 0x60,
	0x00, 0x00, 0x00, 0x05, 0x00, 0x01, 0x87, 0xa1, 0x4e, 0xd4, 0x00, 0x00,
	0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func (k *Karl) serveFavicon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(faviconPNG)
}
