// Package fleetstore keeps the materialised view of the fleet: claire
// records, build metadata, per-server clock skew, and the orchestrator's
// own lifecycle log. Every committed mutation is appended to a changelog
// stream; reopening the store replays the changelog to reconstruct the
// in-memory state.
package fleetstore

import (
	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/stream/persist"
)

// RegisteredState is the lifecycle state of one claire.
type RegisteredState string

const (
	// Active: a valid keepalive has been seen and no timeout or explicit
	// deregistration has happened since.
	Active RegisteredState = "Active"
	// DisconnectedByTimeout: the timeout loop flipped the claire after a
	// silent period.
	DisconnectedByTimeout RegisteredState = "DisconnectedByTimeout"
	// Deregistered: the claire was removed by an explicit DELETE.
	Deregistered RegisteredState = "Deregistered"
)

// ClaireInfo is the fleet-view record of one claire, keyed by codename.
type ClaireInfo struct {
	Codename            string            `json:"codename"`
	Service             string            `json:"service"`
	Location            claire.ServiceKey `json:"location"`
	ReportedTimestamp   int64             `json:"reported_timestamp"`
	URLStatusPageDirect string            `json:"url_status_page_direct"`
	RegisteredState     RegisteredState   `json:"registered_state"`
}

// ClaireBuildInfo is a claire's build metadata, keyed by codename.
type ClaireBuildInfo struct {
	Codename string           `json:"codename"`
	Build    claire.BuildInfo `json:"build"`
}

// ServerInfo is per-server clock skew, keyed by IP: how far that machine
// is behind this orchestrator, in microseconds; negative means ahead.
type ServerInfo struct {
	IP           string `json:"ip"`
	BehindThisBy int64  `json:"behind_this_by"`
}

// KarlInfo is one record of the orchestrator's append-only lifecycle
// log.
type KarlInfo struct {
	Timestamp               int64          `json:"timestamp"`
	Up                      bool           `json:"up"`
	PersistedKeepalivesInfo *persist.IdxTs `json:"persisted_keepalives_info,omitempty"`
}
