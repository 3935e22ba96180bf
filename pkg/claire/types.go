// Package claire defines the wire types a worker process reports about
// itself: its address, identity, uptime, build metadata, and an optional
// service-specific runtime payload.
package claire

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ServiceKey addresses a worker's status page.
type ServiceKey struct {
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	Prefix string `json:"prefix"`
}

// StatusPageURL returns the direct URL of the worker's status page.
func (k ServiceKey) StatusPageURL() string {
	return fmt.Sprintf("http://%s:%d%s.current", k.IP, k.Port, k.Prefix)
}

// BuildInfo is the build metadata a worker was compiled with.
type BuildInfo struct {
	BuildTime                  string   `json:"build_time,omitempty"`
	BuildTimeEpochMicroseconds int64    `json:"build_time_epoch_microseconds,omitempty"`
	GitCommit                  string   `json:"git_commit,omitempty"`
	GitBranch                  string   `json:"git_branch,omitempty"`
	GitDirtyFiles              []string `json:"git_dirty_files,omitempty"`
	Compiler                   string   `json:"compiler,omitempty"`
}

// Equal reports whether two build infos describe the same build.
func (b BuildInfo) Equal(other BuildInfo) bool {
	return b.BuildTime == other.BuildTime &&
		b.BuildTimeEpochMicroseconds == other.BuildTimeEpochMicroseconds &&
		b.GitCommit == other.GitCommit &&
		b.GitBranch == other.GitBranch &&
		b.Compiler == other.Compiler &&
		slices.Equal(b.GitDirtyFiles, other.GitDirtyFiles)
}

// Status is the base keepalive payload every worker reports.
type Status struct {
	Codename                            string       `json:"codename"`
	Service                             string       `json:"service"`
	LocalPort                           uint16       `json:"local_port"`
	NowEpochMicroseconds                int64        `json:"now"`
	StartTimeEpochMicroseconds          int64        `json:"start_time_epoch_microseconds"`
	Uptime                              string       `json:"uptime"`
	UptimeEpochMicroseconds             int64        `json:"uptime_epoch_microseconds"`
	LastSuccessfulPingEpochMicroseconds *int64       `json:"last_successful_ping_epoch_microseconds,omitempty"`
	Dependencies                        []ServiceKey `json:"dependencies"`
	Build                               *BuildInfo   `json:"build,omitempty"`
}

// ServiceStatus is the full keepalive payload: the base status plus the
// worker-specific runtime variant. A payload whose runtime tag is unknown
// still parses; the runtime is simply left empty.
type ServiceStatus struct {
	Status
	Runtime *Runtime `json:"runtime,omitempty"`
}

// PersistedKeepalive is one entry of the keepalive stream: where the
// report came from and what it said.
type PersistedKeepalive struct {
	Location  ServiceKey    `json:"location"`
	Keepalive ServiceStatus `json:"keepalive"`
}

// ParseStatus decodes the base keepalive payload.
func ParseStatus(body []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(body, &s); err != nil {
		return Status{}, fmt.Errorf("parse claire status: %w", err)
	}
	if s.Codename == "" {
		return Status{}, fmt.Errorf("parse claire status: missing codename")
	}
	return s, nil
}

// ParseServiceStatus decodes the full keepalive payload including the
// runtime variant.
func ParseServiceStatus(body []byte) (ServiceStatus, error) {
	var s ServiceStatus
	if err := json.Unmarshal(body, &s); err != nil {
		return ServiceStatus{}, fmt.Errorf("parse claire service status: %w", err)
	}
	if s.Codename == "" {
		return ServiceStatus{}, fmt.Errorf("parse claire service status: missing codename")
	}
	return s, nil
}
