package karl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/karlfleet/karl/pkg/claire"
	"github.com/karlfleet/karl/pkg/fleetstore"
)

// CurrentStatus is the liveness verdict for one claire within the
// requested window.
type CurrentStatus struct {
	Kind                           string `json:"kind"` // "up" or "down"
	StartTimeEpochMicroseconds     int64  `json:"start_time_epoch_microseconds"`
	LastKeepalive                  string `json:"last_keepalive"`
	LastKeepaliveEpochMicroseconds int64  `json:"last_keepalive_epoch_microseconds"`
	Uptime                         string `json:"uptime"`
}

// ServiceToReport is one claire's blob in the status response.
type ServiceToReport struct {
	Currently                  CurrentStatus     `json:"currently"`
	Service                    string            `json:"service"`
	Codename                   string            `json:"codename"`
	Location                   claire.ServiceKey `json:"location"`
	Dependencies               []string          `json:"dependencies"`
	UnresolvedDependencies     []string          `json:"unresolved_dependencies,omitempty"`
	BuildTime                  string            `json:"build_time,omitempty"`
	BuildTimeEpochMicroseconds int64             `json:"build_time_epoch_microseconds,omitempty"`
	GitCommit                  string            `json:"git_commit,omitempty"`
	GitBranch                  string            `json:"git_branch,omitempty"`
	GitDirty                   bool              `json:"git_dirty,omitempty"`
	URLStatusPageDirect        string            `json:"url_status_page_direct"`
	URLStatusPageProxied       string            `json:"url_status_page_proxied,omitempty"`
	Runtime                    *claire.Runtime   `json:"runtime,omitempty"`
}

// MachineReport groups one machine's claires plus its clock-skew band.
type MachineReport struct {
	Services map[string]ServiceToReport `json:"services"`
	TimeSkew string                     `json:"time_skew,omitempty"`
}

// Status is the whole fleet report over one time window.
type Status struct {
	Now            int64                     `json:"now"`
	From           int64                     `json:"from"`
	To             int64                     `json:"to"`
	Machines       map[string]*MachineReport `json:"machines"`
	GenerationTime int64                     `json:"generation_time"`
}

// protoReport accumulates the newest in-window report per codename
// during stream replay, before the store join.
type protoReport struct {
	currently    CurrentStatus
	dependencies []claire.ServiceKey
	runtime      *claire.Runtime
}

func (k *Karl) serveStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := k.clock.Now().UnixMicro()
	from, to := parseWindow(q, now)
	timeout := k.cfg.ServiceTimeoutInterval.Microseconds()

	reportForCodename := map[string]protoReport{}
	codenamesPerService := map[string]map[string]bool{}
	serviceKeyIntoCodename := map[claire.ServiceKey]string{}

	p := k.keepalives.Persister()
	for e, err := range p.Iterate(0, p.Size()) {
		if err != nil {
			k.log.Error("status replay failed", "error", err)
			http.Error(w, "status replay failed", http.StatusInternalServerError)
			return
		}
		if e.EpochMicroseconds < from || e.EpochMicroseconds > to {
			continue
		}
		keepalive := e.Payload.Keepalive

		serviceKeyIntoCodename[e.Payload.Location] = keepalive.Codename
		if codenamesPerService[keepalive.Service] == nil {
			codenamesPerService[keepalive.Service] = map[string]bool{}
		}
		codenamesPerService[keepalive.Service][keepalive.Codename] = true

		age := now - e.EpochMicroseconds
		report := protoReport{dependencies: keepalive.Dependencies}
		if keepalive.Runtime != nil && !keepalive.Runtime.Empty() {
			report.runtime = keepalive.Runtime
		}
		currently := CurrentStatus{
			StartTimeEpochMicroseconds:     keepalive.StartTimeEpochMicroseconds,
			LastKeepalive:                  humanReadableInterval(age) + " ago",
			LastKeepaliveEpochMicroseconds: e.EpochMicroseconds,
		}
		if age < timeout {
			currently.Kind = "up"
			currently.Uptime = humanReadableInterval(keepalive.UptimeEpochMicroseconds + age)
		} else {
			currently.Kind = "down"
			currently.Uptime = keepalive.Uptime
		}
		report.currently = currently
		reportForCodename[keepalive.Codename] = report
	}

	activeOnly := q.Has("active_only")
	format := responseFormat(r)

	result := &Status{Now: now, From: from, To: to, Machines: map[string]*MachineReport{}}
	err := k.store.ReadOnlyTransaction(r.Context(), func(fields fleetstore.ImmutableFields) error {
		for service, codenames := range codenamesPerService {
			for codename := range codenames {
				report := reportForCodename[codename]

				location, resolved := claire.ServiceKey{}, false
				if record, ok := fields.Claire(codename); ok {
					location, resolved = record.Location, true
					if activeOnly && record.RegisteredState != fleetstore.Active {
						continue
					}
				}
				if !resolved {
					location = claire.ServiceKey{IP: "zombie/" + codename, Port: 0}
				}

				blob := ServiceToReport{
					Currently:           report.currently,
					Service:             service,
					Codename:            codename,
					Location:            location,
					URLStatusPageDirect: location.StatusPageURL(),
					Runtime:             report.runtime,
				}
				for _, dep := range report.dependencies {
					if depCodename, ok := serviceKeyIntoCodename[dep]; ok {
						blob.Dependencies = append(blob.Dependencies, depCodename)
					} else {
						blob.UnresolvedDependencies = append(blob.UnresolvedDependencies, dep.StatusPageURL())
					}
				}
				if build, ok := fields.Build(codename); ok {
					blob.BuildTime = build.Build.BuildTime
					blob.BuildTimeEpochMicroseconds = build.Build.BuildTimeEpochMicroseconds
					blob.GitCommit = build.Build.GitCommit
					blob.GitBranch = build.Build.GitBranch
					blob.GitDirty = len(build.Build.GitDirtyFiles) > 0
				}
				if k.cfg.Nginx.Enabled() {
					blob.URLStatusPageProxied = k.cfg.ExternalURL + k.cfg.Nginx.RoutePrefix + "/" + codename
				}

				machine := result.Machines[location.IP]
				if machine == nil {
					machine = &MachineReport{Services: map[string]ServiceToReport{}}
					result.Machines[location.IP] = machine
				}
				machine.Services[codename] = blob
			}
		}

		for ip, machine := range result.Machines {
			if server, ok := fields.Server(ip); ok {
				machine.TimeSkew = timeSkewBand(server.BehindThisBy)
			}
		}
		return nil
	})
	if err != nil {
		k.log.Error("status transaction failed", "error", err)
		http.Error(w, "status aggregation failed", http.StatusInternalServerError)
		return
	}
	result.GenerationTime = k.clock.Now().UnixMicro() - now

	statusRequestsTotal.WithLabelValues(string(format)).Inc()
	switch format {
	case formatJSONFull:
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	case formatDOT:
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		_, _ = w.Write([]byte(k.cfg.Renderer.AsDOT(result, k.cfg.SVGName, k.cfg.GithubRepoURL)))
	case formatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><head><link rel='icon' href='./favicon.png'></head><body>%s</body>",
			k.cfg.Renderer.AsSVG(result, k.cfg.SVGName, k.cfg.GithubRepoURL))
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

// parseWindow resolves the requested time window: explicit from/to in
// epoch µs, else one of m/h/d as float units back from now, defaulting
// to the last five minutes. interval_us pairs with from.
func parseWindow(q map[string][]string, now int64) (from, to int64) {
	get := func(key string) (string, bool) {
		if vs, ok := q[key]; ok && len(vs) > 0 {
			return vs[0], true
		}
		return "", false
	}

	from = now - 5*time.Minute.Microseconds()
	if v, ok := get("from"); ok {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = us
		}
	} else if v, ok := get("m"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			from = now - int64(f*60*1e6)
		}
	} else if v, ok := get("h"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			from = now - int64(f*60*60*1e6)
		}
	} else if v, ok := get("d"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			from = now - int64(f*24*60*60*1e6)
		}
	}

	to = now
	if v, ok := get("to"); ok {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = us
		}
	} else if v, ok := get("interval_us"); ok {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = from + us
		}
	}
	return from, to
}

type format string

const (
	formatJSONFull        format = "full"
	formatJSONMinimalistic format = "json"
	formatDOT             format = "dot"
	formatHTML            format = "html"
)

func responseFormat(r *http.Request) format {
	q := r.URL.Query()
	switch {
	case q.Has("full"):
		return formatJSONFull
	case q.Has("json"):
		return formatJSONMinimalistic
	case q.Has("dot"):
		return formatDOT
	}
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		if strings.TrimSpace(strings.Split(accept, ";")[0]) == "text/html" {
			return formatHTML
		}
	}
	return formatJSONMinimalistic
}

// timeSkewBand renders a server's skew for humans: anything under 100ms
// counts as NTP-synchronised.
func timeSkewBand(behindThisByUS int64) string {
	abs := behindThisByUS
	if abs < 0 {
		abs = -abs
	}
	if abs < 100_000 {
		return "NTP OK"
	}
	if behindThisByUS > 0 {
		return fmt.Sprintf("behind by %.1fs", float64(behindThisByUS)/1e6)
	}
	return fmt.Sprintf("ahead by %.1fs", float64(-behindThisByUS)/1e6)
}

// humanReadableInterval renders a µs interval with its two most
// significant units, e.g. "1d 4h", "2h 15m", "5m 30s", "12s".
func humanReadableInterval(us int64) string {
	if us < 0 {
		us = 0
	}
	seconds := us / 1e6
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// sortedCodenames is used by the renderer for stable output.
func sortedCodenames(services map[string]ServiceToReport) []string {
	out := make([]string, 0, len(services))
	for codename := range services {
		out = append(out, codename)
	}
	sort.Strings(out)
	return out
}
