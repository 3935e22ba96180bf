// Package nginx emits reverse-proxy server directives for the fleet and
// hands them to a config writer that owns the actual file and reload.
package nginx

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

var (
	// ErrNotAvailable: a config file was configured but no nginx is
	// reachable to reload it.
	ErrNotAvailable = errors.New("nginx requested but not available")

	// ErrInvalidPort: a config file was configured with port 0.
	ErrInvalidPort = errors.New("nginx parameters carry an invalid port")
)

// Parameters configures the proxy surface.
type Parameters struct {
	Port        uint16 `yaml:"port"`
	ConfigFile  string `yaml:"config_file"`
	RoutePrefix string `yaml:"route_prefix"`
}

// Enabled reports whether a config file is configured at all.
func (p Parameters) Enabled() bool { return p.ConfigFile != "" }

// Location is one proxy_pass route of a server directive.
type Location struct {
	Route     string
	ProxyPass string
}

// ServerDirective is one emitted `server` block.
type ServerDirective struct {
	Port      uint16
	locations []Location
}

// NewServerDirective returns an empty server block listening on port.
func NewServerDirective(port uint16) *ServerDirective {
	return &ServerDirective{Port: port}
}

// CreateProxyPassLocation adds one route.
func (d *ServerDirective) CreateProxyPassLocation(route, proxyPass string) {
	d.locations = append(d.locations, Location{Route: route, ProxyPass: proxyPass})
}

// Render emits the nginx config text. Routes are sorted so the output is
// deterministic for identical fleet state.
func (d *ServerDirective) Render() string {
	locations := make([]Location, len(d.locations))
	copy(locations, d.locations)
	sort.Slice(locations, func(i, j int) bool { return locations[i].Route < locations[j].Route })

	var b strings.Builder
	fmt.Fprintf(&b, "server {\n  listen %d;\n", d.Port)
	for _, l := range locations {
		fmt.Fprintf(&b, "  location %s {\n    proxy_pass %s;\n  }\n", l.Route, l.ProxyPass)
	}
	b.WriteString("}\n")
	return b.String()
}

// Writer owns the config file and the reload mechanism.
type Writer interface {
	// Available reports whether an nginx can be driven at all.
	Available() bool

	// UpdateConfig writes the directive and triggers a reload.
	UpdateConfig(d *ServerDirective) error
}

// FileWriter writes the rendered directive to a file and reloads nginx
// with `nginx -s reload`.
type FileWriter struct {
	Path string

	// Reload overrides the reload command; used by tests.
	Reload func() error
}

func (w *FileWriter) Available() bool {
	_, err := exec.LookPath("nginx")
	return err == nil
}

func (w *FileWriter) UpdateConfig(d *ServerDirective) error {
	if err := os.WriteFile(w.Path, []byte(d.Render()), 0o644); err != nil {
		return fmt.Errorf("write nginx config %s: %w", w.Path, err)
	}
	reload := w.Reload
	if reload == nil {
		reload = func() error { return exec.Command("nginx", "-s", "reload").Run() }
	}
	if err := reload(); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	return nil
}
