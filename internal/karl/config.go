// Package karl is the fleet-keepalive orchestrator: it ingests keepalive
// reports from claires, persists each one to an append-only stream,
// maintains the transactional fleet view, times out silent claires, and
// serves status aggregations over HTTP.
package karl

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/karlfleet/karl/internal/nginx"
)

const (
	defaultURLPrefix              = "/"
	defaultSVGName                = "Karl"
	defaultServiceTimeoutInterval = 45 * time.Second
	defaultNginxRoutePrefix       = "/live"
	defaultCallbackTimeout        = 5 * time.Second

	// Skew deltas below this threshold do not rewrite the server record.
	serverInfoSkewEpsilon = 50 * time.Millisecond
)

// Config configures the orchestrator.
type Config struct {
	// Port is the port the HTTP surface is served on; it shapes the
	// default external URL and the proxy pass-through.
	Port uint16

	// KeepalivesFile and StoreFile are the two append-only logs. Empty
	// values select in-memory logs (tests, ephemeral runs).
	KeepalivesFile string
	StoreFile      string

	// Optional configuration.
	URLPrefix              string
	ExternalURL            string
	SVGName                string
	GithubRepoURL          string
	ServiceTimeoutInterval time.Duration
	Nginx                  nginx.Parameters
	NginxWriter            nginx.Writer
	Clock                  clockwork.Clock
	CallbackClient         *http.Client
	Renderer               Renderer
}

func (c *Config) Validate() error {
	if c.Port == 0 {
		return errors.New("port is required")
	}

	// Optional configuration.
	if c.URLPrefix == "" {
		c.URLPrefix = defaultURLPrefix
	}
	if c.ExternalURL == "" {
		c.ExternalURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.SVGName == "" {
		c.SVGName = defaultSVGName
	}
	if c.ServiceTimeoutInterval <= 0 {
		c.ServiceTimeoutInterval = defaultServiceTimeoutInterval
	}
	if c.Nginx.RoutePrefix == "" {
		c.Nginx.RoutePrefix = defaultNginxRoutePrefix
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CallbackClient == nil {
		c.CallbackClient = &http.Client{Timeout: defaultCallbackTimeout}
	}
	if c.Renderer == nil {
		c.Renderer = defaultRenderer{}
	}

	if c.Nginx.Enabled() {
		if c.NginxWriter == nil {
			c.NginxWriter = &nginx.FileWriter{Path: c.Nginx.ConfigFile}
		}
		if !c.NginxWriter.Available() {
			return nginx.ErrNotAvailable
		}
		if c.Nginx.Port == 0 {
			return nginx.ErrInvalidPort
		}
	}
	return nil
}
