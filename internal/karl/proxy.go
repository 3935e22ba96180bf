package karl

import (
	"context"
	"fmt"

	"github.com/karlfleet/karl/internal/nginx"
	"github.com/karlfleet/karl/pkg/fleetstore"
)

// proxySync keeps the reverse-proxy config in step with the fleet view.
// It re-emits the config whenever the store's changelog has advanced
// since the last reflected size, so a quiescent fleet costs nothing.
type proxySync struct {
	k                 *Karl
	firstRun          bool
	lastReflectedSize uint64
}

func newProxySync(k *Karl) *proxySync {
	return &proxySync{k: k, firstRun: true}
}

func (p *proxySync) updateIfNeeded(ctx context.Context) {
	if !p.k.cfg.Nginx.Enabled() {
		return
	}
	size := p.k.store.InternalExposeStream().Size()
	if !p.firstRun && size == p.lastReflectedSize {
		return
	}

	server := nginx.NewServerDirective(p.k.cfg.Nginx.Port)
	server.CreateProxyPassLocation("/", fmt.Sprintf("http://localhost:%d/", p.k.cfg.Port))
	err := p.k.store.ReadOnlyTransaction(ctx, func(fields fleetstore.ImmutableFields) error {
		fields.EachClaire(func(c fleetstore.ClaireInfo) bool {
			if c.RegisteredState == fleetstore.Active {
				server.CreateProxyPassLocation(
					p.k.cfg.Nginx.RoutePrefix+"/"+c.Codename, c.Location.StatusPageURL())
			}
			return true
		})
		return nil
	})
	if err != nil {
		p.k.log.Error("proxy config enumeration failed", "error", err)
		return
	}

	if err := p.k.cfg.NginxWriter.UpdateConfig(server); err != nil {
		p.k.log.Error("proxy config update failed", "error", err)
		return
	}
	proxyConfigUpdatesTotal.Inc()
	p.lastReflectedSize = size
	p.firstRun = false
}
