// Package platform holds the exchange adapters and the registry that
// resolves venue names to live trading ports.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quantfold/arbot/internal/domain"
)

// Registry maps exchange names to trading ports. Plans referencing an
// unregistered venue fail validation with ExchangeUnavailable.
type Registry struct {
	mu    sync.RWMutex
	ports map[string]domain.ExchangePort
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[string]domain.ExchangePort)}
}

// Register adds or replaces a port under its own name.
func (r *Registry) Register(port domain.ExchangePort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[port.Name()] = port
}

// Port returns the port for an exchange name.
func (r *Registry) Port(exchange string) (domain.ExchangePort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.ports[exchange]
	return port, ok
}

// Names returns the registered exchange names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.ports))
	for name := range r.ports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var _ domain.ExchangeRegistry = (*Registry)(nil)

// MultiPriceSource answers price queries by delegating to the port's
// venue when it also serves prices, so paper venues quote their own
// posted prices.
type MultiPriceSource struct {
	registry domain.ExchangeRegistry
	fallback domain.PriceSource
}

// NewMultiPriceSource creates a price source that prefers the venue's
// own quote and falls back to the given source for venues that do not
// serve prices. fallback may be nil.
func NewMultiPriceSource(registry domain.ExchangeRegistry, fallback domain.PriceSource) *MultiPriceSource {
	return &MultiPriceSource{registry: registry, fallback: fallback}
}

// CurrentPrice fetches the venue's present price. Results are never
// cached; every call reaches the venue.
func (s *MultiPriceSource) CurrentPrice(ctx context.Context, exchange, symbol string) (float64, error) {
	if port, ok := s.registry.Port(exchange); ok {
		if src, ok := port.(domain.PriceSource); ok {
			return src.CurrentPrice(ctx, exchange, symbol)
		}
	}
	if s.fallback != nil {
		return s.fallback.CurrentPrice(ctx, exchange, symbol)
	}
	return 0, fmt.Errorf("platform: no price source for %s: %w", exchange, domain.ErrExchangeUnavailable)
}

var _ domain.PriceSource = (*MultiPriceSource)(nil)
