package transport

import (
	"sort"
	"strings"

	"order-core/pkg/exchanges/binance"
	"order-core/pkg/exchanges/bitget"
	"order-core/pkg/exchanges/bybit"
	"order-core/pkg/exchanges/common"
)

// Registry maps exchange names to venues.
type Registry struct {
	venues map[string]common.Venue
}

// NewRegistry registers the given venues under their lower-cased names.
func NewRegistry(venues ...common.Venue) *Registry {
	r := &Registry{venues: make(map[string]common.Venue, len(venues))}
	for _, v := range venues {
		r.venues[strings.ToLower(v.Name())] = v
	}
	return r
}

// DefaultRegistry returns the supported exchanges.
func DefaultRegistry() *Registry {
	return NewRegistry(binance.New(), bybit.New(), bitget.New())
}

// Get looks up a venue by name, case-insensitively.
func (r *Registry) Get(name string) (common.Venue, bool) {
	v, ok := r.venues[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// Names returns the registered exchange names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.venues))
	for name := range r.venues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
