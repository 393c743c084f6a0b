// Package router selects which provider a request should be sent to,
// reading the active sort mode's ordered candidate list and gating each
// candidate against the circuit breaker.
package router

import (
	"sort"

	"time"

	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/ports"
)

// Selection is the outcome of a Select call.
type Selection struct {
	Provider             *domain.Provider
	EarliestAvailable    int64
	SkippedOpen          int
	SkippedCooldown      int
}

// Router picks candidate providers for a cli_key given the live store and
// circuit gate. It holds no mutable state of its own — selection is a pure
// read over the store's current snapshot.
type Router struct {
	store Store
	gate  ports.CircuitGate
}

// Store is the subset of ports.ProviderStore the router needs.
type Store interface {
	EnabledProviders(cliKey string) []*domain.Provider
	ActiveSortMode(cliKey string) (*domain.SortMode, bool)
}

func New(store Store, gate ports.CircuitGate) *Router {
	return &Router{store: store, gate: gate}
}

// Select returns the first enabled, non-excluded, circuit-allowed provider
// for cliKey in active-sort-mode order, falling back to all enabled
// providers ordered by id ascending when no sort mode is active.
func (r *Router) Select(cliKey string, excluded map[int64]struct{}, now time.Time) Selection {
	order := r.orderedCandidates(cliKey)

	var sel Selection
	sel.EarliestAvailable = -1

	for _, p := range order {
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		allow, openUntil, cooldownUntil := r.gate.ShouldAllow(p.ID, now)
		if !allow {
			if cooldownUntil > now.Unix() {
				sel.SkippedCooldown++
			} else {
				sel.SkippedOpen++
				if sel.EarliestAvailable == -1 || openUntil < sel.EarliestAvailable {
					sel.EarliestAvailable = openUntil
				}
			}
			continue
		}
		sel.Provider = p
		return sel
	}

	if sel.EarliestAvailable == -1 {
		sel.EarliestAvailable = 0
	}
	return sel
}

// orderedCandidates resolves the active sort mode's provider order into
// concrete *domain.Provider values, falling back to id-ascending over all
// enabled providers when no mode is active.
func (r *Router) orderedCandidates(cliKey string) []*domain.Provider {
	enabled := r.store.EnabledProviders(cliKey)

	mode, ok := r.store.ActiveSortMode(cliKey)
	if !ok || !mode.Active || len(mode.Order) == 0 {
		sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })
		return enabled
	}

	byID := make(map[int64]*domain.Provider, len(enabled))
	for _, p := range enabled {
		byID[p.ID] = p
	}

	ordered := make([]*domain.Provider, 0, len(mode.Order))
	for _, id := range mode.Order {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// SelectNextProviderID implements successor selection during failover:
// starting one position after current in order, wrap around, return the
// first id present in candidateSet. If current is absent from order, start
// at the head. Returns (0, false) if candidateSet is disjoint from order.
func SelectNextProviderID(current int64, order []int64, candidateSet map[int64]struct{}) (int64, bool) {
	if len(order) == 0 {
		return 0, false
	}

	start := 0
	for i, id := range order {
		if id == current {
			start = i + 1
			break
		}
	}

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		if _, ok := candidateSet[order[idx]]; ok {
			return order[idx], true
		}
	}
	return 0, false
}
