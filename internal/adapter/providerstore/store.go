// Package providerstore adapts the on-disk provider configuration into the
// ports.ProviderStore and ports.CredentialResolver the gateway core
// consumes. The core never persists providers itself; this is the minimal
// concrete reader that makes a standalone binary runnable — a real
// deployment would back these same two interfaces with the desktop shell's
// SQLite-backed provider table instead.
package providerstore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aio/gateway/internal/config"
	"github.com/aio/gateway/internal/domain"
)

// Store reads providers and sort modes from a *config.Config snapshot. Call
// Update to swap in a newly reloaded config after a file change.
type Store struct {
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	providers map[string][]*domain.Provider
	byID      map[int64]*domain.Provider
	sortModes map[string]*domain.SortMode
}

// New builds a Store from the given config.
func New(cfg *config.Config) *Store {
	s := &Store{}
	s.Update(cfg)
	return s
}

// Update atomically replaces the store's contents with a freshly loaded
// config, e.g. after a file-watch reload.
func (s *Store) Update(cfg *config.Config) {
	snap := &snapshot{
		providers: make(map[string][]*domain.Provider),
		byID:      make(map[int64]*domain.Provider),
		sortModes: make(map[string]*domain.SortMode),
	}

	for _, pc := range cfg.Providers {
		p := &domain.Provider{
			ID:            pc.ID,
			CliKey:        pc.CliKey,
			Name:          pc.Name,
			BaseURL:       pc.BaseURL,
			CredentialRef: pc.CredentialRef,
			Enabled:       pc.Enabled,
		}
		if pc.ClaudeModels != nil {
			p.ClaudeModels = &domain.ClaudeModels{
				Main:      pc.ClaudeModels.Main,
				Reasoning: pc.ClaudeModels.Reasoning,
				Haiku:     pc.ClaudeModels.Haiku,
				Sonnet:    pc.ClaudeModels.Sonnet,
				Opus:      pc.ClaudeModels.Opus,
			}
		}
		snap.byID[p.ID] = p
		if p.Enabled {
			snap.providers[p.CliKey] = append(snap.providers[p.CliKey], p)
		}
	}

	for cliKey, list := range snap.providers {
		ordered := list
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
		snap.providers[cliKey] = ordered
	}

	for _, sm := range cfg.SortModes {
		if !sm.Active {
			continue
		}
		snap.sortModes[sm.CliKey] = &domain.SortMode{
			CliKey: sm.CliKey,
			Name:   sm.Name,
			Order:  sm.Order,
			Active: sm.Active,
		}
	}

	s.snapshot.Store(snap)
}

func (s *Store) EnabledProviders(cliKey string) []*domain.Provider {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil
	}
	src := snap.providers[cliKey]
	out := make([]*domain.Provider, len(src))
	copy(out, src)
	return out
}

func (s *Store) ActiveSortMode(cliKey string) (*domain.SortMode, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	mode, ok := snap.sortModes[cliKey]
	return mode, ok
}

func (s *Store) ProviderByID(id int64) (*domain.Provider, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	p, ok := snap.byID[id]
	return p, ok
}

// CredentialResolver resolves a provider's credential_ref into the bearer
// header the forwarder injects. It treats the ref as an environment
// variable name holding the raw token — the simplest binding that keeps
// secrets out of the config file on disk.
type CredentialResolver struct{}

func NewCredentialResolver() *CredentialResolver { return &CredentialResolver{} }

func (r *CredentialResolver) Resolve(ctx context.Context, credentialRef string) (headerName, headerValue string, err error) {
	if credentialRef == "" {
		return "", "", nil
	}
	value, err := lookupEnv(credentialRef)
	if err != nil {
		return "", "", fmt.Errorf("resolve credential %s: %w", credentialRef, err)
	}
	return "Authorization", "Bearer " + value, nil
}
