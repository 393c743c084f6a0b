package providerstore

import (
	"context"
	"os"
	"testing"

	"github.com/aio/gateway/internal/config"
)

func sampleConfig() *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{ID: 1, CliKey: "codex", Name: "primary", BaseURL: "http://p1", Enabled: true},
			{ID: 2, CliKey: "codex", Name: "secondary", BaseURL: "http://p2", Enabled: true},
			{ID: 3, CliKey: "codex", Name: "disabled", BaseURL: "http://p3", Enabled: false},
			{ID: 4, CliKey: "claude", Name: "claude-primary", BaseURL: "http://p4", Enabled: true,
				ClaudeModels: &config.ClaudeModelConfig{Main: "claude-main", Opus: "claude-opus"}},
		},
		SortModes: []config.SortModeConfig{
			{CliKey: "codex", Name: "cost", Order: []int64{2, 1}, Active: true},
			{CliKey: "codex", Name: "latency", Order: []int64{1, 2}, Active: false},
		},
	}
}

func TestStore_EnabledProvidersExcludesDisabledAndOrdersByID(t *testing.T) {
	s := New(sampleConfig())

	got := s.EnabledProviders("codex")
	if len(got) != 2 {
		t.Fatalf("expected 2 enabled codex providers, got %d", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("expected ascending id order [1,2], got [%d,%d]", got[0].ID, got[1].ID)
	}
}

func TestStore_ActiveSortModeReturnsOnlyTheActiveOne(t *testing.T) {
	s := New(sampleConfig())

	mode, ok := s.ActiveSortMode("codex")
	if !ok {
		t.Fatal("expected an active sort mode for codex")
	}
	if mode.Name != "cost" {
		t.Errorf("expected the active sort mode to be 'cost', got %s", mode.Name)
	}

	if _, ok := s.ActiveSortMode("claude"); ok {
		t.Errorf("expected no active sort mode configured for claude")
	}
}

func TestStore_ProviderByIDIncludesDisabledProviders(t *testing.T) {
	s := New(sampleConfig())

	p, ok := s.ProviderByID(3)
	if !ok {
		t.Fatal("expected ProviderByID to find the disabled provider by id")
	}
	if p.Enabled {
		t.Errorf("expected provider 3 to be disabled")
	}
}

func TestStore_ClaudeModelsCarriedThrough(t *testing.T) {
	s := New(sampleConfig())

	p, ok := s.ProviderByID(4)
	if !ok || p.ClaudeModels == nil {
		t.Fatal("expected provider 4 to carry its claude model config")
	}
	if p.ClaudeModels.Main != "claude-main" || p.ClaudeModels.Opus != "claude-opus" {
		t.Errorf("unexpected claude models: %+v", p.ClaudeModels)
	}
}

func TestStore_UpdateReplacesSnapshotAtomically(t *testing.T) {
	s := New(sampleConfig())

	next := sampleConfig()
	next.Providers = []config.ProviderConfig{
		{ID: 9, CliKey: "codex", Name: "only", BaseURL: "http://p9", Enabled: true},
	}
	s.Update(next)

	got := s.EnabledProviders("codex")
	if len(got) != 1 || got[0].ID != 9 {
		t.Fatalf("expected updated snapshot with a single provider id 9, got %+v", got)
	}
}

func TestCredentialResolver_ResolvesFromEnv(t *testing.T) {
	t.Setenv("TEST_PROVIDER_TOKEN", "secret-value")
	r := NewCredentialResolver()

	name, value, err := r.Resolve(context.Background(), "TEST_PROVIDER_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if name != "Authorization" || value != "Bearer secret-value" {
		t.Errorf("unexpected header: %s=%s", name, value)
	}
}

func TestCredentialResolver_EmptyRefIsANoop(t *testing.T) {
	r := NewCredentialResolver()
	name, value, err := r.Resolve(context.Background(), "")
	if err != nil || name != "" || value != "" {
		t.Errorf("expected a no-op for an empty credential ref, got name=%s value=%s err=%v", name, value, err)
	}
}

func TestCredentialResolver_MissingEnvVarErrors(t *testing.T) {
	os.Unsetenv("DEFINITELY_NOT_SET_TOKEN")
	r := NewCredentialResolver()
	if _, _, err := r.Resolve(context.Background(), "DEFINITELY_NOT_SET_TOKEN"); err == nil {
		t.Errorf("expected an error when the credential ref names an unset env var")
	}
}
