package rewrite

import (
	"testing"

	"github.com/aio/gateway/internal/domain"
)

func TestEffectiveClaudeModel_ReasoningWhenThinking(t *testing.T) {
	m := &domain.ClaudeModels{Reasoning: "r-model", Main: "main-model"}
	model, kind := EffectiveClaudeModel(m, "claude-3-sonnet", true)
	if model != "r-model" || kind != "reasoning" {
		t.Fatalf("expected reasoning model, got %s/%s", model, kind)
	}
}

func TestEffectiveClaudeModel_SubstringMatch(t *testing.T) {
	m := &domain.ClaudeModels{Haiku: "haiku-x", Main: "main-model"}
	model, kind := EffectiveClaudeModel(m, "claude-3-5-haiku-20241022", false)
	if model != "haiku-x" || kind != "haiku" {
		t.Fatalf("expected haiku match, got %s/%s", model, kind)
	}
}

func TestEffectiveClaudeModel_FallsBackToMain(t *testing.T) {
	m := &domain.ClaudeModels{Main: "main-model"}
	model, kind := EffectiveClaudeModel(m, "some-other-model", false)
	if model != "main-model" || kind != "main" {
		t.Fatalf("expected main fallback, got %s/%s", model, kind)
	}
}

func TestEffectiveClaudeModel_NoRewriteWhenNothingConfigured(t *testing.T) {
	m := &domain.ClaudeModels{}
	model, _ := EffectiveClaudeModel(m, "some-model", false)
	if model != "some-model" {
		t.Fatalf("expected passthrough, got %s", model)
	}
}

func TestRewriteModelInBody_PreservesFormatting(t *testing.T) {
	body := []byte(`{  "model"  :   "old-model" , "stream": true }`)
	rewritten, applied := RewriteModelInBody(body, "new-model")
	if !applied {
		t.Fatal("expected rewrite to apply")
	}
	want := `{  "model"  :   "new-model" , "stream": true }`
	if string(rewritten) != want {
		t.Fatalf("got %q want %q", rewritten, want)
	}
}

func TestRewriteModelInBody_NoModelField(t *testing.T) {
	body := []byte(`{"stream": true}`)
	_, applied := RewriteModelInBody(body, "new-model")
	if applied {
		t.Fatal("expected no rewrite without a model field")
	}
}
