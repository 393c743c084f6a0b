package rewrite

import "testing"

func TestDetectTrigger_InvalidSignature(t *testing.T) {
	if DetectTrigger("messages.1.content.0: Invalid `signature` in `thinking` block") != TriggerInvalidSignatureInThinkingBlock {
		t.Fatal("expected signature trigger match")
	}
}

func TestDetectTrigger_MustStartWithThinking(t *testing.T) {
	msg := "Expected `thinking` or `redacted_thinking`, but found `tool_use`. When `thinking` is enabled, a final `assistant` message must start with a thinking block"
	if DetectTrigger(msg) != TriggerAssistantMustStartWithThinking {
		t.Fatal("expected must-start-with-thinking trigger match")
	}
}

func TestDetectTrigger_InvalidRequestVariants(t *testing.T) {
	for _, msg := range []string{"illegal request format", "invalid request: malformed JSON"} {
		if DetectTrigger(msg) != TriggerInvalidRequest {
			t.Errorf("expected invalid_request trigger for %q", msg)
		}
	}
}

func TestDetectTrigger_Unrelated(t *testing.T) {
	if DetectTrigger("Request timeout") != "" {
		t.Fatal("expected no trigger for unrelated error")
	}
}

func TestRectifyAnthropicRequestMessage_RemovesThinkingAndSignatures(t *testing.T) {
	body := map[string]any{
		"model": "claude-test",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "thinking", "thinking": "t", "signature": "sig1"},
					map[string]any{"type": "text", "text": "hello", "signature": "sig2"},
					map[string]any{"type": "tool_use", "id": "toolu_1", "signature": "sig3"},
					map[string]any{"type": "redacted_thinking", "data": "r", "signature": "sig4"},
				},
			},
			map[string]any{
				"role":    "user",
				"content": []any{map[string]any{"type": "text", "text": "hi"}},
			},
		},
	}

	result := RectifyAnthropicRequestMessage(body)
	if !result.Applied {
		t.Fatal("expected rectifier to apply")
	}
	if result.RemovedThinkingBlocks != 1 || result.RemovedRedactedThinkingBlocks != 1 {
		t.Fatalf("unexpected block counts: %+v", result)
	}
	if result.RemovedSignatureFields != 2 {
		t.Fatalf("expected 2 signature removals, got %d", result.RemovedSignatureFields)
	}

	content := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("expected 2 remaining blocks, got %d", len(content))
	}
	for _, b := range content {
		if _, has := b.(map[string]any)["signature"]; has {
			t.Fatal("expected no remaining signature fields")
		}
	}
}

func TestRectifyAnthropicRequestMessage_NoMessagesNoOp(t *testing.T) {
	body := map[string]any{"model": "claude-test"}
	result := RectifyAnthropicRequestMessage(body)
	if result.Applied {
		t.Fatal("expected no-op without messages")
	}
}

func TestRectifyAnthropicRequestMessage_DropsOrphanedTopLevelThinking(t *testing.T) {
	body := map[string]any{
		"model":    "claude-test",
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 1024},
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "tool_use", "id": "toolu_1"},
				},
			},
			map[string]any{
				"role":    "user",
				"content": []any{map[string]any{"type": "tool_result", "tool_use_id": "toolu_1"}},
			},
		},
	}

	result := RectifyAnthropicRequestMessage(body)
	if !result.RemovedTopLevelThinking {
		t.Fatal("expected top-level thinking removal")
	}
	if _, ok := body["thinking"]; ok {
		t.Fatal("expected thinking field deleted")
	}
}
