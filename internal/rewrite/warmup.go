// Package rewrite holds the request/response rewrites the forwarder applies
// before and between upstream attempts: the warmup short-circuit, the
// Claude model remap, Codex session-id completion, and the
// thinking-signature rectifier.
package rewrite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IsWarmupRequest reports whether forwardedPath and bodyBytes match the
// strict Anthropic warmup probe shape: exactly one user message with
// exactly one text block whose trimmed text is "warmup" (case-insensitive)
// and an ephemeral cache_control.
func IsWarmupRequest(forwardedPath string, bodyBytes []byte) bool {
	if forwardedPath != "/v1/messages" {
		return false
	}

	var root map[string]any
	if err := json.Unmarshal(bodyBytes, &root); err != nil {
		return false
	}

	messages, ok := root["messages"].([]any)
	if !ok || len(messages) != 1 {
		return false
	}

	firstMessage, ok := messages[0].(map[string]any)
	if !ok {
		return false
	}
	if role, _ := firstMessage["role"].(string); role != "user" {
		return false
	}

	content, ok := firstMessage["content"].([]any)
	if !ok || len(content) != 1 {
		return false
	}

	firstBlock, ok := content[0].(map[string]any)
	if !ok {
		return false
	}
	if blockType, _ := firstBlock["type"].(string); blockType != "text" {
		return false
	}

	text, _ := firstBlock["text"].(string)
	if strings.ToLower(strings.TrimSpace(text)) != "warmup" {
		return false
	}

	cacheControl, ok := firstBlock["cache_control"].(map[string]any)
	if !ok {
		return false
	}
	cacheType, _ := cacheControl["type"].(string)
	return cacheType == "ephemeral"
}

// BuildWarmupResponseBody constructs the synthetic Anthropic message
// response for a warmup probe. model defaults to "unknown" when empty.
func BuildWarmupResponseBody(model, traceID string) map[string]any {
	if model == "" {
		model = "unknown"
	}
	return map[string]any{
		"model": model,
		"id":    fmt.Sprintf("msg_aio_%s", traceID),
		"type":  "message",
		"role":  "assistant",
		"content": []map[string]any{
			{"type": "text", "text": "I'm ready to help you."},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":               0,
			"output_tokens":              0,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens":     0,
		},
	}
}
