package rewrite

import (
	"regexp"
	"strings"
)

// Trigger strings recognized in an upstream 4xx error body that indicate
// the thinking-signature rectifier should run before the next attempt.
const (
	TriggerInvalidSignatureInThinkingBlock = "invalid_signature_in_thinking_block"
	TriggerAssistantMustStartWithThinking  = "assistant_message_must_start_with_thinking"
	TriggerInvalidRequest                  = "invalid_request"
)

var invalidSignaturePattern = regexp.MustCompile(`(?i)invalid\s*` + "`?" + `signature` + "`?" + `\s*in\s*` + "`?" + `thinking` + "`?" + `\s*block`)
var mustStartWithThinkingPattern = regexp.MustCompile(`(?i)a final .assistant. message must start with a thinking block`)

var invalidRequestPatterns = []string{
	"invalid request",
	"illegal request",
	"非法请求",
}

// DetectTrigger inspects an upstream error message and returns the
// matching trigger constant, or "" if none apply.
func DetectTrigger(message string) string {
	if invalidSignaturePattern.MatchString(message) {
		return TriggerInvalidSignatureInThinkingBlock
	}
	if mustStartWithThinkingPattern.MatchString(message) {
		return TriggerAssistantMustStartWithThinking
	}
	lower := strings.ToLower(message)
	for _, p := range invalidRequestPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return TriggerInvalidRequest
		}
	}
	return ""
}

// RectifyResult reports what the rectifier changed.
type RectifyResult struct {
	Applied                         bool
	RemovedThinkingBlocks           int
	RemovedRedactedThinkingBlocks   int
	RemovedSignatureFields          int
	RemovedTopLevelThinking         bool
}

// RectifyAnthropicRequestMessage mutates the canonical request body
// in-place: strips thinking/redacted_thinking blocks and signature fields
// from assistant messages, and drops an enabled top-level thinking field
// when an assistant message did not start with a thinking block but does
// contain a tool_use.
func RectifyAnthropicRequestMessage(body map[string]any) RectifyResult {
	var result RectifyResult

	messagesRaw, ok := body["messages"].([]any)
	if !ok {
		return result
	}

	for _, msgRaw := range messagesRaw {
		msg, ok := msgRaw.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}

		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}

		filtered := make([]any, 0, len(content))
		hadToolUse := false
		startedWithThinking := false

		for i, blockRaw := range content {
			block, ok := blockRaw.(map[string]any)
			if !ok {
				filtered = append(filtered, blockRaw)
				continue
			}

			blockType, _ := block["type"].(string)
			if i == 0 && (blockType == "thinking" || blockType == "redacted_thinking") {
				startedWithThinking = true
			}

			switch blockType {
			case "thinking":
				result.RemovedThinkingBlocks++
				result.Applied = true
				continue
			case "redacted_thinking":
				result.RemovedRedactedThinkingBlocks++
				result.Applied = true
				continue
			case "tool_use":
				hadToolUse = true
			}

			if _, hasSig := block["signature"]; hasSig {
				delete(block, "signature")
				result.RemovedSignatureFields++
				result.Applied = true
			}
			filtered = append(filtered, block)
		}
		msg["content"] = filtered

		if !startedWithThinking && hadToolUse {
			if thinking, ok := body["thinking"].(map[string]any); ok {
				if t, _ := thinking["type"].(string); t == "enabled" {
					delete(body, "thinking")
					result.RemovedTopLevelThinking = true
					result.Applied = true
				}
			}
		}
	}

	return result
}
