package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/aio/gateway/internal/domain"
)

const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer      = 1 << 20
)

// UsageAccumulator consumes raw SSE bytes incrementally, recognizing the
// Claude, OpenAI (Chat Completions and Responses), and Gemini usage shapes,
// and produces a best-effort UsageMetrics extract once the stream ends.
type UsageAccumulator struct {
	usage          domain.UsageMetrics
	messageModel   string
	sawMessageStart bool
	lastEventName  string
	streamError    string
}

// NewUsageAccumulator returns an accumulator ready to consume one stream.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{}
}

// Consume reads r line by line until EOF or ctx-independent read error,
// feeding each SSE line into the accumulator. A malformed line is skipped,
// not fatal: partial usage extraction beats none.
func (a *UsageAccumulator) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, initialScanBuffer)
	scanner.Buffer(buf, maxScanBuffer)

	for scanner.Scan() {
		a.processLine(scanner.Text())
	}
	return scanner.Err()
}

func (a *UsageAccumulator) processLine(line string) {
	switch {
	case strings.HasPrefix(line, "event: "):
		a.lastEventName = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		return
	case strings.HasPrefix(line, "data: "):
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			return
		}
		a.processData(data)
	}
}

func (a *UsageAccumulator) processData(data string) {
	var chunk map[string]any
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return
	}

	if a.lastEventName == "error" {
		if msg, ok := chunk["message"].(string); ok {
			a.streamError = msg
		}
		return
	}

	switch a.lastEventName {
	case "message_start":
		a.handleMessageStart(chunk)
		return
	case "message_delta":
		a.handleMessageDelta(chunk)
		return
	}

	// Generic (non event:-tagged) streams: OpenAI Chat Completions,
	// OpenAI Responses, Gemini.
	if usage, ok := chunk["usage"].(map[string]any); ok {
		a.handleOpenAIUsage(usage)
	}
	if usageMeta, ok := chunk["usageMetadata"].(map[string]any); ok {
		a.handleGeminiUsage(usageMeta)
	}
	if model, ok := chunk["model"].(string); ok && a.messageModel == "" {
		a.messageModel = model
	}
}

func (a *UsageAccumulator) handleMessageStart(chunk map[string]any) {
	a.sawMessageStart = true
	message, ok := chunk["message"].(map[string]any)
	if !ok {
		return
	}
	if model, ok := message["model"].(string); ok {
		a.messageModel = model
	}
	usage, ok := message["usage"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := numField(usage, "input_tokens"); ok {
		a.usage.InputTokens = &v
	}
	if v, ok := numField(usage, "cache_read_input_tokens"); ok {
		a.usage.CacheReadInputTokens = &v
	}
	if v, ok := numField(usage, "cache_creation_input_tokens"); ok {
		// base supplies the combined field when the provider doesn't split
		// 5m/1h; store it in the 5m slot and let delta override precisely
		// if it ever reports the split.
		a.usage.CacheCreation5mTokens = &v
	}
}

func (a *UsageAccumulator) handleMessageDelta(chunk map[string]any) {
	usage, ok := chunk["usage"].(map[string]any)
	if !ok {
		return
	}
	// delta overrides counters; base (message_start) supplies cache fields
	// when the delta omits them.
	if v, ok := numField(usage, "output_tokens"); ok {
		a.usage.OutputTokens = &v
	}
	if v, ok := numField(usage, "input_tokens"); ok {
		a.usage.InputTokens = &v
	}
	if v, ok := numField(usage, "cache_creation_input_tokens_5m"); ok {
		a.usage.CacheCreation5mTokens = &v
	}
	if v, ok := numField(usage, "cache_creation_input_tokens_1h"); ok {
		a.usage.CacheCreation1hTokens = &v
	}
}

func (a *UsageAccumulator) handleOpenAIUsage(usage map[string]any) {
	if v, ok := numField(usage, "prompt_tokens"); ok {
		a.usage.InputTokens = &v
	}
	if v, ok := numField(usage, "completion_tokens"); ok {
		a.usage.OutputTokens = &v
	}
	if v, ok := numField(usage, "input_tokens"); ok {
		a.usage.InputTokens = &v
	}
	if v, ok := numField(usage, "output_tokens"); ok {
		a.usage.OutputTokens = &v
	}
	if details, ok := usage["input_tokens_details"].(map[string]any); ok {
		if v, ok := numField(details, "cached_tokens"); ok {
			a.usage.CacheReadInputTokens = &v
		}
	}
	if v, ok := numField(usage, "total_tokens"); ok {
		a.usage.TotalTokens = &v
	}
}

func (a *UsageAccumulator) handleGeminiUsage(usageMeta map[string]any) {
	var output int64
	if v, ok := numField(usageMeta, "candidatesTokenCount"); ok {
		output += v
	}
	if v, ok := numField(usageMeta, "thoughtsTokenCount"); ok {
		output += v
	}
	a.usage.OutputTokens = &output
	if v, ok := numField(usageMeta, "promptTokenCount"); ok {
		a.usage.InputTokens = &v
	}
	if v, ok := numField(usageMeta, "totalTokenCount"); ok {
		a.usage.TotalTokens = &v
	}
}

func numField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

// Finalize returns the best-effort usage extract after the stream ends or
// aborts, attaching the model name recorded from message_start / generic
// chunks. The combined cache-creation field is derived lazily by
// domain.UsageMetrics.CacheCreationInputTokens, not here.
func (a *UsageAccumulator) Finalize() domain.UsageMetrics {
	result := a.usage
	result.Model = a.messageModel
	return result
}

// StreamError returns the message carried by a terminal `event: error`
// frame, if one was observed.
func (a *UsageAccumulator) StreamError() string {
	return a.streamError
}
