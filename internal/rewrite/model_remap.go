package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aio/gateway/internal/domain"
)

// modelFieldPattern matches the top-level "model" key and its string value
// in JSON, capturing the key+colon prefix separately from the quoted value
// so only the value is replaced, preserving formatting and key order.
var modelFieldPattern = regexp.MustCompile(`("model"\s*:\s*)"((?:[^"\\]|\\.)*)"`)

// ModelLocation is where the requested model name lives in the original
// request.
type ModelLocation int

const (
	LocationBodyJSON ModelLocation = iota
	LocationQuery
	LocationPath
)

// EffectiveClaudeModel resolves which concrete model name a Claude-family
// provider should receive, given the requested model and whether the
// request's top-level thinking.type is "enabled".
func EffectiveClaudeModel(m *domain.ClaudeModels, requestedModel string, hasThinking bool) (model string, kind string) {
	if hasThinking && m.Reasoning != "" {
		return m.Reasoning, "reasoning"
	}

	lower := strings.ToLower(requestedModel)
	switch {
	case strings.Contains(lower, "haiku") && m.Haiku != "":
		return m.Haiku, "haiku"
	case strings.Contains(lower, "sonnet") && m.Sonnet != "":
		return m.Sonnet, "sonnet"
	case strings.Contains(lower, "opus") && m.Opus != "":
		return m.Opus, "opus"
	}

	if m.Main != "" {
		return m.Main, "main"
	}
	return requestedModel, "main"
}

// RewriteModelInBody performs a targeted replacement of the top-level
// "model" field's string value in a JSON body, preserving all original
// formatting, key ordering, and whitespace.
func RewriteModelInBody(body []byte, newModel string) (rewritten []byte, applied bool) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, false
	}
	if _, hasModel := parsed["model"]; !hasModel {
		return body, false
	}

	escaped := jsonEscapeString(newModel)
	replaced := false
	result := modelFieldPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		if replaced {
			return match
		}
		submatches := modelFieldPattern.FindSubmatch(match)
		if len(submatches) < 3 {
			return match
		}
		replaced = true
		var buf bytes.Buffer
		buf.Write(submatches[1])
		buf.WriteByte('"')
		buf.WriteString(escaped)
		buf.WriteByte('"')
		return buf.Bytes()
	})
	return result, replaced
}

// RewriteModelInQuery replaces a "model=" query parameter's value.
func RewriteModelInQuery(query, newModel string) string {
	pattern := regexp.MustCompile(`(model=)[^&]*`)
	if !pattern.MatchString(query) {
		return query
	}
	return pattern.ReplaceAllString(query, "${1}"+newModel)
}

// RewriteModelInPath replaces a model segment embedded in the forwarded
// path, e.g. /v1/models/claude-3-opus/generate. Returns the original path
// unchanged if no replacement was made.
func RewriteModelInPath(path, oldModel, newModel string) string {
	if oldModel == "" || !strings.Contains(path, oldModel) {
		return path
	}
	return strings.Replace(path, oldModel, newModel, 1)
}

func jsonEscapeString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(b[1 : len(b)-1])
}

// AuditEntry formats a one-line audit string for special_settings.
func AuditEntry(providerID int64, providerName, requestedModel, effectiveModel, kind string, location ModelLocation, applied bool) string {
	locName := "body"
	switch location {
	case LocationQuery:
		locName = "query"
	case LocationPath:
		locName = "path"
	}
	return fmt.Sprintf("claude_model_mapping provider=%d(%s) requested=%s effective=%s kind=%s location=%s applied=%t",
		providerID, providerName, requestedModel, effectiveModel, kind, locName, applied)
}
