package rewrite

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aio/gateway/internal/constants"
)

var uuidLikePattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func isUUIDLike(s string) bool {
	return uuidLikePattern.MatchString(s)
}

// SessionIDCache remembers the most recently assigned session id per
// client connection within a TTL, the precedence-chain's final fallback
// before minting a brand new id.
type SessionIDCache struct {
	mu      sync.Mutex
	entries map[string]cachedSession
	ttl     time.Duration
}

type cachedSession struct {
	sessionID string
	expiresAt time.Time
}

func NewSessionIDCache(ttl time.Duration) *SessionIDCache {
	if ttl <= 0 {
		ttl = constants.DefaultStickyWindow
	}
	return &SessionIDCache{entries: make(map[string]cachedSession), ttl: ttl}
}

func (c *SessionIDCache) lookup(connKey string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[connKey]
	if !ok || now.After(entry.expiresAt) {
		return "", false
	}
	return entry.sessionID, true
}

func (c *SessionIDCache) store(connKey, sessionID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[connKey] = cachedSession{sessionID: sessionID, expiresAt: now.Add(c.ttl)}
}

// SessionCompletionResult reports what the completion routine did.
type SessionCompletionResult struct {
	Source    string
	Action    string
	SessionID string
	Applied   bool
}

// CompleteCodexSessionIdentifiers resolves the canonical session id for a
// codex request per the precedence chain (prompt_cache_key,
// metadata.session_id, previous_response_id, cache, mint-new) and writes it
// back to the session_id/x-session-id headers and body.prompt_cache_key.
func CompleteCodexSessionIdentifiers(cache *SessionIDCache, connKey string, now time.Time, headers map[string][]string, body map[string]any) SessionCompletionResult {
	var sessionID, source string

	if v, ok := body["prompt_cache_key"].(string); ok && isUUIDLike(v) {
		sessionID, source = v, "body_prompt_cache_key"
	} else if meta, ok := body["metadata"].(map[string]any); ok {
		if v, ok := meta["session_id"].(string); ok && isUUIDLike(v) {
			sessionID, source = v, "body_metadata_session_id"
		}
	}

	if sessionID == "" {
		if v, ok := body["previous_response_id"].(string); ok && v != "" {
			trimmed := strings.TrimPrefix(v, "resp_")
			sessionID = fmt.Sprintf("codex_prev_resp_%s", trimmed)
			source = "body_previous_response_id"
		}
	}

	action := "completed_missing_fields"
	if sessionID == "" {
		if v, ok := cache.lookup(connKey, now); ok {
			sessionID, source, action = v, "connection_cache", "aligned"
		}
	}

	if sessionID == "" {
		sessionID = newULID(now)
		source, action = "minted", "created"
	}

	headers[constants.HeaderSessionID] = []string{sessionID}
	headers[constants.HeaderXSessionID] = []string{sessionID}
	body["prompt_cache_key"] = sessionID

	cache.store(connKey, sessionID, now)

	return SessionCompletionResult{Source: source, Action: action, SessionID: sessionID, Applied: true}
}

// newULID mints a ULID-like identifier: the millisecond timestamp as 10 hex
// digits followed by 16 hex digits of a random UUID (hex, not Crockford
// base32). No ULID library appears anywhere in the retrieved example pack,
// so this is a small generator over google/uuid; see DESIGN.md.
func newULID(now time.Time) string {
	ts := now.UnixMilli()
	random := uuid.New()
	return fmt.Sprintf("%010x%s", ts, strings.ReplaceAll(random.String(), "-", "")[:16])
}

// MarshalBody is a convenience used by the forwarder to re-serialize a body
// map after in-place mutation by the rewriters in this package.
func MarshalBody(body map[string]any) ([]byte, error) {
	return json.Marshal(body)
}
