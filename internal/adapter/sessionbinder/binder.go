// Package sessionbinder records sticky session-to-provider bindings: once
// a session id is observed on a successful response, Lookup returns the
// provider that served that {cli_key, session_id} for a short window. The
// router's provider selection does not consult these bindings.
package sessionbinder

import (
	"sync"
	"time"
)

type binding struct {
	providerID int64
	expiresAt  time.Time
}

// Binder is a TTL map keyed by "cli_key\x00session_id". It implements the
// forwarder.SessionBinder interface the core consumes.
type Binder struct {
	mu       sync.Mutex
	bindings map[string]binding
	window   time.Duration
}

// New constructs a Binder whose bindings expire after window.
func New(window time.Duration) *Binder {
	return &Binder{
		bindings: make(map[string]binding),
		window:   window,
	}
}

func key(cliKey, sessionID string) string {
	return cliKey + "\x00" + sessionID
}

// Bind records that providerID most recently served this session.
func (b *Binder) Bind(cliKey, sessionID string, providerID int64, now time.Time) {
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[key(cliKey, sessionID)] = binding{
		providerID: providerID,
		expiresAt:  now.Add(b.window),
	}
}

// Lookup returns the provider id last bound to this session, if the
// binding hasn't expired.
func (b *Binder) Lookup(cliKey, sessionID string, now time.Time) (int64, bool) {
	if sessionID == "" {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bnd, ok := b.bindings[key(cliKey, sessionID)]
	if !ok || now.After(bnd.expiresAt) {
		return 0, false
	}
	return bnd.providerID, true
}
