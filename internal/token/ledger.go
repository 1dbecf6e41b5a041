// Package token tracks render-cycle recency per panel key.
//
// Every render cycle begins by taking a fresh token; all user-visible side
// effects at completion are gated on the token still being the newest for its
// key. A late-finishing render that was superseded by a newer Begin observes
// IsActive == false and discards its result, which is what guarantees that
// applied output always comes from the most recently started render
// regardless of completion order.
package token

import (
	"sync"
)

// Token is an opaque render-cycle marker. Tokens are compared by value,
// globally unique across all keys, and never reused. The zero value is never
// issued.
type Token uint64

// Ledger issues tokens and records the newest one per key.
type Ledger struct {
	mu     sync.Mutex
	seq    Token
	active map[string]Token
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{active: make(map[string]Token)}
}

// Begin issues a fresh token for key and records it as the active one,
// superseding any previously issued token for the same key.
func (l *Ledger) Begin(key string) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.active[key] = l.seq
	return l.seq
}

// IsActive reports whether tok is still the most recently issued token for
// key. It is false once a newer Begin has occurred or End has cleared it.
func (l *Ledger) IsActive(key string, tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tok != 0 && l.active[key] == tok
}

// End clears the active token for key if it still equals tok. Ending a
// superseded token is a no-op, so cleanup paths may call End unconditionally.
func (l *Ledger) End(key string, tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[key] == tok {
		delete(l.active, key)
	}
}

// Active returns the active token for key, or zero if no render is in flight.
func (l *Ledger) Active(key string) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[key]
}
