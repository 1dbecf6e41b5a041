// Package session implements the interactive render-session controller: the
// per-panel session record, and the dispatcher that runs token-gated render
// cycles against it.
package session

import (
	"sync"

	"statboard/internal/domain"
	"statboard/internal/filter"
	"statboard/internal/token"
)

// Record is the cached payload for one interactive panel. It is owned by the
// dispatcher's session store; nothing else holds a long-lived reference. All
// fields are guarded by mu, and committed fields change only through a render
// cycle whose token was still active at completion time.
type Record struct {
	mu sync.Mutex

	key       string
	contextID string

	// state is the last-applied filter tuple; pending is the tuple for a
	// render currently in flight, nil otherwise.
	state   filter.State
	pending *filter.State

	// snapshot memoizes the upstream payload; snapScope is the filter state
	// it was fetched under, consulted by the invalidation table.
	snapshot  *domain.Snapshot
	snapScope filter.State

	// activeToken is non-zero iff a render is in flight for this record.
	activeToken token.Token
}

// View is a read-only copy of a record's observable state.
type View struct {
	Key            string       `json:"key"`
	ContextID      string       `json:"context_id"`
	State          filter.State `json:"state"`
	Pending        *filter.State `json:"pending,omitempty"`
	RenderInFlight bool         `json:"render_in_flight"`
	HasSnapshot    bool         `json:"has_snapshot"`
}

func newRecord(key, contextID string, state filter.State) *Record {
	return &Record{key: key, contextID: contextID, state: state}
}

// View returns a consistent copy of the record's observable state.
func (r *Record) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending *filter.State
	if r.pending != nil {
		p := *r.pending
		pending = &p
	}
	return View{
		Key:            r.key,
		ContextID:      r.contextID,
		State:          r.state,
		Pending:        pending,
		RenderInFlight: r.activeToken != 0,
		HasSnapshot:    !r.snapshot.Empty(),
	}
}

// beginRender marks a render cycle as in flight for the intended state.
func (r *Record) beginRender(intended filter.State, tok token.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := intended
	r.pending = &p
	r.activeToken = tok
}

// abandon clears the in-flight markers if tok still owns them. Called on
// every non-commit exit from a render cycle; a superseded token is a no-op.
func (r *Record) abandon(tok token.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeToken == tok {
		r.pending = nil
		r.activeToken = 0
	}
}

// reusableSnapshot returns the memoized snapshot if it can serve the
// intended state: same context id, snapshot present, and no invalidating
// dimension changed since it was fetched.
func (r *Record) reusableSnapshot(contextID string, intended filter.State) (*domain.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil || r.contextID != contextID {
		return nil, false
	}
	if filter.Invalidates(r.snapScope, intended) {
		return nil, false
	}
	return r.snapshot, true
}

// hasSnapshot reports whether any upstream payload is memoized, regardless of
// the scope it was fetched under.
func (r *Record) hasSnapshot() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot != nil
}

// renderInFlight reports whether a render currently holds this record.
func (r *Record) renderInFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeToken != 0
}

// commitIfActive atomically commits the render outcome if tok is still the
// newest for the key according to ledger, then runs apply while still holding
// the record lock. Applying inside the critical section puts the committed
// output on the wire before any later render can commit, so a stalled edit
// can never land after a newer render's edit. It returns false, committing
// nothing and not applying, when the render has been superseded.
func (r *Record) commitIfActive(ledger *token.Ledger, tok token.Token, contextID string, intended filter.State, snap *domain.Snapshot, apply func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ledger.IsActive(r.key, tok) {
		return false
	}
	r.contextID = contextID
	r.state = intended
	if snap != nil {
		r.snapshot = snap
		r.snapScope = intended
	}
	r.pending = nil
	r.activeToken = 0
	if apply != nil {
		apply()
	}
	return true
}
