package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"statboard/internal/cache"
	"statboard/internal/domain"
	"statboard/internal/filter"
	"statboard/internal/render"
	"statboard/internal/store"
	"statboard/internal/token"
	"statboard/internal/upstream"
	"github.com/oklog/ulid/v2"
)

// User-visible notice texts.
const (
	noticeNotFound    = "no stats found for this player yet"
	noticeUnavailable = "stats provider unavailable, try again shortly"
	noticeFailed      = "could not draw this view, try again shortly"
)

// ErrInvalidTrigger marks a trigger whose control token could not be decoded.
// The interaction is treated as expired: the user is informed and no state
// is mutated.
var ErrInvalidTrigger = errors.New("invalid or expired control")

// Transport is the outer response channel the dispatcher edits panels
// through. All methods are idempotent and tolerate a panel that no longer
// exists.
type Transport interface {
	// EditPanel replaces the panel body with newly rendered output.
	EditPanel(ctx context.Context, key string, state filter.State, controls []filter.Control, out render.Output) error

	// EditControls updates only the control row (optimistic reflection of an
	// intended filter before its render completes).
	EditControls(ctx context.Context, key string, state filter.State, controls []filter.Control) error

	// Notify surfaces a user-visible message on the panel.
	Notify(ctx context.Context, key, message string) error

	// StripControls removes interactive controls from an expired panel.
	StripControls(ctx context.Context, key string) error

	// Announce publishes a session lifecycle event for observers.
	Announce(event, key string)
}

// Deps are the collaborators a Dispatcher is built from.
type Deps struct {
	Fetcher   upstream.Fetcher
	Repo      store.Repository // optional; preference and snapshot warm-start reads
	Transport Transport
	Render    render.Func // defaults to render.Panel

	TTL         time.Duration // idle session lifetime, slid on every accepted render
	SnapshotTTL time.Duration // max age for warm-start snapshot rows
}

// Dispatcher drives the per-panel state machine: Idle → Rendering → Idle.
// Sessions live in a TTL cache the dispatcher owns; render outcomes are
// applied under token control so overlapping cycles for one key can never
// clobber each other.
type Dispatcher struct {
	sessions  *cache.Store[*Record]
	ledger    *token.Ledger
	fetcher   upstream.Fetcher
	repo      store.Repository
	renderFn  render.Func
	transport Transport

	ttl         time.Duration
	snapshotTTL time.Duration
}

// NewDispatcher creates a dispatcher and its session store.
func NewDispatcher(deps Deps) *Dispatcher {
	renderFn := deps.Render
	if renderFn == nil {
		renderFn = render.Panel
	}
	d := &Dispatcher{
		ledger:      token.NewLedger(),
		fetcher:     deps.Fetcher,
		repo:        deps.Repo,
		renderFn:    renderFn,
		transport:   deps.Transport,
		ttl:         deps.TTL,
		snapshotTTL: deps.SnapshotTTL,
	}
	if d.ttl <= 0 {
		d.ttl = 10 * time.Minute
	}
	if d.snapshotTTL <= 0 {
		d.snapshotTTL = 6 * time.Hour
	}
	d.sessions = cache.New[*Record](d.handleEviction)
	return d
}

// StartSweeper runs the session TTL sweeper and the snapshot prune loop
// until ctx is done.
func (d *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) {
	d.sessions.Sweep(ctx, interval)
	if d.repo == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(d.snapshotTTL / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				deleted, err := d.repo.PruneSnapshots(pruneCtx, d.snapshotTTL)
				cancel()
				if err != nil {
					slog.Error("Snapshot prune failed", "error", err)
				} else if deleted > 0 {
					slog.Info("Pruned stale cached snapshots", "count", deleted)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// OpenResult is the outcome of creating a new panel.
type OpenResult struct {
	Key       string           `json:"key"`
	ContextID string           `json:"context_id"`
	State     filter.State     `json:"state"`
	Controls  []filter.Control `json:"controls"`
	Output    render.Output    `json:"output"`
	Notice    string           `json:"notice,omitempty"`
}

// Open creates a new panel session for a context id and renders it once
// synchronously. The initial filter state comes from the viewer's saved
// preferences when present, otherwise the defaults. An upstream not-found
// still creates the session (with an empty snapshot) so later triggers can
// retry; only transient failures abort.
func (d *Dispatcher) Open(ctx context.Context, contextID, viewerID string) (*OpenResult, error) {
	if contextID == "" {
		return nil, fmt.Errorf("context id is required")
	}

	key := ulid.Make().String()
	state := d.initialState(ctx, viewerID)
	rec := newRecord(key, contextID, state)

	notice := ""
	snap, err := d.loadSnapshot(ctx, contextID, true)
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		notice = noticeNotFound
	case err != nil:
		return nil, fmt.Errorf("seed panel for %s: %w", contextID, err)
	default:
		rec.mu.Lock()
		rec.snapshot = snap
		rec.snapScope = state
		rec.mu.Unlock()
	}

	out, err := d.renderFn(snap, state, d.statusPort(key))
	if err != nil {
		return nil, fmt.Errorf("initial render for %s: %w", contextID, err)
	}

	d.sessions.Put(key, rec, d.ttl)
	d.transport.Announce("session_created", key)
	slog.Info("Panel session created", "panel_key", key, "context_id", contextID, "viewer_id", viewerID)

	return &OpenResult{
		Key:       key,
		ContextID: contextID,
		State:     state,
		Controls:  filter.Controls(state, contextID),
		Output:    out,
		Notice:    notice,
	}, nil
}

// Get returns the observable state of a live session.
func (d *Dispatcher) Get(key string) (View, bool) {
	rec, ok := d.sessions.Get(key)
	if !ok {
		return View{}, false
	}
	return rec.View(), true
}

// Invalidate explicitly removes a session and strips the panel's controls.
func (d *Dispatcher) Invalidate(ctx context.Context, key string) bool {
	_, ok := d.sessions.Remove(key)
	if !ok {
		return false
	}
	if err := d.transport.StripControls(ctx, key); err != nil {
		slog.Warn("Failed to strip controls on invalidation", "panel_key", key, "error", err)
	}
	d.transport.Announce("session_invalidated", key)
	return true
}

// HandleTrigger processes one filter-change trigger for a panel. The decoded
// token carries the full intended filter tuple (controls are minted from the
// visible state with one dimension swapped, so untouched dimensions persist
// by construction). The render itself runs asynchronously; exactly one
// outcome, success or failure, is applied to the panel, and only if the
// cycle's token is still the newest at completion time.
func (d *Dispatcher) HandleTrigger(ctx context.Context, key, rawToken, viewerID string) error {
	intended, contextID, err := filter.Decode(rawToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	rec, ok := d.sessions.Get(key)
	if !ok {
		// The session expired; seed a fresh one rather than rejecting the
		// interaction. GetOrPut resolves the miss atomically so concurrent
		// triggers on the same dead key converge on one record.
		var existed bool
		rec, existed = d.sessions.GetOrPut(key, newRecord(key, contextID, filter.Default()), d.ttl)
		if !existed {
			slog.Info("Re-seeding expired panel session", "panel_key", key, "context_id", contextID)
		}
	}

	// Optimistic UI: reflect the intended filter on the controls before the
	// render completes. The committed panel edit follows (or doesn't).
	if err := d.transport.EditControls(ctx, key, intended, filter.Controls(intended, contextID)); err != nil {
		slog.Warn("Optimistic control update failed", "panel_key", key, "error", err)
	}

	tok := d.ledger.Begin(key)
	rec.beginRender(intended, tok)

	go d.renderCycle(rec, key, contextID, intended, tok, viewerID)
	return nil
}

// renderCycle performs one recompute-and-apply attempt. It always ends its
// token, and it gates every user-visible side effect on the token still
// being the newest for the key.
func (d *Dispatcher) renderCycle(rec *Record, key, contextID string, intended filter.State, tok token.Token, viewerID string) {
	// Render cycles outlive the trigger request; the upstream client carries
	// its own timeout, and the TTL is the only liveness bound.
	ctx := context.Background()
	defer func() {
		d.ledger.End(key, tok)
		rec.abandon(tok)
	}()

	snap, ok := rec.reusableSnapshot(contextID, intended)
	if !ok {
		// Cheap early-out: a superseded render skips the upstream fetch.
		if !d.ledger.IsActive(key, tok) {
			slog.Debug("Render superseded before fetch", "panel_key", key)
			return
		}
		// A record with no snapshot at all is a fresh re-seed and may
		// warm-start from the cache; an invalidated scope always refetches.
		var err error
		snap, err = d.loadSnapshot(ctx, contextID, !rec.hasSnapshot())
		if err != nil {
			d.failRender(ctx, key, tok, contextID, err)
			return
		}
	}

	out, err := d.renderFn(snap, intended, d.statusPort(key))
	if err != nil {
		d.failRender(ctx, key, tok, contextID, err)
		return
	}

	// The apply runs inside the commit's critical section: a newer render
	// cannot commit until this edit is on the wire, so result application
	// order always follows token recency.
	committed := rec.commitIfActive(d.ledger, tok, contextID, intended, snap, func() {
		if err := d.transport.EditPanel(ctx, key, intended, filter.Controls(intended, contextID), out); err != nil {
			slog.Warn("Failed to apply rendered panel", "panel_key", key, "error", err)
		}
	})
	if !committed {
		// Superseded: silent by design.
		slog.Debug("Render superseded, result discarded", "panel_key", key)
		return
	}

	if !d.sessions.Touch(key, d.ttl) {
		// The session expired mid-render. The panel got its final edit but
		// will get no more; strip the controls so no dead buttons remain.
		slog.Info("Session expired during render, stripping controls", "panel_key", key)
		if err := d.transport.StripControls(ctx, key); err != nil {
			slog.Warn("Failed to strip controls after late render", "panel_key", key, "error", err)
		}
	}

	d.transport.Announce("render_applied", key)
	d.savePreferences(ctx, viewerID, intended)
	slog.Info("Render applied", "panel_key", key, "context_id", contextID,
		"time", intended.Time, "queue", intended.Queue, "size", intended.Size)
}

// failRender surfaces a user-visible failure if the cycle is still current.
// The session record is retained either way so subsequent triggers can retry.
func (d *Dispatcher) failRender(ctx context.Context, key string, tok token.Token, contextID string, err error) {
	if !d.ledger.IsActive(key, tok) {
		slog.Debug("Superseded render failed, dropping notice", "panel_key", key, "error", err)
		return
	}
	notice := noticeFailed
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		notice = noticeNotFound
		slog.Info("No upstream data for context", "panel_key", key, "context_id", contextID)
	case errors.Is(err, upstream.ErrUnavailable):
		notice = noticeUnavailable
		slog.Error("Render cycle failed", "panel_key", key, "context_id", contextID, "error", err)
	default:
		slog.Error("Render cycle failed", "panel_key", key, "context_id", contextID, "error", err)
	}
	if notifyErr := d.transport.Notify(ctx, key, notice); notifyErr != nil {
		slog.Warn("Failed to surface render failure", "panel_key", key, "error", notifyErr)
	}

	// The eviction hook defers tidy-up to a render in flight, so a failing
	// render must cover it: if the session expired while this cycle ran,
	// strip the dead controls here.
	if !d.sessions.Touch(key, d.ttl) {
		slog.Info("Session expired during failed render, stripping controls", "panel_key", key)
		if stripErr := d.transport.StripControls(ctx, key); stripErr != nil {
			slog.Warn("Failed to strip controls after failed render", "panel_key", key, "error", stripErr)
		}
	}
}

// handleEviction is the TTL store's eviction hook: strip the now-meaningless
// controls from the still-visible panel. A render in flight keeps its own
// tidy-up path (see renderCycle's Touch miss).
func (d *Dispatcher) handleEviction(key string, rec *Record) {
	if rec.renderInFlight() {
		slog.Debug("Session evicted with render in flight", "panel_key", key)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.transport.StripControls(ctx, key); err != nil {
		slog.Warn("Eviction control strip failed", "panel_key", key, "error", err)
	}
	d.transport.Announce("session_evicted", key)
	slog.Info("Idle panel session evicted", "panel_key", key)
}

// statusPort adapts the renderer's one-way progress reports to logging. It
// never commits state; only the gated completion path does.
func (d *Dispatcher) statusPort(key string) render.Status {
	return func(stage string) {
		slog.Debug("Render progress", "panel_key", key, "stage", stage)
	}
}

// initialState seeds a new panel's filter from the viewer's saved
// preferences, falling back to defaults.
func (d *Dispatcher) initialState(ctx context.Context, viewerID string) filter.State {
	if d.repo == nil || viewerID == "" {
		return filter.Default()
	}
	prefs, err := d.repo.GetPreferences(ctx, viewerID)
	if err != nil {
		slog.Warn("Preference lookup failed, using defaults", "viewer_id", viewerID, "error", err)
		return filter.Default()
	}
	if prefs == nil {
		return filter.Default()
	}
	return filter.FromPreferences(prefs.TimeWindow, prefs.QueueMode, prefs.GroupSize)
}

// savePreferences writes a committed filter state back as the viewer's
// defaults. Best-effort: persistence is never required to be consistent with
// the in-memory session.
func (d *Dispatcher) savePreferences(ctx context.Context, viewerID string, state filter.State) {
	if d.repo == nil || viewerID == "" {
		return
	}
	prefs := &domain.Preferences{
		ViewerID:   viewerID,
		TimeWindow: string(state.Time),
		QueueMode:  string(state.Queue),
		GroupSize:  string(state.Size),
	}
	if err := d.repo.UpsertPreferences(ctx, prefs); err != nil {
		slog.Warn("Preference write-back failed", "viewer_id", viewerID, "error", err)
	}
}

// loadSnapshot fetches the upstream payload for a context id. Warm starts
// (seeding a session) may serve a recent cached row; render cycles whose
// scope was invalidated always go to the provider. Fetched snapshots are
// written through to the cache best-effort.
func (d *Dispatcher) loadSnapshot(ctx context.Context, contextID string, warmStart bool) (*domain.Snapshot, error) {
	if warmStart && d.repo != nil {
		cached, err := d.repo.GetSnapshot(ctx, contextID, d.snapshotTTL)
		if err != nil {
			slog.Warn("Cached snapshot read failed", "context_id", contextID, "error", err)
		} else if cached != nil {
			slog.Debug("Warm-starting from cached snapshot", "context_id", contextID, "age", cached.Age())
			return cached, nil
		}
	}

	snap, err := d.fetcher.FetchSnapshot(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if d.repo != nil {
		if putErr := d.repo.PutSnapshot(ctx, contextID, snap); putErr != nil {
			slog.Warn("Snapshot write-through failed", "context_id", contextID, "error", putErr)
		}
	}
	return snap, nil
}
