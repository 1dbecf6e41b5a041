package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statboard/internal/domain"
	"statboard/internal/filter"
	"statboard/internal/render"
	"statboard/internal/upstream"
)

// fakeFetcher serves snapshots from a map and can hold fetches on a gate
// channel so tests control completion order.
type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]*domain.Snapshot
	err       error
	gate      chan struct{}
	fetches   int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{snapshots: make(map[string]*domain.Snapshot)}
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, contextID string) (*domain.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.gate
	err := f.err
	snap := f.snapshots[contextID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, upstream.ErrNotFound
	}
	copied := *snap
	copied.FetchedAt = time.Now()
	return &copied, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// transportCall records one outbound edit for assertion.
type transportCall struct {
	method  string
	key     string
	state   filter.State
	message string
}

// fakeTransport records every call and never fails.
type fakeTransport struct {
	mu    sync.Mutex
	calls []transportCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) record(c transportCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, c)
}

func (t *fakeTransport) EditPanel(ctx context.Context, key string, state filter.State, controls []filter.Control, out render.Output) error {
	t.record(transportCall{method: "EditPanel", key: key, state: state})
	return nil
}

func (t *fakeTransport) EditControls(ctx context.Context, key string, state filter.State, controls []filter.Control) error {
	t.record(transportCall{method: "EditControls", key: key, state: state})
	return nil
}

func (t *fakeTransport) Notify(ctx context.Context, key, message string) error {
	t.record(transportCall{method: "Notify", key: key, message: message})
	return nil
}

func (t *fakeTransport) StripControls(ctx context.Context, key string) error {
	t.record(transportCall{method: "StripControls", key: key})
	return nil
}

func (t *fakeTransport) Announce(event, key string) {
	t.record(transportCall{method: "Announce", key: key, message: event})
}

func (t *fakeTransport) count(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (t *fakeTransport) last(method string) (transportCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].method == method {
			return t.calls[i], true
		}
	}
	return transportCall{}, false
}

// stallTransport stalls the first EditPanel until released, so tests can
// exercise completion-order races around the apply.
type stallTransport struct {
	*fakeTransport
	entered chan struct{}
	release chan struct{}
	stalled atomic.Bool
}

func (t *stallTransport) EditPanel(ctx context.Context, key string, state filter.State, controls []filter.Control, out render.Output) error {
	if t.stalled.CompareAndSwap(false, true) {
		t.entered <- struct{}{}
		<-t.release
	}
	return t.fakeTransport.EditPanel(ctx, key, state, controls, out)
}

func testSnapshot(name string) *domain.Snapshot {
	return &domain.Snapshot{
		Profile: &domain.PlayerProfile{ContextID: "player-42", Name: name},
		Matches: []domain.MatchRecord{
			{MatchID: "m1", PlayedAt: time.Now().Add(-time.Hour), Queue: "solo", PartySize: 1, Won: true, Score: 12},
			{MatchID: "m2", PlayedAt: time.Now().Add(-48 * time.Hour), Queue: "group", PartySize: 4, Won: false, Score: 7},
		},
		FetchedAt: time.Now(),
	}
}

func newTestDispatcher(fetcher *fakeFetcher, transport *fakeTransport) *Dispatcher {
	return NewDispatcher(Deps{
		Fetcher:   fetcher,
		Transport: transport,
		TTL:       10 * time.Minute,
	})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestDispatcher_OpenRendersWithDefaults(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	d := newTestDispatcher(fetcher, newFakeTransport())

	result, err := d.Open(context.Background(), "player-42", "viewer-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if result.State != filter.Default() {
		t.Errorf("Expected default filter state, got %+v", result.State)
	}
	if len(result.Controls) != 9 {
		t.Errorf("Expected 9 controls, got %d", len(result.Controls))
	}
	if len(result.Output.SVG) == 0 {
		t.Error("Expected rendered SVG output")
	}
	if result.Notice != "" {
		t.Errorf("Expected no notice, got %q", result.Notice)
	}

	view, ok := d.Get(result.Key)
	if !ok {
		t.Fatal("Expected session to be live after Open")
	}
	if !view.HasSnapshot {
		t.Error("Expected session to hold a snapshot")
	}
}

func TestDispatcher_OpenUnknownPlayerStillCreatesSession(t *testing.T) {
	d := newTestDispatcher(newFakeFetcher(), newFakeTransport())

	result, err := d.Open(context.Background(), "nobody", "viewer-1")
	if err != nil {
		t.Fatalf("Expected not-found to still create a session, got %v", err)
	}
	if result.Notice == "" {
		t.Error("Expected a notice explaining missing data")
	}
	if _, ok := d.Get(result.Key); !ok {
		t.Error("Expected session to be live for retries")
	}
}

func TestDispatcher_TriggerAppliesIntendedState(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, err := d.Open(context.Background(), "player-42", "viewer-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	intended := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	token := filter.Encode(intended, "player-42")
	if err := d.HandleTrigger(context.Background(), result.Key, token, "viewer-1"); err != nil {
		t.Fatalf("HandleTrigger failed: %v", err)
	}

	waitFor(t, func() bool { return transport.count("EditPanel") == 1 }, "panel edit")

	view, _ := d.Get(result.Key)
	if view.State != intended {
		t.Errorf("Expected committed state %+v, got %+v", intended, view.State)
	}
	if view.RenderInFlight {
		t.Error("Expected no render in flight after completion")
	}

	// The optimistic controls edit precedes the committed panel edit.
	if transport.count("EditControls") != 1 {
		t.Errorf("Expected 1 optimistic controls edit, got %d", transport.count("EditControls"))
	}
}

func TestDispatcher_MalformedTokenRejectedWithoutMutation(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	err := d.HandleTrigger(context.Background(), result.Key, "garbage", "viewer-1")
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("Expected ErrInvalidTrigger, got %v", err)
	}

	view, _ := d.Get(result.Key)
	if view.State != filter.Default() {
		t.Errorf("Expected state untouched, got %+v", view.State)
	}
	if transport.count("EditControls") != 0 || transport.count("EditPanel") != 0 {
		t.Error("Expected no edits for a rejected trigger")
	}
}

func TestDispatcher_SupersededRenderDiscarded(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	// Hold every fetch so both render cycles are in flight together.
	gate := make(chan struct{})
	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.mu.Unlock()

	first := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	second := filter.State{Time: filter.TimeSeason, Queue: filter.QueueBoth, Size: filter.SizeBoth}

	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(first, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("First trigger failed: %v", err)
	}
	waitFor(t, func() bool { return fetcher.fetchCount() >= 2 }, "first fetch to start")

	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(second, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Second trigger failed: %v", err)
	}
	waitFor(t, func() bool { return fetcher.fetchCount() >= 3 }, "second fetch to start")

	// Release both; the superseded first render must not be applied even if
	// it finishes after the second.
	close(gate)

	waitFor(t, func() bool {
		view, ok := d.Get(result.Key)
		return ok && !view.RenderInFlight && view.State == second
	}, "newest render to commit")

	// Exactly one panel edit: the first cycle was superseded before commit.
	if got := transport.count("EditPanel"); got != 1 {
		t.Errorf("Expected exactly 1 applied panel edit, got %d", got)
	}
	last, _ := transport.last("EditPanel")
	if last.state != second {
		t.Errorf("Expected applied state %+v, got %+v", second, last.state)
	}
}

func TestDispatcher_SequentialTriggersMergeDimensions(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	// Press "week" on the time row.
	weekly := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(weekly, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("First trigger failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 1 }, "first render")

	// The refreshed controls encode the committed state, so the "large"
	// button now carries time=week as well.
	view, _ := d.Get(result.Key)
	controls := filter.Controls(view.State, "player-42")
	var largeToken string
	for _, c := range controls {
		if c.Dimension == "size" && c.Value == "large" {
			largeToken = c.Token
		}
	}
	if largeToken == "" {
		t.Fatal("Expected a size=large control")
	}

	if err := d.HandleTrigger(context.Background(), result.Key, largeToken, "viewer-1"); err != nil {
		t.Fatalf("Second trigger failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 2 }, "second render")

	want := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeLarge}
	view, _ = d.Get(result.Key)
	if view.State != want {
		t.Errorf("Expected merged state %+v, got %+v", want, view.State)
	}
}

func TestDispatcher_SizeChangeReusesSnapshot(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")
	openFetches := fetcher.fetchCount()

	// Size is display-only: no refetch.
	sized := filter.State{Time: filter.TimeAll, Queue: filter.QueueBoth, Size: filter.SizeLarge}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(sized, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 1 }, "size render")
	if fetcher.fetchCount() != openFetches {
		t.Errorf("Expected no refetch for size change, got %d extra", fetcher.fetchCount()-openFetches)
	}

	// Time invalidates: must refetch.
	windowed := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeLarge}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(windowed, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 2 }, "windowed render")
	if fetcher.fetchCount() != openFetches+1 {
		t.Errorf("Expected exactly 1 refetch for time change, got %d", fetcher.fetchCount()-openFetches)
	}
}

func TestDispatcher_StalledApplyCannotClobberNewerRender(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	base := newFakeTransport()
	stall := &stallTransport{fakeTransport: base, entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(Deps{Fetcher: fetcher, Transport: stall, TTL: 10 * time.Minute})

	result, err := d.Open(context.Background(), "player-42", "viewer-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	week := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	season := filter.State{Time: filter.TimeSeason, Queue: filter.QueueBoth, Size: filter.SizeBoth}

	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(week, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("First trigger failed: %v", err)
	}
	// The first render has committed and is now stalled mid-apply.
	<-stall.entered

	// A newer trigger arrives while the first apply is stalled. It must not
	// be able to land its edit before the stalled one.
	trigDone := make(chan error, 1)
	go func() {
		trigDone <- d.HandleTrigger(context.Background(), result.Key, filter.Encode(season, "player-42"), "viewer-1")
	}()

	time.Sleep(20 * time.Millisecond)
	close(stall.release)

	if err := <-trigDone; err != nil {
		t.Fatalf("Second trigger failed: %v", err)
	}

	waitFor(t, func() bool {
		view, ok := d.Get(result.Key)
		return ok && !view.RenderInFlight && view.State == season
	}, "newest render to commit")

	if got := base.count("EditPanel"); got != 2 {
		t.Errorf("Expected both renders applied in order, got %d edits", got)
	}
	last, ok := base.last("EditPanel")
	if !ok {
		t.Fatal("Expected panel edits")
	}
	if last.state != season {
		t.Errorf("Expected the newest render's edit to land last, got %+v", last.state)
	}
}

func TestDispatcher_EvictionDuringFailingRenderStripsControls(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	gate := make(chan struct{})
	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.err = fmt.Errorf("%w: connection refused", upstream.ErrUnavailable)
	fetcher.mu.Unlock()

	weekly := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(weekly, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, func() bool { return fetcher.fetchCount() >= 2 }, "render fetch to start")

	// TTL eviction while the render is in flight: the hook defers tidy-up to
	// the running cycle.
	rec, ok := d.sessions.Remove(result.Key)
	if !ok {
		t.Fatal("Expected a live record to evict")
	}
	d.handleEviction(result.Key, rec)
	if transport.count("StripControls") != 0 {
		t.Fatal("Expected eviction hook to defer stripping to the in-flight render")
	}

	close(gate)

	waitFor(t, func() bool { return transport.count("Notify") == 1 }, "failure notice")
	waitFor(t, func() bool { return transport.count("StripControls") == 1 }, "controls stripped after failed render")

	notice, _ := transport.last("Notify")
	if notice.message != noticeUnavailable {
		t.Errorf("Expected unavailable notice, got %q", notice.message)
	}
	if transport.count("EditPanel") != 0 {
		t.Error("Expected no panel edit from the failed render")
	}
}

func TestDispatcher_ConcurrentTriggersOnExpiredKeyShareOneRecord(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")
	d.sessions.Remove(result.Key)

	week := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	season := filter.State{Time: filter.TimeSeason, Queue: filter.QueueBoth, Size: filter.SizeBoth}

	var wg sync.WaitGroup
	for _, state := range []filter.State{week, season} {
		wg.Add(1)
		go func(s filter.State) {
			defer wg.Done()
			if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(s, "player-42"), "viewer-1"); err != nil {
				t.Errorf("Trigger failed: %v", err)
			}
		}(state)
	}
	wg.Wait()

	// Both triggers converge on one cached record: once everything settles,
	// the cached committed state matches the last applied panel edit.
	waitFor(t, func() bool {
		view, ok := d.Get(result.Key)
		if !ok || view.RenderInFlight {
			return false
		}
		last, applied := transport.last("EditPanel")
		return applied && last.state == view.State
	}, "cached state to match the applied panel")
}

func TestDispatcher_FetchFailureNotifiesAndRetains(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	fetcher.mu.Lock()
	fetcher.err = fmt.Errorf("%w: connection refused", upstream.ErrUnavailable)
	fetcher.mu.Unlock()

	weekly := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(weekly, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	waitFor(t, func() bool { return transport.count("Notify") == 1 }, "failure notice")
	notice, _ := transport.last("Notify")
	if notice.message != noticeUnavailable {
		t.Errorf("Expected unavailable notice, got %q", notice.message)
	}

	// Session retained with its previous committed state; a later trigger
	// can retry once the provider recovers.
	view, ok := d.Get(result.Key)
	if !ok {
		t.Fatal("Expected session retained after failure")
	}
	if view.State != filter.Default() {
		t.Errorf("Expected state unchanged after failure, got %+v", view.State)
	}
	if view.RenderInFlight {
		t.Error("Expected render marked complete after failure")
	}

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.mu.Unlock()

	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(weekly, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Retry trigger failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 1 }, "recovered render")
}

func TestDispatcher_TriggerOnExpiredSessionReseeds(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.snapshots["player-42"] = testSnapshot("Ada")
	transport := newFakeTransport()
	d := newTestDispatcher(fetcher, transport)

	result, _ := d.Open(context.Background(), "player-42", "viewer-1")

	// Simulate TTL expiry via explicit invalidation.
	if !d.Invalidate(context.Background(), result.Key) {
		t.Fatal("Expected invalidation to succeed")
	}
	if transport.count("StripControls") != 1 {
		t.Errorf("Expected controls stripped once, got %d", transport.count("StripControls"))
	}
	if _, ok := d.Get(result.Key); ok {
		t.Fatal("Expected session gone after invalidation")
	}

	// A trigger against the dead key seeds a fresh session.
	weekly := filter.State{Time: filter.TimeWeek, Queue: filter.QueueBoth, Size: filter.SizeBoth}
	if err := d.HandleTrigger(context.Background(), result.Key, filter.Encode(weekly, "player-42"), "viewer-1"); err != nil {
		t.Fatalf("Trigger on expired session failed: %v", err)
	}
	waitFor(t, func() bool { return transport.count("EditPanel") == 1 }, "re-seeded render")

	view, ok := d.Get(result.Key)
	if !ok {
		t.Fatal("Expected fresh session after re-seed")
	}
	if view.State != weekly {
		t.Errorf("Expected fresh session at intended state, got %+v", view.State)
	}
}
