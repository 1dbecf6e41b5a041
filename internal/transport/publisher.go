package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"statboard/internal/filter"
	"statboard/internal/render"
)

// Event kinds carried in the payload envelope.
const (
	EventPanel           = "panel"
	EventControls        = "controls"
	EventNotice          = "notice"
	EventControlsRemoved = "controls_removed"
)

// Envelope is the wire shape of every event on the feed and the hub.
type Envelope struct {
	Event    string            `json:"event"`
	Key      string            `json:"key"`
	State    *filter.State     `json:"state,omitempty"`
	Controls []filter.Control  `json:"controls,omitempty"`
	SVG      string            `json:"svg,omitempty"`
	Summary  *render.Aggregates `json:"summary,omitempty"`
	Message  string            `json:"message,omitempty"`
	At       time.Time         `json:"at"`
}

// Publisher fans panel edits out to both channels.
type Publisher struct {
	feed *Feed
	hub  *Hub
}

// NewPublisher creates a publisher over an SSE feed and a WebSocket hub.
func NewPublisher(feed *Feed, hub *Hub) *Publisher {
	return &Publisher{feed: feed, hub: hub}
}

func (p *Publisher) send(ctx context.Context, key string, env Envelope) error {
	env.Key = key
	env.At = time.Now()
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.feed.Publish(key, payload)
	p.hub.Broadcast(ctx, key, payload)
	return nil
}

// EditPanel replaces the visible panel body with a newly rendered output.
func (p *Publisher) EditPanel(ctx context.Context, key string, state filter.State, controls []filter.Control, out render.Output) error {
	return p.send(ctx, key, Envelope{
		Event:    EventPanel,
		State:    &state,
		Controls: controls,
		SVG:      string(out.SVG),
		Summary:  &out.Summary,
	})
}

// EditControls updates only the control row, used for the optimistic
// reflection of an intended filter before its render completes.
func (p *Publisher) EditControls(ctx context.Context, key string, state filter.State, controls []filter.Control) error {
	return p.send(ctx, key, Envelope{
		Event:    EventControls,
		State:    &state,
		Controls: controls,
	})
}

// Notify surfaces a user-visible message on the panel.
func (p *Publisher) Notify(ctx context.Context, key, message string) error {
	return p.send(ctx, key, Envelope{Event: EventNotice, Message: message})
}

// StripControls removes the interactive controls from a panel that is no
// longer live. Idempotent, and a panel nobody is watching anymore is fine.
func (p *Publisher) StripControls(ctx context.Context, key string) error {
	if err := p.send(ctx, key, Envelope{Event: EventControlsRemoved}); err != nil {
		return err
	}
	p.hub.ClosePanel(key)
	return nil
}

// Announce publishes a session lifecycle event on the activity topic.
func (p *Publisher) Announce(event, key string) {
	payload, err := json.Marshal(Envelope{Event: event, Key: key, At: time.Now()})
	if err != nil {
		slog.Warn("Failed to encode activity event", "event", event, "error", err)
		return
	}
	p.feed.Publish(ActivityTopic, payload)
}
