// Package transport delivers panel edits to still-visible responses. Panels
// are edited over two channels: an SSE feed with reconnect replay for passive
// viewers, and a WebSocket hub for interactive ones. Both tolerate a panel
// that no longer has any viewers.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
)

// ActivityTopic carries session lifecycle events for dashboards, alongside
// the per-panel topics.
const ActivityTopic = "activity"

// Feed is the SSE side of the transport. One topic per panel key.
type Feed struct {
	provider sse.Provider
}

// NewFeed creates a feed whose provider replays missed events to
// reconnecting viewers via Last-Event-ID.
func NewFeed() *Feed {
	replayer, err := sse.NewValidReplayer(24*time.Hour, false)
	if err != nil {
		panic(err)
	}
	return &Feed{provider: &sse.Joe{Replayer: replayer}}
}

// Publish appends an event to a topic. Event IDs are ULIDs so replay order
// matches publish order.
func (f *Feed) Publish(topic string, payload []byte) {
	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(payload))
	if err := f.provider.Publish(msg, []string{topic}); err != nil {
		slog.Warn("SSE publish failed", "topic", topic, "error", err)
	}
}

// channelMessageWriter bridges provider subscriptions onto a channel the
// HTTP handler can select on alongside the request context.
type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

// Serve upgrades the request to SSE and streams a topic until the client
// disconnects. Replay of missed events is driven by the Last-Event-ID header.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request, topic string) error {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return err
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return err
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{topic},
	}
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	}

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- f.provider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return err
			}
			_ = sess.Flush()
		}
	}
}

// Shutdown stops the provider and disconnects all subscribers.
func (f *Feed) Shutdown(ctx context.Context) error {
	return f.provider.Shutdown(ctx)
}
