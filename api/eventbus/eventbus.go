package eventbus

import (
	"github.com/cskr/pubsub/v2"
	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/dfu"
)

// DefaultCapacity is the default buffer size of each subscriber channel.
const DefaultCapacity = 64

// topicSessionState is the topic on which session state changes are published.
const topicSessionState = "session_state"

// Bus represents an event bus which pushes session state changes to
// all of its subscribers, in publishing order.
type Bus struct {
	ps     *pubsub.PubSub[string, dfu.SessionState]
	closed atomic.Bool
}

// Subscription represents a subscription to the session state changes.
// The subscriber must consume the channel until it is closed, or unsubscribe.
type Subscription struct {
	C <-chan dfu.SessionState

	active bool
	unsub  func()
}

// New returns a new event bus with the provided subscriber buffer capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Bus{ps: pubsub.New[string, dfu.SessionState](capacity)}
}

// Publish publishes a state change to all subscribers. It blocks until
// the change has been queued for every subscriber.
func (b *Bus) Publish(state dfu.SessionState) {
	if b.closed.Load() {
		return
	}

	b.ps.Pub(state, topicSessionState)
}

// Subscribe subscribes to the state changes.
func (b *Bus) Subscribe() Subscription {
	if b.closed.Load() {
		ch := make(chan dfu.SessionState)
		close(ch)

		return Subscription{C: ch}
	}

	ch := b.ps.Sub(topicSessionState)

	return Subscription{
		C:      ch,
		active: true,
		unsub: func() {
			if b.closed.Load() {
				return
			}

			// A publish may be blocked on this channel, and the unsubscription
			// is only processed after it, so the channel is drained until
			// the pubsub closes it.
			go func() {
				for range ch {
				}
			}()
			go b.ps.Unsub(ch, topicSessionState)
		},
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.ps.Shutdown()
}

// Unsubscribe unsubscribes from the attached subscription.
func (s Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// IsActive returns if the subscriber can actually receive events.
func (s Subscription) IsActive() bool {
	return s.active
}
