package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/markus-barta/epiwatch/internal/protocol"
)

// Handler receives push events for a topic.
type Handler func(protocol.Event)

// Subscription is returned by On and OnState.
type Subscription interface {
	// Unsubscribe stops delivery. It is idempotent.
	Unsubscribe()
}

// Bus is the subscribe side of the connection manager. Components that only
// react to events depend on Bus rather than on *Client.
type Bus interface {
	On(topic string, h Handler) Subscription
}

type topicSub struct {
	topic   string
	handler Handler
	active  atomic.Bool
	once    sync.Once
	remove  func(*topicSub)
}

func (s *topicSub) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.remove(s)
	})
}

type funcSub struct {
	once sync.Once
	fn   func()
}

func (s *funcSub) Unsubscribe() {
	s.once.Do(s.fn)
}
