package node

import (
	"sync"
	"sync/atomic"

	"talker-node/internal/core/network"
	"talker-node/internal/msgs"
)

// Handler receives decoded messages on the subscriber's delivery goroutine.
type Handler func(msgs.String)

// Subscriber holds one topic subscription and the handlers attached to it.
type Subscriber struct {
	node  *Node
	topic string

	mu       sync.Mutex
	handlers []Handler
	cancel   func()

	received atomic.Int64
	dropped  atomic.Int64
}

func newSubscriber(n *Node, topic string) *Subscriber {
	return &Subscriber{node: n, topic: topic}
}

func (s *Subscriber) Topic() string { return s.topic }

// Received returns the number of messages decoded on this topic.
func (s *Subscriber) Received() int64 { return s.received.Load() }

func (s *Subscriber) addHandler(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

func (s *Subscriber) start() error {
	ch, cancel, err := s.node.pubsub.Subscribe(s.topic)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.node.wg.Add(1)
	go s.deliver(ch)
	return nil
}

func (s *Subscriber) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscriber) deliver(ch <-chan network.Message) {
	defer s.node.wg.Done()
	for raw := range ch {
		msg, err := msgs.DecodeString(raw.Payload)
		if err != nil {
			s.dropped.Add(1)
			s.node.log.Debug().Err(err).Str("topic", s.topic).Msg("drop message")
			continue
		}
		s.received.Add(1)

		s.mu.Lock()
		handlers := append([]Handler(nil), s.handlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (s *Subscriber) stats() TopicStats {
	s.mu.Lock()
	handlers := len(s.handlers)
	s.mu.Unlock()
	return TopicStats{
		Topic:    s.topic,
		Type:     msgs.StringType,
		Messages: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Handlers: handlers,
	}
}
