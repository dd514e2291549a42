package node

import (
	"fmt"
	"sync/atomic"

	"talker-node/internal/msgs"
)

// Publisher sends String messages on one topic.
type Publisher struct {
	node      *Node
	topic     string
	published atomic.Int64
}

func (p *Publisher) Topic() string { return p.topic }

// Publish encodes msg and hands it to the transport.
func (p *Publisher) Publish(msg msgs.String) error {
	if !p.node.Initialized() {
		return ErrNotInitialized
	}
	if p.node.ShutdownRequested() {
		return ErrShutdown
	}
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.node.pubsub.Publish(p.node.ctx, p.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	p.published.Add(1)
	return nil
}

// Published returns the number of messages sent so far.
func (p *Publisher) Published() int64 { return p.published.Load() }
