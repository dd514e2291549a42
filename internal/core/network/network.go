package network

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing or subscribing on a closed transport.
var ErrClosed = errors.New("pubsub closed")

// Message is the transport envelope delivered to subscribers.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// PubSub is the broadcast transport nodes rendezvous on by topic name.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}

// Identifier is implemented by transports that carry a peer identity.
type Identifier interface {
	PeerID() string
}

// PeerID returns the transport's peer identity, or "local" for transports
// that have none.
func PeerID(ps PubSub) string {
	if id, ok := ps.(Identifier); ok {
		return id.PeerID()
	}
	return "local"
}

// PeerLister is implemented by transports that track connected peers.
type PeerLister interface {
	ConnectedPeers() []string
	ListenAddrs() []string
}
