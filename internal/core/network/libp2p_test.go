package network

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackHost(t *testing.T, bootstrap ...string) *Libp2pPubSub {
	t.Helper()
	p, err := NewLibp2pPubSub(context.Background(), Libp2pOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   bootstrap,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestLibp2pPubSubDeliversBetweenHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	a := newLoopbackHost(t)
	require.NotEmpty(t, a.ListenAddrs())
	b := newLoopbackHost(t, a.ListenAddrs()[0])

	require.Eventually(t, func() bool {
		return len(b.ConnectedPeers()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, b.ConnectedPeers(), a.PeerID())

	_, cancelA, err := a.Subscribe("/bratter")
	require.NoError(t, err)
	defer cancelA()
	ch, cancelB, err := b.Subscribe("/bratter")
	require.NoError(t, err)
	defer cancelB()

	ctx := context.Background()
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-ch:
			assert.Equal(t, "/bratter", msg.Topic)
			assert.Equal(t, a.PeerID(), msg.From)
			assert.Equal(t, "hello", string(msg.Payload))
			return
		case <-tick.C:
			require.NoError(t, a.Publish(ctx, "/bratter", []byte("hello")))
		case <-deadline:
			t.Fatal("message never crossed hosts")
		}
	}
}

func TestLibp2pPubSubClosed(t *testing.T) {
	p := newLoopbackHost(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Publish(context.Background(), "/bratter", []byte("x")), ErrClosed)
	_, _, err := p.Subscribe("/bratter")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIdentityKeyIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}
