// Package graph keeps a peer-synchronised view of the nodes alive on a
// transport and which topics they publish and subscribe to. Every process
// announces its own nodes on Topic and learns about everyone else's from
// the same stream.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"talker-node/internal/core/network"
)

// Topic carries graph events between processes.
const Topic = "/talker/graph"

const (
	EventRegistered   = "node_registered"
	EventUpdated      = "node_updated"
	EventPresent      = "node_present"
	EventUnregistered = "node_unregistered"
	EventQuery        = "graph_query"
)

var (
	ErrNameTaken    = errors.New("node name already registered")
	ErrNodeNotFound = errors.New("node not found")
	ErrInvalidNode  = errors.New("node requires name and run id")
)

type TopicRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type NodeInfo struct {
	Name          string     `json:"name"`
	RunID         string     `json:"run_id"`
	PeerID        string     `json:"peer_id,omitempty"`
	Publications  []TopicRef `json:"publications,omitempty"`
	Subscriptions []TopicRef `json:"subscriptions,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Local         bool       `json:"local"`
}

// TopicInfo aggregates the nodes using one topic.
type TopicInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Publishers  []string `json:"publishers"`
	Subscribers []string `json:"subscribers"`
}

type Event struct {
	Type string    `json:"type"`
	From string    `json:"from"`
	Node *NodeInfo `json:"node,omitempty"`
	At   time.Time `json:"at"`
}

// ConflictFunc is called when a remote node claims the name of a local node
// and the local node is the one that must yield.
type ConflictFunc func(local, remote NodeInfo)

type localNode struct {
	info       NodeInfo
	onConflict ConflictFunc
}

// Manager tracks local and remote nodes.
type Manager struct {
	id     string
	pubsub network.PubSub
	clock  clock.Clock
	log    zerolog.Logger

	mu     sync.RWMutex
	local  map[string]*localNode
	remote map[string]*NodeInfo

	cancel func()
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock Sync waits on.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func NewManager(ps network.PubSub, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	ch, cancel, err := ps.Subscribe(Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	m := &Manager{
		id:     uuid.NewString(),
		pubsub: ps,
		clock:  clock.New(),
		log:    logger.With().Str("component", "graph").Logger(),
		local:  make(map[string]*localNode),
		remote: make(map[string]*NodeInfo),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.consume(ch)
	return m, nil
}

// Register claims info.Name for the run info.RunID. The claim fails if a
// different run already holds the name here or on a known peer. onConflict,
// if not nil, is called when a peer later turns out to hold the name from
// an earlier registration.
func (m *Manager) Register(ctx context.Context, info NodeInfo, onConflict ConflictFunc) error {
	if info.Name == "" || info.RunID == "" {
		return ErrInvalidNode
	}
	m.mu.Lock()
	if cur, ok := m.local[info.Name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (run %s)", ErrNameTaken, info.Name, cur.info.RunID)
	}
	if cur, ok := m.remote[info.Name]; ok && cur.RunID != info.RunID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (peer %s)", ErrNameTaken, info.Name, cur.PeerID)
	}
	now := m.clock.Now().UTC()
	n := cloneNode(info)
	n.PeerID = network.PeerID(m.pubsub)
	n.RegisteredAt = now
	n.UpdatedAt = now
	n.Local = true
	m.local[n.Name] = &localNode{info: n, onConflict: onConflict}
	m.mu.Unlock()

	m.log.Debug().Str("node", n.Name).Str("run_id", n.RunID).Msg("node registered")
	return m.publish(ctx, EventRegistered, &n)
}

// Update replaces the topic lists of a registered local node.
func (m *Manager) Update(ctx context.Context, info NodeInfo) error {
	m.mu.Lock()
	cur, ok := m.local[info.Name]
	if !ok || cur.info.RunID != info.RunID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, info.Name)
	}
	cur.info.Publications = append([]TopicRef(nil), info.Publications...)
	cur.info.Subscriptions = append([]TopicRef(nil), info.Subscriptions...)
	cur.info.UpdatedAt = m.clock.Now().UTC()
	n := cloneNode(cur.info)
	m.mu.Unlock()

	return m.publish(ctx, EventUpdated, &n)
}

// Unregister releases a local node's name.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	cur, ok := m.local[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	delete(m.local, name)
	n := cloneNode(cur.info)
	m.mu.Unlock()

	m.log.Debug().Str("node", name).Msg("node unregistered")
	return m.publish(ctx, EventUnregistered, &n)
}

// Sync asks peers to announce their nodes and waits settle for answers.
func (m *Manager) Sync(ctx context.Context, settle time.Duration) error {
	if err := m.publish(ctx, EventQuery, nil); err != nil {
		return err
	}
	if settle <= 0 {
		return nil
	}
	timer := m.clock.Timer(settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Nodes returns every known node sorted by name.
func (m *Manager) Nodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, 0, len(m.local)+len(m.remote))
	for _, n := range m.local {
		out = append(out, cloneNode(n.info))
	}
	for name, n := range m.remote {
		if _, shadowed := m.local[name]; shadowed {
			continue
		}
		out = append(out, cloneNode(*n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the node registered under name.
func (m *Manager) Lookup(name string) (NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.local[name]; ok {
		return cloneNode(n.info), nil
	}
	if n, ok := m.remote[name]; ok {
		return cloneNode(*n), nil
	}
	return NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
}

// Topics aggregates publishers and subscribers per topic, sorted by name.
func (m *Manager) Topics() []TopicInfo {
	byName := make(map[string]*TopicInfo)
	get := func(ref TopicRef) *TopicInfo {
		t, ok := byName[ref.Name]
		if !ok {
			t = &TopicInfo{Name: ref.Name, Type: ref.Type, Publishers: []string{}, Subscribers: []string{}}
			byName[ref.Name] = t
		}
		return t
	}
	for _, n := range m.Nodes() {
		for _, ref := range n.Publications {
			t := get(ref)
			t.Publishers = append(t.Publishers, n.Name)
		}
		for _, ref := range n.Subscriptions {
			t := get(ref)
			t.Subscribers = append(t.Subscribers, n.Name)
		}
	}
	out := make([]TopicInfo, 0, len(byName))
	for _, t := range byName {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops consuming graph events.
func (m *Manager) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *Manager) publish(ctx context.Context, eventType string, n *NodeInfo) error {
	b, err := json.Marshal(Event{Type: eventType, From: m.id, Node: n, At: m.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode graph event: %w", err)
	}
	if err := m.pubsub.Publish(ctx, Topic, b); err != nil {
		return fmt.Errorf("publish graph event: %w", err)
	}
	return nil
}

func (m *Manager) consume(ch <-chan network.Message) {
	defer close(m.done)
	for msg := range ch {
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			m.log.Debug().Err(err).Msg("drop malformed graph event")
			continue
		}
		if evt.From == m.id {
			continue
		}
		m.handle(evt)
	}
}

func (m *Manager) handle(evt Event) {
	switch evt.Type {
	case EventQuery:
		m.announceLocal()
	case EventRegistered, EventUpdated, EventPresent:
		if evt.Node == nil || evt.Node.Name == "" {
			return
		}
		m.upsertRemote(evt)
	case EventUnregistered:
		if evt.Node == nil {
			return
		}
		m.mu.Lock()
		if cur, ok := m.remote[evt.Node.Name]; ok && cur.RunID == evt.Node.RunID {
			delete(m.remote, evt.Node.Name)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) upsertRemote(evt Event) {
	n := cloneNode(*evt.Node)
	n.Local = false

	m.mu.Lock()
	m.remote[n.Name] = &n
	var (
		yield    bool
		localCp  NodeInfo
		callback ConflictFunc
	)
	if cur, ok := m.local[n.Name]; ok && cur.info.RunID != n.RunID {
		localCp = cloneNode(cur.info)
		callback = cur.onConflict
		yield = yields(localCp, n)
	}
	m.mu.Unlock()

	if localCp.Name == "" {
		return
	}
	if evt.Type == EventRegistered {
		// Tell the newcomer who already holds the name.
		m.announceLocal()
	}
	if !yield {
		m.log.Warn().Str("node", n.Name).Str("peer", n.PeerID).Msg("peer registered a name held locally")
		return
	}
	m.log.Warn().Str("node", n.Name).Str("peer", n.PeerID).Msg("name claimed earlier by peer")
	if callback != nil {
		callback(localCp, n)
	}
}

func (m *Manager) announceLocal() {
	m.mu.RLock()
	nodes := make([]NodeInfo, 0, len(m.local))
	for _, n := range m.local {
		nodes = append(nodes, cloneNode(n.info))
	}
	m.mu.RUnlock()
	for i := range nodes {
		if err := m.publish(context.Background(), EventPresent, &nodes[i]); err != nil {
			m.log.Debug().Err(err).Str("node", nodes[i].Name).Msg("announce node")
		}
	}
}

// yields reports whether local must give its name up to remote: the later
// registration loses, ties broken by run id.
func yields(local, remote NodeInfo) bool {
	if !remote.RegisteredAt.Equal(local.RegisteredAt) {
		return remote.RegisteredAt.Before(local.RegisteredAt)
	}
	return remote.RunID < local.RunID
}

func cloneNode(n NodeInfo) NodeInfo {
	n.Publications = append([]TopicRef(nil), n.Publications...)
	n.Subscriptions = append([]TopicRef(nil), n.Subscriptions...)
	return n
}
