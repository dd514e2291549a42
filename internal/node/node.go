// Package node implements a named participant on a pub/sub transport: it
// owns topic registrations, the process-wide shutdown flag and the clock
// that application loops pace themselves with.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"talker-node/internal/core/names"
	"talker-node/internal/core/network"
	"talker-node/internal/graph"
	"talker-node/internal/msgs"
)

var (
	// ErrInterrupted reports that a wait ended because shutdown was requested.
	ErrInterrupted        = errors.New("interrupted by shutdown")
	ErrShutdown           = fmt.Errorf("node is shut down: %w", ErrInterrupted)
	ErrAlreadyInitialized = errors.New("node already initialized")
	ErrNotInitialized     = errors.New("node not initialized")
)

// Environment is what a cooperative loop needs from the node it runs in.
type Environment interface {
	ShutdownRequested() bool
	// Now returns the current time in seconds.
	Now() float64
	// Sleep waits for d, returning ErrInterrupted if shutdown is requested
	// first.
	Sleep(d time.Duration) error
}

type Options struct {
	// Name is the node name, optionally prefixed with its namespace.
	Name string
	// Namespace overrides the namespace carried in Name.
	Namespace string
	// Args may carry `from:=to` remappings, `_param:=value` and the
	// `__name`/`__ns` specials.
	Args []string
	// Settle is how long Initialize waits for peers to announce their nodes.
	Settle time.Duration
	Clock  clock.Clock
}

type Node struct {
	name          string
	namespace     string
	qualifiedName string
	runID         string
	resolver      *names.Resolver
	params        map[string]any
	rest          []string
	settle        time.Duration

	pubsub network.PubSub
	graph  *graph.Manager
	clock  clock.Clock
	log    zerolog.Logger

	initMu      sync.Mutex
	mu          sync.RWMutex
	initialized bool
	publishers  map[string]*Publisher
	subscribers map[string]*Subscriber
	reason      string

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

func New(opts Options, ps network.PubSub, g *graph.Manager, logger zerolog.Logger) (*Node, error) {
	mapping, params, specials, rest := names.ProcessArguments(opts.Args)

	name := opts.Name
	if v, ok := specials["__name"]; ok {
		name = v
	}
	namespace, base, err := names.QualifyNodeName(name)
	if err != nil {
		return nil, fmt.Errorf("node name: %w", err)
	}
	if opts.Namespace != "" {
		namespace = opts.Namespace
	}
	if v, ok := specials["__ns"]; ok {
		namespace = v
	}
	namespace = names.CanonicalNamespace(namespace)
	if namespace != names.Sep {
		if err := names.Validate(namespace); err != nil {
			return nil, fmt.Errorf("node namespace: %w", err)
		}
	}

	resolver, err := names.NewResolver(namespace, base, mapping)
	if err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	n := &Node{
		name:          base,
		namespace:     namespace,
		qualifiedName: names.Join(namespace, base),
		runID:         uuid.NewString(),
		resolver:      resolver,
		params:        make(map[string]any, len(params)),
		rest:          rest,
		settle:        opts.Settle,
		pubsub:        ps,
		graph:         g,
		clock:         clk,
		publishers:    make(map[string]*Publisher),
		subscribers:   make(map[string]*Subscriber),
		done:          make(chan struct{}),
	}
	for k, v := range params {
		key, err := resolver.Resolve("~" + k)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		n.params[key] = names.ParseParam(v)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.log = logger.With().Str("node", n.qualifiedName).Logger()
	return n, nil
}

func (n *Node) Name() string          { return n.name }
func (n *Node) Namespace() string     { return n.namespace }
func (n *Node) QualifiedName() string { return n.qualifiedName }
func (n *Node) RunID() string         { return n.runID }
func (n *Node) Logger() zerolog.Logger { return n.log }

// Args returns the arguments left over after remapping args were consumed.
func (n *Node) Args() []string { return append([]string(nil), n.rest...) }

// Params returns the private parameters given as `_key:=value`, keyed by
// their resolved names.
func (n *Node) Params() map[string]any {
	out := make(map[string]any, len(n.params))
	for k, v := range n.params {
		out[k] = v
	}
	return out
}

// Resolve expands a topic name the way this node's registrations do.
func (n *Node) Resolve(name string) (string, error) {
	return n.resolver.Resolve(name)
}

// Initialize registers the node's name with the graph. Publishers and
// subscribers declared earlier go live here.
func (n *Node) Initialize(ctx context.Context) error {
	n.initMu.Lock()
	defer n.initMu.Unlock()

	if n.ShutdownRequested() {
		return ErrShutdown
	}
	if n.Initialized() {
		return ErrAlreadyInitialized
	}

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-syncCtx.Done():
		}
	}()
	if err := n.graph.Sync(syncCtx, n.settle); err != nil {
		if n.ShutdownRequested() {
			return ErrShutdown
		}
		return fmt.Errorf("sync graph: %w", err)
	}
	if err := n.graph.Register(ctx, n.graphInfo(), n.onConflict); err != nil {
		return fmt.Errorf("register %s: %w", n.qualifiedName, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	started := make([]*Subscriber, 0, len(n.subscribers))
	for _, s := range n.subscribers {
		if err := s.start(); err != nil {
			for _, st := range started {
				st.stop()
			}
			if uerr := n.graph.Unregister(ctx, n.qualifiedName); uerr != nil {
				n.log.Warn().Err(uerr).Msg("release name after failed subscribe")
			}
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		started = append(started, s)
	}
	n.initialized = true
	n.log.Debug().Str("run_id", n.runID).Msg("node initialized")
	return nil
}

func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}

// RegisterPublisher declares that the node publishes String messages on
// topic. Registering the same resolved topic again returns the existing
// publisher.
func (n *Node) RegisterPublisher(topic string) (*Publisher, error) {
	name, err := n.resolver.Resolve(topic)
	if err != nil {
		return nil, fmt.Errorf("publisher %s: %w", topic, err)
	}

	n.mu.Lock()
	if p, ok := n.publishers[name]; ok {
		n.mu.Unlock()
		return p, nil
	}
	p := &Publisher{node: n, topic: name}
	n.publishers[name] = p
	live := n.initialized
	n.mu.Unlock()

	n.log.Debug().Str("topic", name).Msg("publisher registered")
	if live {
		n.announce()
	}
	return p, nil
}

// RegisterSubscriber declares interest in topic. A nil handler leaves the
// subscription inert: messages are received, counted and discarded.
func (n *Node) RegisterSubscriber(topic string, handler Handler) (*Subscriber, error) {
	name, err := n.resolver.Resolve(topic)
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: %w", topic, err)
	}

	n.mu.Lock()
	if s, ok := n.subscribers[name]; ok {
		n.mu.Unlock()
		s.addHandler(handler)
		return s, nil
	}
	s := newSubscriber(n, name)
	s.addHandler(handler)
	n.subscribers[name] = s
	live := n.initialized
	if live {
		if err := s.start(); err != nil {
			delete(n.subscribers, name)
			n.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	n.mu.Unlock()

	n.log.Debug().Str("topic", name).Msg("subscriber registered")
	if live {
		n.announce()
	}
	return s, nil
}

// TopicStats describes one registration of this node.
type TopicStats struct {
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	Messages int64  `json:"messages"`
	Dropped  int64  `json:"dropped,omitempty"`
	Handlers int    `json:"handlers,omitempty"`
}

func (n *Node) Publications() []TopicStats {
	n.mu.RLock()
	out := make([]TopicStats, 0, len(n.publishers))
	for _, p := range n.publishers {
		out = append(out, TopicStats{Topic: p.topic, Type: msgs.StringType, Messages: p.published.Load()})
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (n *Node) Subscriptions() []TopicStats {
	n.mu.RLock()
	out := make([]TopicStats, 0, len(n.subscribers))
	for _, s := range n.subscribers {
		out = append(out, s.stats())
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// ShutdownRequested reports whether the node has been asked to stop.
func (n *Node) ShutdownRequested() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// OK is the inverse of ShutdownRequested.
func (n *Node) OK() bool { return !n.ShutdownRequested() }

// Done is closed once shutdown is requested.
func (n *Node) Done() <-chan struct{} { return n.done }

// ShutdownReason returns the reason given to the first RequestShutdown.
func (n *Node) ShutdownReason() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reason
}

// RequestShutdown sets the shutdown flag. Only the first call has effect.
func (n *Node) RequestShutdown(reason string) {
	n.shutdownOnce.Do(func() {
		n.mu.Lock()
		n.reason = reason
		n.mu.Unlock()
		n.log.Info().Str("reason", reason).Msg("shutdown requested")
		close(n.done)
	})
}

// WatchSignals requests shutdown on SIGINT or SIGTERM.
func (n *Node) WatchSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			n.RequestShutdown(sig.String())
		case <-n.done:
		}
	}()
}

// Now returns the node clock's current time in seconds.
func (n *Node) Now() float64 {
	return float64(n.clock.Now().UnixNano()) / float64(time.Second)
}

// Sleep blocks for d on the node clock.
func (n *Node) Sleep(d time.Duration) error {
	if n.ShutdownRequested() {
		return ErrInterrupted
	}
	if d <= 0 {
		return nil
	}
	timer := n.clock.Timer(d)
	select {
	case <-timer.C:
		return nil
	case <-n.done:
		timer.Stop()
		return ErrInterrupted
	}
}

// Shutdown requests shutdown, cancels subscriptions and releases the node's
// name. It is safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.RequestShutdown("shutdown")
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.mu.RLock()
		subs := make([]*Subscriber, 0, len(n.subscribers))
		for _, s := range n.subscribers {
			subs = append(subs, s)
		}
		live := n.initialized
		n.mu.RUnlock()

		for _, s := range subs {
			s.stop()
		}
		n.wg.Wait()

		if live {
			if uerr := n.graph.Unregister(ctx, n.qualifiedName); uerr != nil && !errors.Is(uerr, graph.ErrNodeNotFound) {
				err = fmt.Errorf("unregister %s: %w", n.qualifiedName, uerr)
			}
		}
		n.log.Debug().Msg("node shut down")
	})
	return err
}

func (n *Node) onConflict(_, remote graph.NodeInfo) {
	n.log.Error().Str("peer", remote.PeerID).Str("run_id", remote.RunID).Msg("node name registered elsewhere")
	n.RequestShutdown("name registered by peer " + remote.PeerID)
}

func (n *Node) graphInfo() graph.NodeInfo {
	info := graph.NodeInfo{Name: n.qualifiedName, RunID: n.runID}
	for _, p := range n.Publications() {
		info.Publications = append(info.Publications, graph.TopicRef{Name: p.Topic, Type: p.Type})
	}
	for _, s := range n.Subscriptions() {
		info.Subscriptions = append(info.Subscriptions, graph.TopicRef{Name: s.Topic, Type: s.Type})
	}
	return info
}

func (n *Node) announce() {
	if err := n.graph.Update(n.ctx, n.graphInfo()); err != nil {
		n.log.Warn().Err(err).Msg("announce registrations")
	}
}
