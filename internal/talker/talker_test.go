package talker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talker-node/internal/core/network"
	"talker-node/internal/graph"
	"talker-node/internal/msgs"
	"talker-node/internal/node"
)

// scriptedEnv replays a fixed sequence of clock readings and ends the loop
// by interrupting the sleep after the last one.
type scriptedEnv struct {
	times    []float64
	shutdown bool
	calls    int
	sleeps   []time.Duration
	sleepErr error
}

func (e *scriptedEnv) ShutdownRequested() bool { return e.shutdown }

func (e *scriptedEnv) Now() float64 {
	t := e.times[e.calls]
	e.calls++
	return t
}

func (e *scriptedEnv) Sleep(d time.Duration) error {
	e.sleeps = append(e.sleeps, d)
	if e.calls >= len(e.times) {
		if e.sleepErr != nil {
			return e.sleepErr
		}
		return node.ErrInterrupted
	}
	return nil
}

type recordingPublisher struct {
	logs     *bytes.Buffer
	payloads []string
	loggedAt []bool
	err      error
}

func (p *recordingPublisher) Publish(m msgs.String) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, m.Data)
	if p.logs != nil {
		p.loggedAt = append(p.loggedAt, strings.Contains(p.logs.String(), m.Data))
	}
	return nil
}

func TestRunLoopScenario(t *testing.T) {
	var logs bytes.Buffer
	env := &scriptedEnv{times: []float64{10.0, 11.0}}
	pub := &recordingPublisher{logs: &logs}

	err := RunLoop(env, pub, "talker2", time.Second, zerolog.New(&logs))
	require.NoError(t, err)

	assert.Equal(t, []string{"talker2: hello world 10.0", "talker2: hello world 11.0"}, pub.payloads)
	assert.Equal(t, []bool{true, true}, pub.loggedAt, "payload must be logged before it is published")
	assert.Equal(t, []time.Duration{time.Second, time.Second}, env.sleeps)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, pub.payloads[i], entry["message"])
	}
}

func TestRunLoopShutdownBeforeFirstIteration(t *testing.T) {
	env := &scriptedEnv{shutdown: true}
	pub := &recordingPublisher{}

	require.NoError(t, RunLoop(env, pub, "talker2", time.Second, zerolog.Nop()))
	assert.Empty(t, pub.payloads)
	assert.Empty(t, env.sleeps)
}

func TestRunLoopInterruptedSleepIsNotAnError(t *testing.T) {
	env := &scriptedEnv{times: []float64{1.5}, sleepErr: node.ErrInterrupted}
	pub := &recordingPublisher{}

	assert.NoError(t, RunLoop(env, pub, "talker2", time.Second, zerolog.Nop()))
	assert.Equal(t, []string{"talker2: hello world 1.5"}, pub.payloads)
}

func TestRunLoopErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("publish failure propagates", func(t *testing.T) {
		env := &scriptedEnv{times: []float64{1}}
		err := RunLoop(env, &recordingPublisher{err: boom}, "talker2", time.Second, zerolog.Nop())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("publish after shutdown ends cleanly", func(t *testing.T) {
		env := &scriptedEnv{times: []float64{1}}
		err := RunLoop(env, &recordingPublisher{err: node.ErrShutdown}, "talker2", time.Second, zerolog.Nop())
		assert.NoError(t, err)
	})

	t.Run("sleep failure propagates", func(t *testing.T) {
		env := &scriptedEnv{times: []float64{1}, sleepErr: boom}
		err := RunLoop(env, &recordingPublisher{}, "talker2", time.Second, zerolog.Nop())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("non-positive period", func(t *testing.T) {
		env := &scriptedEnv{times: []float64{1}}
		err := RunLoop(env, &recordingPublisher{}, "talker2", 0, zerolog.Nop())
		assert.ErrorIs(t, err, ErrInvalidPeriod)
	})
}

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 0, want: "0.0"},
		{in: 10, want: "10.0"},
		{in: 11.25, want: "11.25"},
		{in: 1700000000.5, want: "1700000000.5"},
		{in: 0.001, want: "0.001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSeconds(tt.in))
	}
	assert.Equal(t, "/talker2: hello world 3.0", Message("/talker2", 3))
}

// timedPublisher records wall-clock publish times and requests shutdown
// after limit messages.
type timedPublisher struct {
	mu       sync.Mutex
	n        *node.Node
	limit    int
	at       []time.Time
	payloads []string
}

func (p *timedPublisher) Publish(m msgs.String) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.at = append(p.at, time.Now())
	p.payloads = append(p.payloads, m.Data)
	if len(p.at) >= p.limit {
		p.n.RequestShutdown("done")
	}
	return nil
}

func newNode(t *testing.T, ps network.PubSub, name string) *node.Node {
	t.Helper()
	g, err := graph.NewManager(ps, zerolog.Nop())
	require.NoError(t, err)
	n, err := node.New(node.Options{Name: name}, ps, g, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Shutdown(context.Background())
		_ = g.Close()
	})
	return n
}

var payloadRe = regexp.MustCompile(`^/talker2: hello world (\d+\.\d+)$`)

func TestRunLoopPacingAndPayloadTimes(t *testing.T) {
	n := newNode(t, network.NewMemoryPubSub(), "talker2")
	period := 30 * time.Millisecond
	pub := &timedPublisher{n: n, limit: 4}

	require.NoError(t, RunLoop(n, pub, n.QualifiedName(), period, zerolog.Nop()))
	require.Len(t, pub.at, 4)

	for i := 1; i < len(pub.at); i++ {
		assert.GreaterOrEqual(t, pub.at[i].Sub(pub.at[i-1]), period, "publish %d came too early", i)
	}

	last := 0.0
	for _, payload := range pub.payloads {
		m := payloadRe.FindStringSubmatch(payload)
		require.NotNil(t, m, payload)
		v, err := strconv.ParseFloat(m[1], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, last)
		last = v
	}
}

func TestRunIgnoresSubscribedTraffic(t *testing.T) {
	ctx := context.Background()
	ps := network.NewMemoryPubSub()
	talkerNode := newNode(t, ps, "talker2")

	other := newNode(t, ps, "noise")
	noisePub, err := other.RegisterPublisher("blatter")
	require.NoError(t, err)
	require.NoError(t, other.Initialize(ctx))

	listener := newNode(t, ps, "listener")
	var (
		mu       sync.Mutex
		received []string
	)
	_, err = listener.RegisterSubscriber("bratter", func(m msgs.String) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m.Data)
	})
	require.NoError(t, err)
	require.NoError(t, listener.Initialize(ctx))

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, talkerNode, Config{
			PublishTopic:    "bratter",
			SubscribeTopics: []string{"blatter", "bratter"},
			Period:          20 * time.Millisecond,
		})
	}()

	require.Eventually(t, talkerNode.Initialized, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 10; i++ {
		require.NoError(t, noisePub.Publish(msgs.String{Data: "noise"}))
		require.NoError(t, ps.Publish(ctx, "/bratter", []byte("not a message")))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	talkerNode.RequestShutdown("test")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, payload := range received {
		assert.Regexp(t, payloadRe, payload)
	}
	subs := talkerNode.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "/blatter", subs[0].Topic)
	assert.Positive(t, subs[0].Messages)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	n := newNode(t, network.NewMemoryPubSub(), "talker2")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, n, Config{PublishTopic: "bratter", Period: time.Hour})
	}()
	require.Eventually(t, n.Initialized, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, "context canceled", n.ShutdownReason())
}

func TestRunFailsOnNameCollision(t *testing.T) {
	ctx := context.Background()
	ps := network.NewMemoryPubSub()
	first := newNode(t, ps, "talker2")
	require.NoError(t, first.Initialize(ctx))

	g, err := graph.NewManager(ps, zerolog.Nop())
	require.NoError(t, err)
	defer g.Close()
	second, err := node.New(node.Options{Name: "talker2", Settle: 100 * time.Millisecond}, ps, g, zerolog.Nop())
	require.NoError(t, err)

	err = Run(ctx, second, Config{PublishTopic: "bratter", Period: time.Second})
	assert.ErrorIs(t, err, graph.ErrNameTaken)
}

func TestRunAfterShutdownRequested(t *testing.T) {
	n := newNode(t, network.NewMemoryPubSub(), "talker2")
	n.RequestShutdown("interrupt")

	err := Run(context.Background(), n, Config{PublishTopic: "bratter", Period: time.Second})
	require.NoError(t, err)
	assert.False(t, n.Initialized())
	require.Len(t, n.Publications(), 1)
	assert.Zero(t, n.Publications()[0].Messages)
}
