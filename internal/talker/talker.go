// Package talker is the demonstration node: it publishes a greeting on a
// fixed period and keeps inert subscriptions on a couple of topics.
package talker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"talker-node/internal/msgs"
	"talker-node/internal/node"
)

var ErrInvalidPeriod = errors.New("period must be positive")

// Publisher is the send capability RunLoop needs.
type Publisher interface {
	Publish(msgs.String) error
}

type Config struct {
	PublishTopic    string
	SubscribeTopics []string
	Period          time.Duration
	// Identity prefixes every payload. Defaults to the node's qualified name.
	Identity string
}

// Run declares the talker's topics, initializes n and drives RunLoop until
// shutdown. Cancelling ctx requests shutdown.
func Run(ctx context.Context, n *node.Node, cfg Config) error {
	pub, err := n.RegisterPublisher(cfg.PublishTopic)
	if err != nil {
		return err
	}
	for _, topic := range cfg.SubscribeTopics {
		if _, err := n.RegisterSubscriber(topic, nil); err != nil {
			return err
		}
	}
	if err := n.Initialize(ctx); err != nil {
		if errors.Is(err, node.ErrInterrupted) {
			return nil
		}
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			n.RequestShutdown("context canceled")
		case <-n.Done():
		}
	}()

	identity := cfg.Identity
	if identity == "" {
		identity = n.QualifiedName()
	}
	err = RunLoop(n, pub, identity, cfg.Period, n.Logger())
	if errors.Is(err, node.ErrInterrupted) {
		return nil
	}
	return err
}

// RunLoop publishes Message(identity, env.Now()) every period until env
// reports shutdown. An interrupted wait or publish ends the loop without
// error; any other publish failure is returned.
func RunLoop(env node.Environment, pub Publisher, identity string, period time.Duration, logger zerolog.Logger) error {
	if period <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	for !env.ShutdownRequested() {
		payload := Message(identity, env.Now())
		logger.Info().Msg(payload)
		if err := pub.Publish(msgs.String{Data: payload}); err != nil {
			if errors.Is(err, node.ErrInterrupted) {
				return nil
			}
			return err
		}
		if err := env.Sleep(period); err != nil {
			if errors.Is(err, node.ErrInterrupted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Message builds the greeting payload.
func Message(identity string, seconds float64) string {
	return fmt.Sprintf("%s: hello world %s", identity, FormatSeconds(seconds))
}

// FormatSeconds renders seconds in the shortest form that round-trips,
// always keeping a fractional part: 10 -> "10.0", 11.25 -> "11.25".
func FormatSeconds(seconds float64) string {
	s := strconv.FormatFloat(seconds, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
