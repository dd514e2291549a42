package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"talker-node/internal/core/config"
	"talker-node/internal/core/network"
	"talker-node/internal/graph"
	"talker-node/internal/node"
	"talker-node/internal/nodeapi"
	"talker-node/internal/talker"
)

func newRunCmd(flags *Flags) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run the talker node (default)",
		UsageText: "talker run [from:=to ...] [_param:=value ...]",
		Action: func(ctx context.Context, c *cli.Command) error {
			return runTalker(ctx, c, flags)
		},
	}
}

// loadConfig reads the config file and applies explicitly set flags on top.
func loadConfig(c *cli.Command, flags *Flags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	if c.IsSet("name") {
		cfg.Node.Name = flags.Name
	}
	if c.IsSet("namespace") {
		cfg.Node.Namespace = flags.Namespace
	}
	if c.IsSet("publish") {
		cfg.Talker.Publish = flags.Publish
	}
	if c.IsSet("subscribe") {
		cfg.Talker.Subscribe = flags.Subscribe
	}
	if c.IsSet("period") {
		cfg.Talker.Period = flags.Period
	}
	if c.IsSet("transport") {
		cfg.Transport.Kind = flags.Transport
	}
	if c.IsSet("listen") {
		cfg.Transport.ListenAddrs = flags.Listen
	}
	if c.IsSet("bootstrap") {
		cfg.Transport.Bootstrap = flags.Bootstrap
	}
	if c.IsSet("api-addr") {
		cfg.API.Addr = flags.APIAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newTransport(ctx context.Context, cfg config.TransportConfig, logger zerolog.Logger) (network.PubSub, error) {
	switch cfg.Kind {
	case config.TransportLibp2p:
		return network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.ListenAddrs,
			Bootstrap:       cfg.Bootstrap,
			Rendezvous:      cfg.Rendezvous,
			EnableMDNS:      cfg.MDNS,
			IdentityKeyFile: cfg.IdentityKeyFile,
			Logger:          logger,
		})
	default:
		return network.NewMemoryPubSub(), nil
	}
}

func runTalker(ctx context.Context, c *cli.Command, flags *Flags) error {
	cfg, err := loadConfig(c, flags)
	if err != nil {
		return err
	}

	ps, err := newTransport(ctx, cfg.Transport, log.Logger)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer func() { _ = ps.Close() }()

	log.Info().
		Str("transport", cfg.Transport.Kind).
		Str("peer", network.PeerID(ps)).
		Msg("transport ready")

	g, err := graph.NewManager(ps, log.Logger)
	if err != nil {
		return fmt.Errorf("start graph: %w", err)
	}
	defer func() { _ = g.Close() }()

	n, err := node.New(node.Options{
		Name:      cfg.Node.Name,
		Namespace: cfg.Node.Namespace,
		Args:      c.Args().Slice(),
		Settle:    cfg.Node.Settle,
	}, ps, g, log.Logger.With().Str("component", "talker").Logger())
	if err != nil {
		return err
	}
	n.WatchSignals()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("node shutdown")
		}
	}()

	if len(n.Args()) > 0 {
		log.Warn().Strs("args", n.Args()).Msg("ignoring unrecognized arguments")
	}

	if cfg.API.Addr != "" {
		srv := startAPI(cfg.API.Addr, nodeapi.NewServer(n, g, ps))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return talker.Run(ctx, n, talker.Config{
		PublishTopic:    cfg.Talker.Publish,
		SubscribeTopics: cfg.Talker.Subscribe,
		Period:          cfg.Talker.Period,
	})
}

func startAPI(addr string, api *nodeapi.Server) *http.Server {
	mux := http.NewServeMux()
	api.Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("introspection api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("introspection api stopped")
		}
	}()

	return srv
}
