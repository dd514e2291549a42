// Package config handles configuration loading and validation for talker.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"talker-node/internal/core/names"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportLibp2p = "libp2p"
)

// Config holds the application configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Talker    TalkerConfig    `yaml:"talker"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
}

// NodeConfig names the node on the graph.
type NodeConfig struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	// Settle is how long to wait for peers to announce their nodes before
	// claiming a name.
	Settle time.Duration `yaml:"settle"`
}

// TalkerConfig holds the publish loop settings.
type TalkerConfig struct {
	Publish   string        `yaml:"publish"`
	Subscribe []string      `yaml:"subscribe"`
	Period    time.Duration `yaml:"period"`
}

// TransportConfig selects and configures the pub/sub transport.
type TransportConfig struct {
	Kind            string   `yaml:"kind"`
	ListenAddrs     []string `yaml:"listen_addrs"`
	Bootstrap       []string `yaml:"bootstrap"`
	MDNS            bool     `yaml:"mdns"`
	Rendezvous      string   `yaml:"rendezvous"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

// APIConfig configures the introspection HTTP server. An empty Addr
// disables it.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Name:      "talker2",
			Namespace: "",
			Settle:    250 * time.Millisecond,
		},
		Talker: TalkerConfig{
			Publish:   "bratter",
			Subscribe: []string{"blatter", "bratter"},
			Period:    time.Second,
		},
		Transport: TransportConfig{
			Kind:        TransportMemory,
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			MDNS:        true,
			Rendezvous:  "talker-node",
		},
	}
}

// Load reads configuration from the given path. If configPath is empty or
// doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Node.Name == "" {
		c.Node.Name = defaults.Node.Name
	}
	if c.Talker.Publish == "" {
		c.Talker.Publish = defaults.Talker.Publish
	}
	if c.Talker.Period == 0 {
		c.Talker.Period = defaults.Talker.Period
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = defaults.Transport.Kind
	}
	if c.Transport.Rendezvous == "" {
		c.Transport.Rendezvous = defaults.Transport.Rendezvous
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if _, _, err := names.QualifyNodeName(c.Node.Name); err != nil {
		return fmt.Errorf("node.name: %w", err)
	}
	if c.Node.Namespace != "" {
		if err := names.Validate(c.Node.Namespace); err != nil {
			return fmt.Errorf("node.namespace: %w", err)
		}
	}
	if c.Node.Settle < 0 {
		return fmt.Errorf("node.settle cannot be negative")
	}

	if err := names.Validate(c.Talker.Publish); err != nil {
		return fmt.Errorf("talker.publish: %w", err)
	}
	for i, topic := range c.Talker.Subscribe {
		if err := names.Validate(topic); err != nil {
			return fmt.Errorf("talker.subscribe[%d]: %w", i, err)
		}
	}
	if c.Talker.Period <= 0 {
		return fmt.Errorf("talker.period must be positive")
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportLibp2p:
		for _, addr := range c.Transport.ListenAddrs {
			if _, err := ma.NewMultiaddr(addr); err != nil {
				return fmt.Errorf("transport.listen_addrs: %q: %w", addr, err)
			}
		}
		for _, addr := range c.Transport.Bootstrap {
			if _, err := ma.NewMultiaddr(addr); err != nil {
				return fmt.Errorf("transport.bootstrap: %q: %w", addr, err)
			}
		}
	default:
		return fmt.Errorf("transport.kind %q must be %q or %q", c.Transport.Kind, TransportMemory, TransportLibp2p)
	}

	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
