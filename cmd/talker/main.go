package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

// Flags holds global flag values; config file values are overridden only by
// flags that were explicitly set.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string

	Name      string
	Namespace string
	Publish   string
	Subscribe []string
	Period    time.Duration

	Transport string
	Listen    []string
	Bootstrap []string
	APIAddr   string
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "talker", "config.yaml")
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	if err := newApp(&Flags{}).Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("talker failed")
	}
}

func newApp(flags *Flags) *cli.Command {
	return &cli.Command{
		Name:      "talker",
		Usage:     "Publish a periodic greeting on a pub/sub graph",
		UsageText: "talker [global options] [command] [from:=to ...] [_param:=value ...]",
		Description: `talker registers a node on the pub/sub graph, publishes
"<node>: hello world <time>" on its publish topic every period and keeps
inert subscriptions on its subscribe topics until interrupted.

Arguments of the form from:=to remap topic names, _key:=value set private
parameters, and __name:=/__ns:= override the node name and namespace.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("TALKER_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("TALKER_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("TALKER_CONFIG"),
				Value:       DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "node name",
				Sources:     cli.EnvVars("TALKER_NAME"),
				Destination: &flags.Name,
			},
			&cli.StringFlag{
				Name:        "namespace",
				Usage:       "node namespace",
				Sources:     cli.EnvVars("TALKER_NAMESPACE"),
				Destination: &flags.Namespace,
			},
			&cli.StringFlag{
				Name:        "publish",
				Usage:       "topic to publish on",
				Destination: &flags.Publish,
			},
			&cli.StringSliceFlag{
				Name:        "subscribe",
				Usage:       "topic to subscribe to (repeatable)",
				Destination: &flags.Subscribe,
			},
			&cli.DurationFlag{
				Name:        "period",
				Usage:       "publish period",
				Sources:     cli.EnvVars("TALKER_PERIOD"),
				Destination: &flags.Period,
			},
			&cli.StringFlag{
				Name:        "transport",
				Usage:       "pub/sub transport (memory, libp2p)",
				Sources:     cli.EnvVars("TALKER_TRANSPORT"),
				Destination: &flags.Transport,
			},
			&cli.StringSliceFlag{
				Name:        "listen",
				Usage:       "libp2p listen multiaddr (repeatable)",
				Destination: &flags.Listen,
			},
			&cli.StringSliceFlag{
				Name:        "bootstrap",
				Usage:       "libp2p bootstrap peer multiaddr (repeatable)",
				Sources:     cli.EnvVars("TALKER_BOOTSTRAP"),
				Destination: &flags.Bootstrap,
			},
			&cli.StringFlag{
				Name:        "api-addr",
				Usage:       "introspection HTTP listen address (empty disables)",
				Sources:     cli.EnvVars("TALKER_API_ADDR"),
				Destination: &flags.APIAddr,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, setupLogger(flags.LogLevel, flags.LogFile)
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runTalker(ctx, c, flags)
		},
		Commands: []*cli.Command{
			newRunCmd(flags),
			newConfigCmd(flags),
		},
	}
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel).With().Timestamp().Logger()

	return nil
}
