package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func newConfigCmd(flags *Flags) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Commands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "Check the config file and flags",
				Action: func(ctx context.Context, c *cli.Command) error {
					if _, err := loadConfig(c, flags); err != nil {
						return err
					}
					_, err := fmt.Fprintf(c.Root().Writer, "%s: ok\n", flags.ConfigPath)
					return err
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration as YAML",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c, flags)
					if err != nil {
						return err
					}
					out, err := cfg.Marshal()
					if err != nil {
						return err
					}
					_, err = c.Root().Writer.Write(out)
					return err
				},
			},
		},
	}
}
