package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dukex/graphproperty/pkg/cmd"
	"github.com/dukex/graphproperty/pkg/config"
	"github.com/dukex/graphproperty/pkg/identity"
	"github.com/dukex/graphproperty/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Consume notifications and run the analyzers",
		Action: runAction,
	}
}

func NewAnalyzersCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyzers",
		Usage: "List the native and plugin analyzers",
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.Setup(command.String("log-level"))

			reg, err := cmd.NewRegistry(logger, version, command.String("plugins-path"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLOCAL FILE\tDESCRIPTION")

			for _, factory := range reg.Factories() {
				analyzer, err := factory.Create(nil)
				if err != nil {
					return fmt.Errorf("failed to create analyzer %s: %w", factory.ID(), err)
				}

				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", factory.ID(), factory.Name(), analyzer.RequiresLocalFile(), factory.Description())
			}

			return w.Flush()
		},
	}
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate the configuration file and every analyzer's options",
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.Setup(command.String("log-level"))

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			store := cfg.IdentityStore()

			user, auths, err := identity.Resolve(ctx, store, store, cfg.User)
			if err != nil {
				return err
			}

			reg, err := cmd.NewRegistry(logger, version, command.String("plugins-path"))
			if err != nil {
				return err
			}

			for _, factory := range reg.Factories() {
				if _, err := factory.Create(cfg.Analyzers[factory.ID()]); err != nil {
					return fmt.Errorf("invalid options for analyzer %s: %w", factory.ID(), err)
				}
			}

			fmt.Fprintf(command.Root().Writer, "Configuration is valid: user %s, %d authorizations, %d analyzers\n",
				user.Username, len(auths), len(reg.Factories()))

			return nil
		},
	}
}

// loadConfig reads the config file and applies the flag overrides.
func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, err
	}

	if command.IsSet("tee-buffer-size") {
		cfg.TeeBufferSize = command.Int("tee-buffer-size")
	}

	if command.IsSet("queue-size") {
		cfg.QueueSize = command.Int("queue-size")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
