package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

// version is the host version analyzer plugins are checked against. It is
// overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	command := &cli.Command{
		Name:                  "graphproperty-worker",
		Usage:                 "Run property analyzers over content graph notifications",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 flags(),
		Commands: []*cli.Command{
			NewRunCommand(),
			NewAnalyzersCommand(),
			NewValidateCommand(),
		},
		DefaultCommand: "run",
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "kafka",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "consumer-group",
			Usage:   "Kafka consumer group shared by every worker",
			Value:   "graphproperty-worker",
			Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
		},
		&cli.StringFlag{
			Name:    "input-topic",
			Usage:   "Topic carrying property change notifications",
			Sources: cli.EnvVars("INPUT_TOPIC"),
		},
		&cli.StringFlag{
			Name:    "output-topic",
			Usage:   "Topic receiving notifications for properties written by analyzers",
			Sources: cli.EnvVars("OUTPUT_TOPIC"),
		},
		&cli.IntFlag{
			Name:    "dispatchers",
			Usage:   "Number of notifications handled concurrently",
			Value:   1,
			Sources: cli.EnvVars("DISPATCHERS"),
		},
		&cli.StringFlag{
			Name:    "graph-url",
			Usage:   "Graph store URL (memory://, postgres://, redis://)",
			Value:   "memory://",
			Sources: cli.EnvVars("GRAPH_URL"),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML worker configuration",
			Sources: cli.EnvVars("CONFIG_FILE"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing analyzer plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.IntFlag{
			Name:    "tee-buffer-size",
			Usage:   "Shared stream buffer in bytes, overrides the config file",
			Sources: cli.EnvVars("TEE_BUFFER_SIZE"),
		},
		&cli.IntFlag{
			Name:    "queue-size",
			Usage:   "Per analyzer queue capacity, overrides the config file",
			Sources: cli.EnvVars("QUEUE_SIZE"),
		},
		&cli.StringFlag{
			Name:    "admin-addr",
			Usage:   "Listen address of the health, metrics and analyzer endpoints (empty disables it)",
			Value:   ":9090",
			Sources: cli.EnvVars("ADMIN_ADDR"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}
