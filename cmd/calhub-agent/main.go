package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/veldra/calhub/internal/agent"
	"github.com/veldra/calhub/internal/logging"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calhub-agent",
		Usage: "Collect local calendar data and report it to a calhub server.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "calhub-agent.toml", Usage: "Path to the agent config file."},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level: debug, info, warn, error."},
		},
		Commands: []*cli.Command{
			runCommand(),
			onceCommand(),
			registerCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the collect-and-heartbeat loop until interrupted.",
		Action: func(c *cli.Context) error {
			runner, logger, err := buildRunner(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			runner.Start(ctx)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("shutting down")
			runner.Stop()
			return nil
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single collect-and-heartbeat pass and exit.",
		Action: func(c *cli.Context) error {
			runner, _, err := buildRunner(c)
			if err != nil {
				return err
			}
			if err := runner.RunOnce(c.Context); err != nil {
				return fmt.Errorf("agent pass failed: %w", err)
			}
			return nil
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register this agent with the server without heartbeating.",
		Action: func(c *cli.Context) error {
			runner, _, err := buildRunner(c)
			if err != nil {
				return err
			}
			return runner.Register(c.Context)
		},
	}
}

func buildRunner(c *cli.Context) (*agent.Runner, *slog.Logger, error) {
	logger := logging.Setup(c.String("log-level"))

	cfg, err := agent.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	state, err := agent.LoadState(cfg.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	collector, err := agent.NewCollector(cfg.Collector, logger.With("component", "collector"))
	if err != nil {
		return nil, nil, fmt.Errorf("build collector: %w", err)
	}

	runner := agent.NewRunner(cfg, agent.NewClient(cfg.ServerURL), collector, state,
		logger.With("component", "agent"))
	return runner, logger, nil
}
