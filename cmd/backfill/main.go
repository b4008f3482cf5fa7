package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "backfill",
		Usage:          "Backfill vector embeddings for documents flagged in Elasticsearch",
		Version:        version.String(),
		DefaultCommand: "once",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "Config environment: loads config/<env>.yaml (local, dev, prod)",
				EnvVars: []string{"ENV"},
				Value:   "local",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "once",
				Usage:  "Run a single pass and exit",
				Action: onceCommand,
			},
			{
				Name:      "run",
				Usage:     "Run passes continuously until interrupted",
				ArgsUsage: "[interval-seconds]",
				Action:    runCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "Pause between passes (overrides backfill.interval_sec)",
					},
				},
			},
		},
	}
}

func onceCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, options{env: c.String("env"), logLevel: c.String("log-level")})
	if err != nil {
		return err
	}
	defer a.Close()

	processed, err := a.scheduler.Once(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(fmt.Sprintf("pass failed: %v", err), 1)
	}
	a.logger.Info("Single run finished", zap.Int("processed", processed))
	return nil
}

func runCommand(c *cli.Context) error {
	interval, err := parseInterval(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, options{
		env:        c.String("env"),
		logLevel:   c.String("log-level"),
		interval:   interval,
		continuous: true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	a.scheduler.Run(ctx)
	return nil
}

// parseInterval reads the optional positional seconds argument, then --interval.
// Zero means "use the configured interval".
func parseInterval(c *cli.Context) (time.Duration, error) {
	if c.Args().Len() > 1 {
		return 0, cli.Exit("run accepts at most one argument: interval-seconds", 2)
	}
	if arg := c.Args().First(); arg != "" {
		secs, err := strconv.Atoi(arg)
		if err != nil || secs <= 0 {
			return 0, cli.Exit(fmt.Sprintf("invalid interval %q: want a positive number of seconds", arg), 2)
		}
		return time.Duration(secs) * time.Second, nil
	}
	if c.IsSet("interval") {
		d := c.Duration("interval")
		if d <= 0 {
			return 0, cli.Exit(fmt.Sprintf("invalid --interval %s: must be positive", d), 2)
		}
		return d, nil
	}
	return 0, nil
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
