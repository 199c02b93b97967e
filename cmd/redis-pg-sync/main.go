package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/exitcodes"
	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
	"github.com/johndauphine/redis-pg-sync/internal/logging"
	"github.com/johndauphine/redis-pg-sync/internal/orchestrator"
	"github.com/johndauphine/redis-pg-sync/internal/report"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var version = "dev"

var topicFlag = &cli.StringFlag{
	Name:    "topic",
	Aliases: []string{"t"},
	Usage:   "Job to operate on (default: first configured job)",
}

func main() {
	app := &cli.App{
		Name:    "redis-pg-sync",
		Usage:   "Replay Redis sync entries into PostgreSQL",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume sync entries until interrupted",
				Action: runWorker,
				Flags: []cli.Flag{
					topicFlag,
					&cli.BoolFlag{
						Name:  "progress-json",
						Usage: "Emit one JSON line per cycle to stderr",
					},
				},
			},
			{
				Name:   "once",
				Usage:  "Run a single sync cycle and exit",
				Action: runOnce,
				Flags:  []cli.Flag{topicFlag},
			},
			{
				Name:   "status",
				Usage:  "Show pending keys, failures and the last worker",
				Action: showStatus,
				Flags: []cli.Flag{
					topicFlag,
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to Redis and PostgreSQL",
				Action: healthCheck,
			},
			{
				Name:   "history",
				Usage:  "List recorded sync cycles",
				Action: showHistory,
				Flags: []cli.Flag{
					topicFlag,
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of cycles to show",
					},
				},
			},
			{
				Name:   "failures",
				Usage:  "List quarantined batches",
				Action: listFailures,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 50,
						Usage: "Number of entries to show (0 = all)",
					},
				},
			},
			{
				Name:   "replay",
				Usage:  "Re-publish quarantined batches as sync entries",
				Action: replayFailures,
				Flags: []cli.Flag{
					&cli.Int64SliceFlag{
						Name:     "id",
						Required: true,
						Usage:    "Failure history id (repeatable)",
					},
				},
			},
			{
				Name:   "enqueue",
				Usage:  "Publish one sync entry",
				Action: enqueueEntry,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "op",
						Required: true,
						Usage:    "Operation: I, IA or U",
					},
					&cli.StringFlag{
						Name:     "table",
						Required: true,
						Usage:    "Target table",
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Primary key (I, U) or token (IA, default: generated)",
					},
					&cli.StringFlag{
						Name:     "payload",
						Required: true,
						Usage:    "JSON payload, or @file to read it from a file",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Entry TTL (default: redis.entry_ttl)",
					},
				},
			},
			{
				Name:   "flush",
				Usage:  "Delete pending sync entries",
				Action: flushCache,
				Flags: []cli.Flag{
					topicFlag,
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm deletion",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Flush the whole Redis database, not only sync keys",
					},
				},
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: showConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}
	return config.Load(configPath)
}

func newOrchestrator(c *cli.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	orch, err := orchestrator.New(c.Context, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing current cycle...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runWorker(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{
		Topic:        c.String("topic"),
		ProgressJSON: c.Bool("progress-json"),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	return orch.Run(ctx)
}

func runOnce(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{Topic: c.String("topic")})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	res, runErr := orch.RunOnce(ctx)
	if res != nil {
		report.NewPrinter(os.Stdout).Cycles([]syncer.CycleResult{*res})
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{Topic: c.String("topic")})
	if err != nil {
		return err
	}
	defer orch.Close()

	status, err := orch.Status(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(status)
	}
	report.NewPrinter(os.Stdout).Status(status)
	return nil
}

func healthCheck(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	result := orch.HealthCheck(c.Context)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{Topic: c.String("topic")})
	if err != nil {
		return err
	}
	defer orch.Close()

	cycles, err := orch.History(c.Int("limit"))
	if err != nil {
		return err
	}
	report.NewPrinter(os.Stdout).Cycles(cycles)
	return nil
}

func listFailures(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	entries, err := orch.Failures(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	report.NewPrinter(os.Stdout).Failures(entries)
	return nil
}

func replayFailures(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{
		Interactive: term.IsTerminal(int(os.Stderr.Fd())),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	res, err := orch.Replay(ctx, c.Int64Slice("id"))
	if res != nil {
		fmt.Printf("Replayed %d failure entries (%d sync entries published)\n", res.Entries, res.Published)
	}
	return err
}

func enqueueEntry(c *cli.Context) error {
	op, err := keyproto.ParseOperation(strings.ToUpper(c.String("op")))
	if err != nil {
		return err
	}
	payload, err := readPayload(c.String("payload"))
	if err != nil {
		return err
	}
	ttl := c.Duration("ttl")
	if !c.IsSet("ttl") {
		ttl = -1
	}

	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	key, err := orch.Enqueue(c.Context, op, c.String("table"), c.String("id"), payload, ttl)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func readPayload(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

func flushCache(c *cli.Context) error {
	if !c.Bool("yes") {
		return fmt.Errorf("flush deletes pending sync entries; pass --yes to confirm")
	}
	orch, err := newOrchestrator(c, orchestrator.Options{Topic: c.String("topic")})
	if err != nil {
		return err
	}
	defer orch.Close()

	n, err := orch.Flush(c.Context, c.Bool("all"))
	if err != nil {
		return err
	}
	if n < 0 {
		fmt.Println("Flushed the Redis database")
	} else {
		fmt.Printf("Deleted %d keys matching %s\n", n, orch.Job().Pattern)
	}
	return nil
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
