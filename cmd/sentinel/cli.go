package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mrhat-cam/sentinel/internal/agent"
	"github.com/mrhat-cam/sentinel/internal/capture"
	"github.com/mrhat-cam/sentinel/internal/config"
	"github.com/mrhat-cam/sentinel/internal/health"
	"github.com/mrhat-cam/sentinel/internal/logging"
	"github.com/mrhat-cam/sentinel/internal/mqtt"
	"github.com/mrhat-cam/sentinel/internal/queue"
	"github.com/mrhat-cam/sentinel/internal/schedule"
	"github.com/mrhat-cam/sentinel/internal/transmit"
)

const defaultDataDir = "/var/lib/sentinel"

// newApp creates the CLI application with all commands.
func newApp(version string) *cli.App {
	app := &cli.App{
		Name:    "sentinel",
		Usage:   "Battery-powered remote camera agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Value: defaultDataDir,
				Usage: "Directory for the outbound queue and default config files",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Policy file path (default: <data-dir>/config.json)",
			},
			&cli.StringFlag{
				Name:  "log-config",
				Usage: "Logging config path (default: <data-dir>/logging.yaml)",
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			cycleCmd(),
			queueCmd(),
			configCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runCmd runs the agent loop until interrupted.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the capture/transmit cycle loop",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "poweroff",
				Usage: "Power the device off between cycles (requires rtcwake)",
			},
		},
		Action: func(c *cli.Context) error {
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer env.close()

			var shutdown func(context.Context, time.Time) error
			if c.Bool("poweroff") {
				shutdown = agent.RTCWake
			}
			env.agent.Sleep = (&agent.PlatformSleeper{
				ShutdownThreshold: env.policy.ShutdownThreshold(),
				BootOverhead:      env.policy.BootOverhead(),
				Shutdown:          shutdown,
				Logger:            env.logger,
			}).Sleep

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env.logger.Info("agent starting",
				"device", env.policy.DeviceID,
				"broker", env.policy.Broker,
				"period", env.policy.BasePeriodSec)

			if err := env.agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			env.logger.Info("agent stopped")
			return nil
		},
	}
}

// cycleCmd executes a single cycle and prints the result. Intended for
// deployments where a systemd timer or cron owns the wake schedule.
func cycleCmd() *cli.Command {
	return &cli.Command{
		Name:  "cycle",
		Usage: "Run one wake-to-sleep cycle and print the result",
		Action: func(c *cli.Context) error {
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			defer env.close()

			res := env.agent.RunCycle(c.Context)
			return outputJSON(res)
		},
	}
}

// queueCmd inspects and manages the outbound buffer.
func queueCmd() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect the outbound message buffer",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List buffered messages in delivery order",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum messages to show"},
				},
				Action: func(c *cli.Context) error {
					q, policy, err := openQueue(c)
					if err != nil {
						return err
					}
					defer q.Close()

					items, err := q.List(c.Int("limit"))
					if err != nil {
						return err
					}
					return outputJSON(map[string]any{
						"capacity": policy.QueueCapacity,
						"count":    len(items),
						"messages": items,
					})
				},
			},
			{
				Name:  "purge",
				Usage: "Drop every buffered message",
				Action: func(c *cli.Context) error {
					q, _, err := openQueue(c)
					if err != nil {
						return err
					}
					defer q.Close()

					n, err := q.Purge()
					if err != nil {
						return err
					}
					return outputJSON(map[string]any{"purged": n})
				},
			},
		},
	}
}

// configCmd prints the effective policy after defaults and validation.
func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show the effective device policy",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the merged, validated policy as JSON",
				Action: func(c *cli.Context) error {
					policy, err := config.Load(configPath(c))
					if err != nil {
						return err
					}
					return outputJSON(policy)
				},
			},
		},
	}
}

// env bundles everything a command needs to run cycles.
type env struct {
	policy *config.Policy
	logger *slog.Logger
	agent  *agent.Agent
	queue  *queue.Queue
	bus    *mqtt.Client
}

func (e *env) close() {
	if e.bus != nil {
		e.bus.Close()
	}
	if e.queue != nil {
		e.queue.Close()
	}
}

// buildEnv loads config, sets up logging, and assembles the agent.
func buildEnv(c *cli.Context) (*env, error) {
	policy, err := config.Load(configPath(c))
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.Load(logConfigPath(c))
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}

	dataDir := c.String("data-dir")
	q, err := queue.Open(dataDir, policy.QueueCapacity)
	if err != nil {
		return nil, err
	}

	bus, err := mqtt.Dial(mqtt.Options{
		Broker:         policy.Broker,
		Port:           policy.Port,
		ClientID:       "sentinel-" + policy.DeviceID,
		Username:       policy.Username,
		Password:       policy.Password,
		QoS:            byte(policy.QoS),
		ConnectTimeout: policy.PublishTimeout(),
	}, logger)
	if err != nil {
		q.Close()
		return nil, err
	}

	pipeline := transmit.New(q, bus, transmit.Policy{
		MaxRetries:     policy.MaxRetries,
		PublishTimeout: policy.PublishTimeout(),
		BackoffBase:    policy.BackoffBase(),
		BackoffMax:     policy.BackoffMax(),
	}, logger)

	schedPolicy, err := schedule.FromConfig(policy)
	if err != nil {
		bus.Close()
		q.Close()
		return nil, err
	}

	probeAddr := fmt.Sprintf("%s:%d", policy.Broker, policy.Port)
	a := &agent.Agent{
		Sampler:  health.NewPlatformSampler(probeAddr, policy.SensorTimeout(), logger),
		Adapter:  capture.NewCommandAdapter(policy.DeviceID, policy.Quality, policy.CaptureCommand, policy.CaptureTimeout(), logger),
		Pipeline: pipeline,
		Schedule: schedPolicy,
		Thresholds: health.Thresholds{
			LowBatteryPct:      policy.LowBatteryPct,
			CriticalBatteryPct: policy.CriticalBatteryPct,
			MinStorageFreePct:  policy.MinStorageFreePct,
		},
		DeviceID:        policy.DeviceID,
		ImageTopic:      policy.ImageTopic,
		TelemetryTopic:  policy.TelemetryTopic,
		AttachTelemetry: policy.AttachTelemetry,
		Sleep:           agent.TimerSleep,
		Logger:          logger,
	}

	return &env{policy: policy, logger: logger, agent: a, queue: q, bus: bus}, nil
}

// openQueue opens the buffer without connecting to the broker.
func openQueue(c *cli.Context) (*queue.Queue, *config.Policy, error) {
	policy, err := config.Load(configPath(c))
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.Open(c.String("data-dir"), policy.QueueCapacity)
	if err != nil {
		return nil, nil, err
	}
	return q, policy, nil
}

func configPath(c *cli.Context) string {
	if path := c.String("config"); path != "" {
		return path
	}
	return filepath.Join(c.String("data-dir"), "config.json")
}

func logConfigPath(c *cli.Context) string {
	if path := c.String("log-config"); path != "" {
		return path
	}
	return filepath.Join(c.String("data-dir"), "logging.yaml")
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
