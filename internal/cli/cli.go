// ============================================================================
// ppm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running, feeding, and inspecting a pool
//
// Command Structure:
//   ppm
//   ├── run     start the pool, stream stdin to input, print output
//   ├── push    start a short-lived pool, push one value, terminate
//   └── status  print the loaded configuration and, if live, counts
//
// Configuration Management:
//   Every subcommand reads the same YAML file (--config, default
//   configs/default.yaml) into Config; run and push rebuild a
//   pool.Config from it; there is no shared state between invocations except the
//   process-local globalPool set by run for status to read.
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ppm/internal/log"
	"github.com/ChuLiYu/ppm/internal/metrics"
	"github.com/ChuLiYu/ppm/internal/pool"
	"github.com/ChuLiYu/ppm/pkg/types"
)

// Config is the complete ppm configuration file structure.
type Config struct {
	Pool struct {
		Name                string        `yaml:"name"`
		MaxWorkers          int           `yaml:"max_workers"`
		Bounded             bool          `yaml:"bounded_queues"`
		QueueCapacity       int           `yaml:"queue_capacity"`
		SpreadStopSignal    bool          `yaml:"spread_stop_signal"`
		SpreadWaitSignal    bool          `yaml:"spread_wait_signal"`
		TargetedProcessing  bool          `yaml:"targeted_processing"`
		DelayMessageSharing bool          `yaml:"delay_message_sharing"`
		SharingDelay        time.Duration `yaml:"sharing_delay"`
		DelayShutdown       bool          `yaml:"delay_shutdown"`
		ShutdownDelay       time.Duration `yaml:"shutdown_delay"`
		RaiseException      bool          `yaml:"raise_exception"`
	} `yaml:"pool"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	globalPool *pool.Manager
)

// BuildCLI assembles the root ppm command and its subcommands.
//
// Returns:
//   - *cobra.Command: the root command, ready for Execute.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ppm",
		Short: "ppm: a worker-pool process manager",
		Long: `ppm runs a pool of goroutine workers wired together by
bounded or unbounded envelope channels, a stop/wait control-token
protocol, and a sticky global exit event.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPushCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pool and read input lines from stdin",
		Long:  "Start the pool manager, streaming stdin lines onto the input queue and printing every result the workers produce.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool()
		},
	}
	return cmd
}

func runPool() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.SetDefault(log.New(cfg.Log.Level, cfg.Log.Format))
	logger := log.Default()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			logger.WithField("port", cfg.Metrics.Port).Info("starting metrics server")
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	targeted := cfg.Pool.TargetedProcessing
	poolCfg := pool.Config{
		PoolName:            cfg.Pool.Name,
		MaxWorkers:          cfg.Pool.MaxWorkers,
		BoundedQueues:       cfg.Pool.Bounded,
		QueueCapacity:       cfg.Pool.QueueCapacity,
		GenerateOutputQueue: true,
		OutputQueueCount:    1,
		SpreadStopSignal:    cfg.Pool.SpreadStopSignal,
		SpreadWaitSignal:    cfg.Pool.SpreadWaitSignal,
		TargetedProcessing:  &targeted,
		DelayMessageSharing: cfg.Pool.DelayMessageSharing,
		SharingDelay:        cfg.Pool.SharingDelay,
		DelayShutdown:       cfg.Pool.DelayShutdown,
		ShutdownDelay:       cfg.Pool.ShutdownDelay,
		RaiseException:      cfg.Pool.RaiseException,
		WorkerFunc:          echoWorker,
		Metrics:             collector,
		Log:                 logger,
	}

	m := pool.New(poolCfg)
	globalPool = m

	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	logger.WithField("workers", m.MaxWorkers()).Info("pool started")

	go drainOutputs(m, logger)
	go streamStdin(m, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, stopping gracefully")
	m.PushStopSignal()
	if err := m.Wait(); err != nil {
		logger.WithError(err).Error("pool reported a worker exception during shutdown")
		return err
	}

	logger.Info("pool stopped")
	return nil
}

// echoWorker is the default worker function ppm run demonstrates with:
// it returns its input payload unchanged, so the pool can be exercised
// end to end without any domain-specific business logic.
func echoWorker(_ context.Context, env types.Envelope) (any, error) {
	return env.Payload, nil
}

// drainOutputs prints the payload of every envelope arriving on the
// pool's first output channel, skipping stop tokens, until the global
// exit event fires.
func drainOutputs(m *pool.Manager, logger *logrus.Entry) {
	outputs := m.OutputQueues()
	if len(outputs) == 0 {
		return
	}
	out := outputs[0]

	for {
		select {
		case <-m.ExitEvent().Done():
			return
		case env := <-out.Recv():
			if env.IsControl(types.ControlStop) {
				continue
			}
			fmt.Printf("%v\n", env.Payload)
		}
	}
}

// streamStdin reads stdin line by line and pushes each non-empty line
// onto the pool's input queue until stdin closes or the pool stops.
func streamStdin(m *pool.Manager, logger *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-m.ExitEvent().Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.PushToInputQueue(line, "", false)
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Warn("stdin read error")
	}
}

func buildPushCommand() *cobra.Command {
	var channel string
	var data string
	var allQueues bool

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Start a short-lived pool and push one value onto a channel",
		Long:  "Builds a pool from the configured worker count, pushes a single value onto the chosen channel, waits briefly, then terminates. No result is read back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pushOnce(channel, data, allQueues)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "input", "channel to push onto: input, output or config")
	cmd.Flags().StringVar(&data, "data", "", "string payload to push")
	cmd.Flags().BoolVar(&allQueues, "all", false, "broadcast to every worker instead of a single random one")
	cmd.MarkFlagRequired("data")

	return cmd
}

func pushOnce(channel, data string, allQueues bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.SetDefault(log.New(cfg.Log.Level, cfg.Log.Format))
	logger := log.Default()

	targeted := cfg.Pool.TargetedProcessing
	m := pool.New(pool.Config{
		PoolName:                   cfg.Pool.Name,
		MaxWorkers:                 cfg.Pool.MaxWorkers,
		GenerateOutputQueue:        true,
		GenerateConfigurationQueue: true,
		TargetedProcessing:         &targeted,
		WorkerFunc:                 echoWorker,
		Log:                        logger,
	})

	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	switch channel {
	case "input":
		m.PushToInputQueue(data, "", allQueues)
	case "output":
		m.PushToOutputQueues(data, "", allQueues)
	case "config":
		m.PushToConfigurationQueue(data, "", allQueues)
	default:
		m.Terminate()
		return fmt.Errorf("unknown channel %q, want input, output or config", channel)
	}

	time.Sleep(100 * time.Millisecond)
	m.Terminate()
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the loaded configuration and, if run is active, live counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

// showStatus prints the loaded configuration and, when a pool is
// running in this process, its live worker counts.
func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                    ppm Pool Status                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:      %s\n", configFile)
	fmt.Printf("  └─ Pool Name:        %s\n", cfg.Pool.Name)
	fmt.Printf("  └─ Max Workers:      %d\n", cfg.Pool.MaxWorkers)
	fmt.Printf("  └─ Bounded Queues:   %v (capacity %d)\n", cfg.Pool.Bounded, cfg.Pool.QueueCapacity)
	fmt.Printf("  └─ Targeted Routing: %v\n", cfg.Pool.TargetedProcessing)
	fmt.Println()

	fmt.Println("👷 Live Pool:")
	if globalPool != nil {
		created, _ := globalPool.Attr("created_workers")
		running, _ := globalPool.Attr("running_workers")
		fmt.Printf("  ├─ Created Workers: %v\n", created)
		fmt.Printf("  └─ Running Workers: %v\n", running)
	} else {
		fmt.Println("  └─ not running in this process (run 'ppm run' to start one)")
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

