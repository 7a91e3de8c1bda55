// Package cli builds the taskkernel command line: run, submit, and status,
// wired to an internal/kernel.Kernel.
//
// Grounded in the teacher's internal/cli/cli.go (cobra root + subcommands,
// a YAML Config struct, a package-level pointer to the one running system,
// signal-driven graceful shutdown, box-drawing status output) with every
// distributed-mode flag (--mode, --master, --port, gRPC submission) and the
// WAL config section dropped, since SPEC_FULL.md has no network protocol and
// no write-ahead log (see DESIGN.md's dropped-modules section).
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chuliyu/taskkernel/internal/kernel"
	"github.com/chuliyu/taskkernel/internal/taskqueue"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

var log = slog.Default()

// Config is the on-disk YAML shape for `taskkernel run`/`submit`/`status`.
type Config struct {
	Worker struct {
		Count               int `yaml:"count"`
		ExecutorConcurrency int `yaml:"executor_concurrency"`
	} `yaml:"worker"`

	Queue struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"queue"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	} `yaml:"breaker"`

	Scheduler struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"scheduler"`

	Snapshot struct {
		Dir      string        `yaml:"dir"`
		Interval time.Duration `yaml:"interval"`
		Keep     int           `yaml:"keep"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func (c Config) toKernelConfig() kernel.Config {
	return kernel.Config{
		WorkerCount:             c.Worker.Count,
		QueueCapacity:           c.Queue.Capacity,
		ExecutorConcurrency:     c.Worker.ExecutorConcurrency,
		BreakerFailureThreshold: c.Breaker.FailureThreshold,
		BreakerRecoveryTimeout:  c.Breaker.RecoveryTimeout,
		SchedulerPollInterval:   c.Scheduler.PollInterval,
		SnapshotDir:             c.Snapshot.Dir,
		SnapshotInterval:        c.Snapshot.Interval,
		SnapshotRetention:       c.Snapshot.Keep,
		MetricsEnabled:          c.Metrics.Enabled,
		MetricsPort:             c.Metrics.Port,
	}
}

var (
	configFile   string
	globalKernel *kernel.Kernel
)

// BuildCLI assembles the root cobra command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "taskkernel",
		Short:   "taskkernel: an in-process task queue, scheduler, and parallel executor",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the kernel and block until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKernel()
		},
	}
}

func runKernel() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	k, err := kernel.New(cfg.toKernelConfig())
	if err != nil {
		return fmt.Errorf("construct kernel: %w", err)
	}
	if err := k.Start(); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	globalKernel = k

	log.Info("taskkernel started", "workers", cfg.Worker.Count, "metrics", cfg.Metrics.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping")
	k.Stop()
	log.Info("taskkernel stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks from a JSON file",
		Long: `Read task definitions from a JSON file and submit them to a
freshly started kernel, which runs until every submitted task reaches a
terminal state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			return submitTasks(taskFile)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

// taskInput is the JSON shape accepted by `submit`. Every task read from a
// file runs echoCallable, which returns the task's args; Name is stored only
// as the task's label and does not select a callable.
type taskInput struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Priority    int                        `json:"priority"`
	TimeoutMs   int64                      `json:"timeout_ms"`
	MaxRetries  int                        `json:"max_retries"`
	Args        []any                      `json:"args"`
	Prereqs     []string                   `json:"prereqs"`
	BreakerName string                     `json:"breaker_name"`
	Description string                     `json:"description"`
}

func submitTasks(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}

	var inputs []taskInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	k, err := kernel.New(cfg.toKernelConfig())
	if err != nil {
		return fmt.Errorf("construct kernel: %w", err)
	}
	if err := k.Start(); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	defer k.Stop()
	globalKernel = k

	var submitted []kerneltypes.TaskID
	for _, in := range inputs {
		prereqs := make([]kerneltypes.TaskID, len(in.Prereqs))
		for i, p := range in.Prereqs {
			prereqs[i] = kerneltypes.TaskID(p)
		}

		id, err := k.Submit(taskqueue.TaskSpec{
			ID:          kerneltypes.TaskID(in.ID),
			Name:        in.Name,
			Priority:    in.Priority,
			Timeout:     time.Duration(in.TimeoutMs) * time.Millisecond,
			MaxRetries:  in.MaxRetries,
			Prereqs:     prereqs,
			BreakerName: in.BreakerName,
			Description: in.Description,
			Callable:    echoCallable,
			Args:        in.Args,
		})
		if err != nil {
			log.Error("submit failed", "id", in.ID, "error", err)
			continue
		}
		submitted = append(submitted, id)
	}

	log.Info("submitted tasks", "count", len(submitted), "total", len(inputs))
	for _, id := range submitted {
		k.Queue.Await(id, 0)
	}
	return nil
}

func echoCallable(ctx kerneltypes.CallContext) (any, error) {
	return ctx.Args, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show kernel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("\n+-------------------------------------------------------------+")
	fmt.Println("|                  taskkernel status                         |")
	fmt.Println("+-------------------------------------------------------------+")
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Config File:         %s\n", configFile)
	fmt.Printf("  Worker Count:        %d\n", cfg.Worker.Count)
	fmt.Printf("  Executor Concurrency: %d\n", cfg.Worker.ExecutorConcurrency)
	fmt.Printf("  Scheduler Poll:      %s\n", cfg.Scheduler.PollInterval)
	fmt.Println()

	fmt.Println("Persistence:")
	if cfg.Snapshot.Dir != "" {
		fmt.Printf("  Snapshot Dir:        %s\n", cfg.Snapshot.Dir)
		fmt.Printf("  Snapshot Interval:   %s\n", cfg.Snapshot.Interval)
		fmt.Printf("  Retention:           %d\n", cfg.Snapshot.Keep)
	} else {
		fmt.Println("  disabled")
	}
	fmt.Println()

	if globalKernel != nil {
		status := globalKernel.Status()
		fmt.Println("Task Queue:")
		fmt.Printf("  Size:                %d\n", status.Queue.QueueSize)
		fmt.Printf("  Workers:             %d\n", status.Queue.WorkerCount)
		for s, n := range status.Queue.ByStatus {
			fmt.Printf("  %-20s %d\n", string(s)+":", n)
		}
		fmt.Println()

		fmt.Println("Scheduled entries:", len(status.Schedule))
		fmt.Println("Circuit breakers:")
		for name, state := range status.Breakers {
			fmt.Printf("  %-20s %s\n", name+":", state)
		}
	} else {
		fmt.Println("Kernel not running in this process (run 'taskkernel run' to start one)")
	}
	fmt.Println()

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  disabled")
	}
	fmt.Println()
	fmt.Println("+-------------------------------------------------------------+")
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &cfg, nil
}
