// ============================================================================
// SuperVM CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   supervm                        # Root command
//   ├── run                        # Start scheduler + HTTP API (+ autoscaler)
//   ├── agent                      # Start a worker node agent
//   ├── submit                     # Submit a task (flags or JSON file)
//   ├── status                     # Render /api/v1/status
//   ├── nodes                      # List registered nodes
//   ├── scale                      # Ask the autoscaler for +/- nodes
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   Uses YAML format config file; missing fields keep Default() values.
//   Sections: scheduler, dispatch, registry, scaling, provision, storage,
//   http, metrics, log, agent.
//
// run Command:
//   1. Load config and install the slog handler
//   2. Open the storage backend (memory | wal | etcd)
//   3. Build registry, pool, dispatcher (gRPC transport) and scheduler
//   4. Start scheduler (restart recovery happens here)
//   5. Start autoscaler when scaling.enabled
//   6. Serve the HTTP API (and a separate metrics port if configured)
//   7. SIGINT / SIGTERM: graceful shutdown in reverse order
//
// Client Commands:
//   submit / status / nodes / scale talk to the HTTP API given by --api
//   (default: http.addr from the config on localhost).
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Version 版本號
const Version = "1.0.0"

var (
	configFile string
	apiURL     string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "supervm",
		Short: "SuperVM: a resource-aware task scheduler for a pool of worker VMs",
		Long: `SuperVM schedules heterogeneous tasks onto worker nodes with:
- best-fit admission over CPU / memory / GPU
- bounded retries and node failover
- utilisation-driven autoscaling
- WAL or etcd backed task durability`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "scheduler API base URL (client commands)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildNodesCommand())
	rootCmd.AddCommand(buildScaleCommand())

	return rootCmd
}

// loadConfig 讀取配置；預設路徑不存在時退回 Default()
func loadConfig() (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && configFile == "configs/default.yaml" {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// signalContext 收到 SIGINT / SIGTERM 時取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run / agent
// ============================================================================

func buildRunCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the SuperVM scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			SetupLogger(cfg)
			ctx, stop := signalContext()
			defer stop()
			return RunScheduler(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

func buildAgentCommand() *cobra.Command {
	var id, listen, endpoint, api string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a worker node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for dst, v := range map[*string]string{&cfg.Agent.ID: id, &cfg.Agent.Listen: listen, &cfg.Agent.Endpoint: endpoint, &cfg.Agent.APIURL: api} {
				if v != "" {
					*dst = v
				}
			}
			SetupLogger(cfg)

			engines, err := agent.BuildEngines(cfg.EngineConfig())
			if err != nil {
				return err
			}
			a, err := agent.New(cfg.AgentConfig(), agent.NewExecutor(engines, cfg.Agent.MaxConcurrent))
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node ID (default: agent.id or a generated UUID)")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "address the scheduler dials")
	cmd.Flags().StringVar(&api, "scheduler", "", "scheduler API base URL")
	return cmd
}

// ============================================================================
// Client commands
// ============================================================================

func client() (*Client, error) {
	if apiURL != "" {
		return NewClient(apiURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	addr := cfg.HTTP.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return NewClient("http://" + addr), nil
}

func buildSubmitCommand() *cobra.Command {
	var (
		file        string
		taskType    string
		cpu         float64
		memoryMB    int64
		gpu         int64
		payload     string
		timeout     time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Long:  "Submit one task from flags, or a JSON array of tasks from --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var bodies []map[string]any
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read task file: %w", err)
				}
				if err := json.Unmarshal(data, &bodies); err != nil {
					return fmt.Errorf("failed to parse task file: %w", err)
				}
			} else {
				body, err := submitBodyFromFlags(taskType, cpu, memoryMB, gpu, payload, timeout, maxAttempts)
				if err != nil {
					return err
				}
				bodies = append(bodies, body)
			}

			ok := 0
			for _, b := range bodies {
				t, err := c.Submit(cmd.Context(), b)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "submit failed: %v\n", err)
					continue
				}
				ok++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Type, t.State)
			}
			if ok < len(bodies) {
				return fmt.Errorf("%d of %d tasks rejected", len(bodies)-ok, len(bodies))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing an array of task definitions")
	cmd.Flags().StringVarP(&taskType, "type", "t", "process", "task type: process, render, browser, sync")
	cmd.Flags().Float64Var(&cpu, "cpu", 1, "CPU cores")
	cmd.Flags().Int64Var(&memoryMB, "memory", 512, "memory in MB")
	cmd.Flags().Int64Var(&gpu, "gpu", 0, "GPU units")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (e.g. 5m)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum attempts (0 = scheduler default)")
	return cmd
}

func submitBodyFromFlags(taskType string, cpu float64, memoryMB, gpu int64, payload string, timeout time.Duration, maxAttempts int) (map[string]any, error) {
	body := map[string]any{
		"type":   taskType,
		"demand": map[string]any{"cpu": cpu, "memory_mb": memoryMB, "gpu_units": gpu},
	}
	if payload != "" {
		var p map[string]any
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
		}
		body["payload"] = p
	}
	if timeout > 0 {
		body["timeout"] = timeout.String()
	}
	if maxAttempts > 0 {
		body["max_attempts"] = maxAttempts
	}
	return body, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display task counts, node health and pool usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *scheduler.Status) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                SuperVM System Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "Uptime: %s\n\n", st.Uptime)

	fmt.Fprintln(w, "Nodes:")
	fmt.Fprintf(w, "  ├─ Healthy:     %d\n", st.Nodes[types.NodeHealthy])
	fmt.Fprintf(w, "  ├─ Degraded:    %d\n", st.Nodes[types.NodeDegraded])
	fmt.Fprintf(w, "  └─ Unreachable: %d\n\n", st.Nodes[types.NodeUnreachable])

	fmt.Fprintln(w, "Tasks:")
	for _, s := range []types.TaskState{types.StateQueued, types.StateAssigned, types.StateRunning, types.StateRetrying, types.StateCompleted, types.StateFailed, types.StateCancelled} {
		fmt.Fprintf(w, "  ├─ %-10s %d\n", s, st.Tasks[s])
	}
	fmt.Fprintf(w, "  └─ in flight  %d\n\n", st.InFlight)

	fmt.Fprintln(w, "Pool:")
	fmt.Fprintf(w, "  ├─ CPU:    %d / %d m\n", st.Committed.CPUMillis, st.Capacity.CPUMillis)
	fmt.Fprintf(w, "  ├─ Memory: %d / %d MB\n", st.Committed.MemoryMB, st.Capacity.MemoryMB)
	fmt.Fprintf(w, "  └─ GPU:    %d / %d\n", st.Committed.GPUUnits, st.Capacity.GPUUnits)

	if len(st.Violations) > 0 {
		fmt.Fprintln(w, "\nInvariant violations:")
		for _, v := range st.Violations {
			fmt.Fprintf(w, "  ! %s\n", v)
		}
	}
}

func buildNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			nodes, err := c.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENDPOINT\tHEALTH\tCPU (m)\tMEM (MB)\tGPU\tRESERVATIONS")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d/%d\t%d/%d\t%d\n",
					n.ID, n.Endpoint, n.Health,
					n.Usage.Committed.CPUMillis, n.Capacity.CPUMillis,
					n.Usage.Committed.MemoryMB, n.Capacity.MemoryMB,
					n.Usage.Committed.GPUUnits, n.Capacity.GPUUnits,
					n.Usage.Reservations)
			}
			return tw.Flush()
		},
	}
}

func buildScaleCommand() *cobra.Command {
	var delta int
	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Request nodes from (delta > 0) or return nodes to (delta < 0) the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delta == 0 {
				return fmt.Errorf("--delta must not be zero")
			}
			c, err := client()
			if err != nil {
				return err
			}
			d, err := c.Scale(cmd.Context(), delta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "action=%s count=%d nodes=%v\n", d.Action, d.Count, d.NodeIDs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&delta, "delta", "d", 0, "number of nodes to add (negative to remove)")
	return cmd
}
