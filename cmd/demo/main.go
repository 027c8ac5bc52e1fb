package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/supervm/internal/agent"
	"github.com/ChuLiYu/supervm/internal/cli"
	"github.com/ChuLiYu/supervm/internal/dispatch"
	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/registry"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/internal/taskstore"
	"github.com/ChuLiYu/supervm/pkg/types"
)

const nodeCount = 3

// demoNode 一個行程內模擬節點
type demoNode struct {
	id   types.NodeID
	exec *agent.Executor
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := cli.LoadConfig("configs/default.yaml")
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = cli.Default(), nil
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// 崩潰恢復示範需要持久化
	cfg.Storage.Backend = "wal"
	cli.SetupLogger(cfg)

	backend, err := cli.OpenBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	transport := dispatch.NewLocalTransport()
	sched, err := scheduler.New(cfg.SchedulerConfig(), scheduler.Deps{
		Store:      taskstore.New(backend),
		Registry:   registry.New(cfg.RegistryConfig()),
		Pool:       pool.New(),
		Dispatcher: dispatch.New(transport, cfg.DispatchConfig()),
	})
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	nodes := startNodes(ctx, cfg, sched, transport)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	fmt.Printf("✓ Scheduler started with %d simulated nodes (mode: %s)\n", len(nodes), mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	shutdown := func() {
		fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
		sched.Stop()
		for _, n := range nodes {
			n.exec.Close()
		}
		fmt.Println("✓ Scheduler stopped")
	}

	switch mode {
	case "start":
		time.Sleep(500 * time.Millisecond)
		if st := sched.Status(); total(st) > 0 {
			fmt.Printf("\n⚠️  Found existing tasks from previous run (recovered from crash!)\n")
			printStatus("Current Status (after recovery)", st)
			fmt.Printf("\n💡 Remove %s to restart fresh\n", cfg.Storage.WAL.Path)
			break
		}

		submitted := submitTasks(ctx, sched, 300)
		fmt.Printf("✓ Submitted %d tasks\n", submitted)
		fmt.Printf("💡 Press Ctrl+C NOW (within ~2 seconds) to catch tasks in flight!\n\n")

		for i := 0; i < 20; i++ {
			select {
			case <-sigChan:
				shutdown()
				return
			case <-time.After(100 * time.Millisecond):
				st := sched.Status()
				fmt.Printf("📊 Queued=%d Running=%d Completed=%d Failed=%d\n",
					st.Tasks[types.StateQueued], st.Tasks[types.StateAssigned]+st.Tasks[types.StateRunning],
					st.Tasks[types.StateCompleted], st.Tasks[types.StateFailed])
			}
		}
		printStatus("Status Snapshot (after 2 seconds)", sched.Status())

	case "recover":
		time.Sleep(500 * time.Millisecond)
		st := sched.Status()
		printStatus("Immediate Status After Recovery", st)
		if n := total(st); n > 0 {
			fmt.Printf("\n✓ Recovered %d tasks from the write-ahead log\n", n)
		}

		fmt.Printf("\n⏳ Waiting 3 seconds for tasks to drain...\n")
		time.Sleep(3 * time.Second)
		printStatus("Final Status (after processing)", sched.Status())

	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	<-sigChan
	shutdown()
}

// startNodes 註冊節點並以固定間隔代發心跳
func startNodes(ctx context.Context, cfg *cli.Config, sched *scheduler.Scheduler, transport *dispatch.LocalTransport) []demoNode {
	capacity := types.Resources{
		CPUMillis: cfg.Agent.Capacity.CPUMillis,
		MemoryMB:  cfg.Agent.Capacity.MemoryMB,
		GPUUnits:  cfg.Agent.Capacity.GPUUnits,
	}

	nodes := make([]demoNode, 0, nodeCount)
	for i := 1; i <= nodeCount; i++ {
		engine := agent.NewSimulatedEngine(cfg.Agent.Engines.MaxDelay, 0.1, int64(i))
		exec := agent.NewExecutor(map[types.TaskType]agent.Engine{
			types.TaskProcess: engine,
			types.TaskRender:  engine,
			types.TaskBrowser: engine,
			types.TaskSync:    engine,
		}, 0)

		endpoint := fmt.Sprintf("local-%d", i)
		transport.Attach(endpoint, exec)
		id, err := sched.RegisterNode(types.Node{ID: types.NodeID(fmt.Sprintf("demo-vm-%d", i)), Endpoint: endpoint, Capacity: capacity})
		if err != nil {
			log.Fatalf("Failed to register node: %v", err)
		}
		nodes = append(nodes, demoNode{id: id, exec: exec})
	}

	go func() {
		ticker := time.NewTicker(cfg.Registry.HeartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, n := range nodes {
					sched.Heartbeat(n.id, types.NodeMetrics{RunningJobs: n.exec.Running()})
				}
			}
		}
	}()
	return nodes
}

func submitTasks(ctx context.Context, sched *scheduler.Scheduler, n int) int {
	kinds := []types.TaskType{types.TaskProcess, types.TaskRender, types.TaskBrowser, types.TaskSync}
	ok := 0
	for i := 0; i < n; i++ {
		spec := types.TaskSpec{
			Type:    kinds[i%len(kinds)],
			Demand:  types.Resources{CPUMillis: int64(250 * (1 + i%4)), MemoryMB: int64(128 * (1 + i%8))},
			Payload: map[string]any{"index": i},
			Timeout: 10 * time.Second,
		}
		if _, err := sched.Submit(ctx, spec); err != nil {
			fmt.Printf("submit %d rejected: %v\n", i, err)
			continue
		}
		ok++
	}
	return ok
}

func total(st scheduler.Status) int {
	n := 0
	for _, c := range st.Tasks {
		n += c
	}
	return n
}

func printStatus(title string, st scheduler.Status) {
	fmt.Printf("\n📊 %s:\n", title)
	for _, s := range []types.TaskState{types.StateQueued, types.StateAssigned, types.StateRunning, types.StateRetrying, types.StateCompleted, types.StateFailed, types.StateCancelled} {
		fmt.Printf("  %-10s %d\n", s, st.Tasks[s])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", total(st))
}
