package commands

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Varulv1997/varnish-cache/cmd/poold/app"
	"github.com/Varulv1997/varnish-cache/pkg/logger"
	"github.com/Varulv1997/varnish-cache/pkg/pool"
)

func newBenchCommand(opts *Options) *cobra.Command {
	var tasks int
	var taskTime time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "bench [flags]",
		Short: "Run a synthetic workload against the scheduler",
		Long: `Drives a burst of synthetic tasks through the configured pools and
reports throughput, growth and drop behavior. Tasks cycle through all
priority classes; each one busy-waits for the configured task time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, tasks, taskTime, timeout)
		},
	}

	cmd.Flags().IntVarP(&tasks, "tasks", "n", 10000, "number of tasks to submit")
	cmd.Flags().DurationVarP(&taskTime, "task-time", "t", 100*time.Microsecond,
		"simulated work per task")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute,
		"abort the benchmark after this long")

	return cmd
}

func runBench(opts *Options, tasks int, taskTime, timeout time.Duration) error {
	if opts.NoColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	log := logger.NewLogger(logger.Config{
		Verbosity: opts.Params.Verbose,
		Output:    os.Stderr,
	})

	reg := pool.NewRegistry(
		app.PoolConfig(opts.Params), opts.Params.Pools, log, pool.Options{},
	)
	defer reg.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reg.Start(ctx)

	log.WithFields(logger.Fields{
		"tasks":     tasks,
		"task_time": taskTime.String(),
		"pools":     opts.Params.Pools,
	}).Info("Benchmark starting")

	var done atomic.Int64
	var dropped int64
	classes := []pool.Class{
		pool.ClassBackend, pool.ClassRush, pool.ClassRequest,
		pool.ClassStream, pool.ClassAccept,
	}

	pools := reg.Pools()
	start := time.Now()
	for i := 0; i < tasks; i++ {
		p := pools[i%len(pools)]
		err := p.Submit(pool.Task{
			Class: classes[i%len(classes)],
			Run: func(context.Context) {
				spin(taskTime)
				done.Add(1)
			},
		})
		if err != nil {
			dropped++
		}
	}

	accepted := int64(tasks) - dropped
	for done.Load() < accepted {
		select {
		case <-ctx.Done():
			return fmt.Errorf("benchmark timed out with %d of %d tasks done",
				done.Load(), accepted)
		case <-time.After(time.Millisecond):
		}
	}
	elapsed := time.Since(start)

	printBenchSummary(reg, tasks, dropped, elapsed)
	return nil
}

// spin busy-waits to simulate CPU-bound work; sleeping would let the
// runtime park the goroutine and hide scheduling behavior.
func spin(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

func printBenchSummary(reg *pool.Registry, tasks int, dropped int64, elapsed time.Duration) {
	title := color.New(color.FgCyan, color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	title.Println("\nBenchmark results")
	fmt.Printf("  submitted:  %d\n", tasks)
	fmt.Printf("  elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  throughput: %s\n",
		good.Sprintf("%.0f tasks/s", float64(tasks)/elapsed.Seconds()))
	if dropped > 0 {
		fmt.Printf("  dropped:    %s\n", bad.Sprintf("%d", dropped))
	} else {
		fmt.Printf("  dropped:    %s\n", good.Sprint("0"))
	}

	title.Println("\nPer-pool stats")
	for _, s := range reg.Snapshot() {
		fmt.Printf("  pool %d: workers=%d (idle=%d busy=%d) created=%d destroyed=%d processed=%d dropped=%d\n",
			s.Pool, s.Workers, s.Idle, s.Busy,
			s.Created, s.Destroyed, s.Processed, s.Dropped)
	}
}
