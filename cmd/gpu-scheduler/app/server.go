/*
Copyright 2022 The Koordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package app wires together and runs the execution scheduler binary.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/debugserver"
	"github.com/aetf/gpu-execsched/pkg/execution/engine"
	"github.com/aetf/gpu-execsched/pkg/execution/taskexecutor"
	"github.com/aetf/gpu-execsched/pkg/execution/threadpool"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

// Options holds the flags NewSchedulerCommand binds, beyond what lives in
// config.SchedulingArgs.
type Options struct {
	Args config.SchedulingArgs

	DebugAddr       string
	NumThreads      int
	QueueDepth      int
	RegulatorMemCap uint64
}

func newOptions() *Options {
	o := &Options{
		DebugAddr:       ":9090",
		NumThreads:      0,
		QueueDepth:      256,
		RegulatorMemCap: 14 << 30,
	}
	config.SetDefaults_SchedulingArgs(&o.Args)
	return o
}

// NewSchedulerCommand creates the gpu-scheduler *cobra.Command.
func NewSchedulerCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:   "gpu-scheduler",
		Short: "Runs the multi-tenant GPU-sharing execution scheduler",
		Long: `gpu-scheduler admits and schedules iteration- and task-level work across
sessions sharing a single GPU: an AllocationRegulator gates iteration
admission, a ResourceMonitor accounts live allocations, an ExecutionEngine
orders per-lane iterations, and a TaskExecutor schedules and pages
task-level operations when the device runs out of memory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), opts)
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}

// AddFlags binds every option onto fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar((*string)(&o.Args.Scheduler), "scheduler", string(o.Args.Scheduler),
		"scheduling policy: fair, pack, preempt, rr, fifo, or mix")
	fs.BoolVar(&o.Args.WorkConservative, "work-conservative", o.Args.WorkConservative,
		"dispatch every admissible expensive iteration per lane per pass, instead of just one")
	fs.BoolVar(&o.Args.UseFairnessCounter, "use-fairness-counter", o.Args.UseFairnessCounter,
		"order the fair policy by memory-time product instead of arrival order")
	fs.Uint64Var(&o.Args.MaxHolWaiting, "max-hol-waiting", o.Args.MaxHolWaiting,
		"head-of-line waiting threshold before a session's queue submits head-only")
	fs.BoolVar(&o.Args.DisableAdmissionControl, "disable-admission-control", o.Args.DisableAdmissionControl,
		"admit every iteration unconditionally, skipping the AllocationRegulator gate")
	fs.BoolVar(&o.Args.UseGPU, "use-gpu", o.Args.UseGPU,
		"schedule onto GPU devices (defaults to EXEC_SCHED_USE_GPU when set)")
	fs.StringVar(&o.DebugAddr, "debug-addr", o.DebugAddr, "address for the debug/metrics HTTP server")
	fs.IntVar(&o.NumThreads, "threads", o.NumThreads, "worker thread count; 0 selects GOMAXPROCS/2")
	fs.IntVar(&o.QueueDepth, "queue-depth", o.QueueDepth, "per-worker bounded queue depth")
	fs.Uint64Var(&o.RegulatorMemCap, "regulator-mem-cap", o.RegulatorMemCap,
		"per-session resident memory ceiling enforced by the AllocationRegulator, in bytes")
}

// runCommand builds the scheduling stack, starts it, prints the resolved
// configuration, and blocks until an interrupt or terminate signal is
// received, at which point it drains both scheduling loops and the
// thread pool before returning.
func runCommand(ctx context.Context, opts *Options) error {
	mon := resources.NewMonitor()
	mon.InitializeLimitsFromDevice()

	// The AllocationRegulator itself is constructed by whatever process
	// creates sessions (outside this binary's scope: session creation is
	// driven by the RPC/graph-partitioning layer, not implemented here);
	// opts.RegulatorMemCap documents the ceiling that caller is expected
	// to pass to resources.NewRegulator.

	pool := threadpool.New(threadpool.Options{NumThreads: opts.NumThreads, QueueDepth: opts.QueueDepth})
	exec := taskexecutor.NewExecutor(opts.Args, mon, pool)
	eng := engine.New(opts.Args)
	dbg := debugserver.New(opts.DebugAddr, exec, eng)

	printStartupTable(opts)

	exec.StartExecution()
	eng.StartExecution()

	dbgErrCh := make(chan error, 1)
	go func() { dbgErrCh <- dbg.ListenAndServe() }()

	signalCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-signalCtx.Done():
		klog.InfoS("shutdown signal received, draining scheduling loops")
	case err := <-dbgErrCh:
		klog.ErrorS(err, "debug server exited unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := dbg.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "debug server shutdown error")
	}

	eng.StopExecution()
	exec.StopExecution()
	pool.StopAndJoin(shutdownCtx)

	klog.InfoS("gpu-scheduler stopped")
	return nil
}

func printStartupTable(opts *Options) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"setting", "value"})
	t.AppendRows([]table.Row{
		{"scheduler", opts.Args.Scheduler},
		{"workConservative", opts.Args.WorkConservative},
		{"useFairnessCounter", opts.Args.UseFairnessCounter},
		{"maxHolWaiting", opts.Args.MaxHolWaiting},
		{"disableAdmissionControl", opts.Args.DisableAdmissionControl},
		{"useGPU", opts.Args.UseGPU},
		{"debugAddr", opts.DebugAddr},
		{"threads", opts.NumThreads},
		{"queueDepth", opts.QueueDepth},
		{"regulatorMemCap", fmt.Sprintf("%d bytes", opts.RegulatorMemCap)},
	})
	t.Render()
}
