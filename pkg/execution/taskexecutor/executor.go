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

// Package taskexecutor implements the task-level scheduling engine: the
// scheduling loop that admits sessions, drives the configured policy, and
// recovers from device-memory exhaustion by paging or forced eviction.
package taskexecutor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/errs"
	execctx "github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/execution/scheduler"
	_ "github.com/aetf/gpu-execsched/pkg/execution/scheduler/policy/fair"
	_ "github.com/aetf/gpu-execsched/pkg/execution/scheduler/policy/pack"
	_ "github.com/aetf/gpu-execsched/pkg/execution/scheduler/policy/preempt"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/metrics"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

type runState int

const (
	stateStopped runState = iota
	stateRunning
	stateInterrupting
)

const (
	noProgressWarnAfter = 10 * time.Second
	initialSleep        = 10 * time.Millisecond
	maxSleep            = 200 * time.Millisecond
)

// pagingTarget is where paged-out victim memory lands.
var pagingTarget = resources.DeviceSpec{Type: resources.DeviceCPU, ID: 0}

// backoffPolicy returns a fresh exponential backoff that doubles the sleep
// from initialSleep up to maxSleep.
func backoffPolicy() wait.Backoff {
	return wait.Backoff{Duration: initialSleep, Factor: 2, Steps: 5, Cap: maxSleep}
}

// Executor is the task-level scheduling engine. It implements
// scheduler.Executor so policies can preallocate and dispatch through it.
type Executor struct {
	args config.SchedulingArgs
	mon  *resources.Monitor
	pool poolLike
	clk  clock.Clock

	policy scheduler.BaseScheduler

	stateMu sync.Mutex
	state   runState

	sessions []*session.Item

	snapMu       sync.Mutex
	sessSnapshot []*session.Item

	newMu  sync.Mutex
	newSes []*session.Item

	delMu  sync.Mutex
	delSes map[*session.Item]struct{}

	wake chan struct{}

	// lastProgress is deliberately per-executor state, so two executors in
	// one process track their own progress independently.
	lastProgress time.Time
	sleepDur     time.Duration
	backoff      wait.Backoff

	noProgressLog rate.Sometimes

	inFlight atomic.Int64

	wg sync.WaitGroup
}

// poolLike is the subset of threadpool.Pool the executor drives,
// abstracted so tests can substitute a synchronous fake.
type poolLike interface {
	TryRun(c func(), fromWorker int) (func(), bool)
}

// NewExecutor constructs an Executor with args applied (SetDefaults is the
// caller's responsibility, following the package's explicit
// SetDefaults_X convention).
func NewExecutor(args config.SchedulingArgs, mon *resources.Monitor, pool poolLike) *Executor {
	e := &Executor{
		args:          args,
		mon:           mon,
		pool:          pool,
		clk:           clock.RealClock{},
		delSes:        make(map[*session.Item]struct{}),
		wake:          make(chan struct{}, 1),
		lastProgress:  time.Now(),
		sleepDur:      initialSleep,
		backoff:       backoffPolicy(),
		noProgressLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	policyName := string(args.Scheduler)
	p, ok := scheduler.Instance().Create(policyName, e)
	if !ok {
		klog.ErrorS(nil, "falling back to fair policy", "requested", policyName)
		p, _ = scheduler.Instance().Create("fair", e)
	}
	e.policy = p
	return e
}

// --- scheduler.Executor ---

func (e *Executor) Monitor() *resources.Monitor { return e.mon }
func (e *Executor) Pool() scheduler.Submitter   { return e }
func (e *Executor) UseGPU() bool                { return e.args.UseGPU }
func (e *Executor) WorkConservative() bool      { return e.args.WorkConservative }
func (e *Executor) UseFairnessCounter() bool    { return e.args.UseFairnessCounter }
func (e *Executor) MaxHolWaiting() uint64       { return e.args.MaxHolWaiting }

// Policy returns the configured BaseScheduler, for debug reporting.
func (e *Executor) Policy() scheduler.BaseScheduler { return e.policy }

// Sessions returns the most recent per-loop-iteration session snapshot,
// safe to call from any goroutine (unlike e.sessions, which is only ever
// touched by the scheduling loop itself).
func (e *Executor) Sessions() []*session.Item {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return append([]*session.Item(nil), e.sessSnapshot...)
}

// MakeResourceContext calls Monitor.PreAllocate(req); on success it wraps
// the returned ticket in a ResourceContext and attaches sess as an
// AllocationListener.
func (e *Executor) MakeResourceContext(sess *session.Item, graphID uint64, spec resources.DeviceSpec, req resources.Resources) (*execctx.ResourceContext, bool, resources.Resources) {
	missing := make(resources.Resources)
	ticket, ok := e.mon.PreAllocate(req, missing)
	if !ok {
		return nil, false, missing
	}
	rctx := execctx.New(e.mon, graphID, spec, ticket)
	if sess != nil {
		rctx.AddListener(sess)
	}
	return rctx, true, nil
}

// --- session lifecycle ---

// InsertSession appends sess to the guarded "new" list and wakes the loop.
func (e *Executor) InsertSession(sess *session.Item) {
	e.newMu.Lock()
	e.newSes = append(e.newSes, sess)
	e.newMu.Unlock()
	e.notify()
}

// DeleteSession adds sess to the guarded "deleted" set and wakes the loop.
func (e *Executor) DeleteSession(sess *session.Item) {
	e.delMu.Lock()
	e.delSes[sess] = struct{}{}
	e.delMu.Unlock()
	e.notify()
}

func (e *Executor) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// --- lifecycle ---

// StartExecution spawns the scheduling goroutine.
func (e *Executor) StartExecution() {
	e.stateMu.Lock()
	if e.state != stateStopped {
		e.stateMu.Unlock()
		return
	}
	e.state = stateRunning
	e.stateMu.Unlock()

	e.wg.Add(1)
	go e.run()
}

// StopExecution requests interruption and blocks until the loop exits.
func (e *Executor) StopExecution() {
	e.stateMu.Lock()
	if e.state == stateRunning {
		e.state = stateInterrupting
	}
	e.stateMu.Unlock()
	e.notify()
	e.wg.Wait()
}

func (e *Executor) isInterrupting() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state == stateInterrupting
}

func (e *Executor) run() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			klog.Fatalf("task scheduling loop panicked: %v", r)
		}
	}()
	interruptFannedOut := false

	for {
		// Step 1: swap out the deleted set.
		e.delMu.Lock()
		deleted := e.delSes
		e.delSes = make(map[*session.Item]struct{})
		e.delMu.Unlock()

		// Step 2: remove deleted sessions, run cleanup.
		if len(deleted) > 0 {
			kept := e.sessions[:0]
			for _, s := range e.sessions {
				if _, gone := deleted[s]; gone {
					e.retireSession(s)
					continue
				}
				kept = append(kept, s)
			}
			e.sessions = kept
		}

		// Step 3: splice in new sessions, recording the change-set range.
		e.newMu.Lock()
		added := e.newSes
		e.newSes = nil
		e.newMu.Unlock()
		e.sessions = append(e.sessions, added...)

		changeset := scheduler.ChangeSet{DeletedSessions: deleted, AddedSessions: added}

		// Step 4: first-time interrupt fan-out.
		interrupting := e.isInterrupting()
		if interrupting && !interruptFannedOut {
			for _, s := range e.sessions {
				s.Interrupt()
			}
			interruptFannedOut = true
		}

		// Step 5: prepare per-session state. OOM protection is re-armed
		// for every session on every pass; forced eviction's protectOOM
		// write therefore only covers tasks still in flight when the
		// eviction was decided, not later passes.
		totalRemaining := 0
		kept := e.sessions[:0]
		for _, s := range e.sessions {
			s.SpliceQueueIntoBgQueue()
			if s.ForceEvicted {
				cancelAll(s)
			}
			if interrupting && s.BgQueue.Len() == 0 {
				// Fan-out already cancelled everything this session had
				// pending; retire it so the loop can drain to empty.
				e.retireSession(s)
				continue
			}
			kept = append(kept, s)
			totalRemaining += s.BgQueue.Len()
			metrics.SessionQueueDepth.WithLabelValues(s.SessHandle).Set(float64(s.BgQueue.Len()))
			s.SetProtectOOM(true)
			s.SetLastScheduled(0)
		}
		e.sessions = kept

		// Step 6: interrupt completion check.
		if interrupting && len(e.sessions) == 0 {
			return
		}

		// Step 7: policy callback.
		candidates := e.policy.NotifyPreSchedulingIteration(e.sessions, changeset)

		// Step 8: drop the deleted change set (already consumed above).

		// Step 9: schedule each candidate in policy order.
		scheduled := 0
		for _, cand := range candidates {
			n, cont := e.policy.MaybeScheduleFrom(cand)
			scheduled += n
			cand.SetLastScheduled(n)
			if !cont {
				break
			}
		}

		// Step 10: no-progress detection, over all sessions rather than
		// just the candidates the policy let us reach.
		noProgress := totalRemaining > 0 && scheduled == 0 && e.inFlight.Load() == 0
		now := e.clk.Now()
		if scheduled > 0 {
			e.lastProgress = now
		}
		if noProgress && now.Sub(e.lastProgress) > noProgressWarnAfter {
			e.noProgressLog.Do(func() {
				klog.ErrorS(nil, "no scheduling progress", "since", e.lastProgress)
			})
		}

		// Step 11: paging.
		gpu0 := resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0}
		if noProgress && e.policy.InsufficientMemory(gpu0) {
			e.doPaging(gpu0, pagingTarget)
		}

		// Step 12: adaptive sleep.
		if scheduled == 0 {
			e.sleepDur = e.backoff.Step()
		} else {
			e.backoff = backoffPolicy()
			e.sleepDur = initialSleep
		}

		e.snapMu.Lock()
		e.sessSnapshot = append([]*session.Item(nil), e.sessions...)
		e.snapMu.Unlock()

		// Step 13: block on the event counter if nothing remains; with
		// work still pending but none schedulable, back off instead of
		// spinning.
		if totalRemaining == 0 {
			e.waitForWork(e.sleepDur)
		} else if scheduled == 0 {
			e.clk.Sleep(e.sleepDur)
		}

		if interrupting && len(e.sessions) == 0 {
			return
		}
	}
}

// retireSession runs a session's cleanup callback and drops its per-session
// gauges.
func (e *Executor) retireSession(s *session.Item) {
	s.RunCleanup()
	metrics.SessionQueueDepth.DeleteLabelValues(s.SessHandle)
	metrics.SessionHOLWaiting.DeleteLabelValues(s.SessHandle)
}

func (e *Executor) waitForWork(d time.Duration) {
	t := e.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.wake:
	case <-t.C():
	}
}

func cancelAll(s *session.Item) {
	for el := s.BgQueue.Front(); el != nil; el = el.Next() {
		item := el.Value.(*session.OperationItem)
		item.Task.Cancel()
	}
	s.BgQueue.Init()
}

// RunTask implements scheduler.Submitter: dispatches item to the pool with
// rctx's allocation backing it. Returns false (PoolQueueFull) if the pool
// queue was saturated.
func (e *Executor) RunTask(item *session.OperationItem, rctx *execctx.ResourceContext) bool {
	e.inFlight.Add(1)
	closure := func() {
		defer e.inFlight.Add(-1)
		item.Task.Run(task.Callbacks{
			Done:       func() { e.onDone(item, rctx) },
			MemFailure: func() bool { return e.onMemFailure(item, rctx) },
		})
	}
	_, ok := e.pool.TryRun(closure, -1)
	if !ok {
		e.inFlight.Add(-1)
	}
	return ok
}

func (e *Executor) onDone(item *session.OperationItem, rctx *execctx.ResourceContext) {
	rctx.ReleaseStaging()
}

func (e *Executor) onMemFailure(item *session.OperationItem, rctx *execctx.ResourceContext) bool {
	sess, alive := item.Sess.Lock()
	if !alive {
		rctx.ReleaseStaging()
		return true
	}

	exact := item.Task.HasExactEstimation(rctx.Spec())
	if exact && !sess.ProtectOOM() {
		// Surface OutOfMemory to the caller; do not consume locally.
		rctx.ReleaseStaging()
		return false
	}

	rctx.ReleaseStaging()
	sess.Enqueue(item)
	return true
}

// doPaging enumerates sessions by descending source-device memory usage,
// keeps the top consumer, and tries each remaining session as a donor
// before falling back to forced eviction.
func (e *Executor) doPaging(source, target resources.DeviceSpec) bool {
	memTag := resources.ResourceTag{Type: resources.Memory, Device: source}

	entries := make([]sessionUsage, 0, len(e.sessions))
	for _, s := range e.sessions {
		entries = append(entries, sessionUsage{sess: s, used: s.ResourceUsage(memTag).Load()})
	}
	sortDescending(entries)
	if len(entries) < 2 {
		return e.forceEvict(entries, source)
	}

	var attempts error
	for _, donorEntry := range entries[1:] {
		donor := donorEntry.sess
		paging := donor.PagingCallbacks()
		if paging.Volunteer == nil {
			continue
		}

		tickets := donor.Tickets()
		victims := e.mon.SortVictim(tickets, source)
		for _, v := range victims {
			targetReq := resources.Resources{{Type: resources.Memory, Device: target}: v.Usage}
			targetMissing := make(resources.Resources)
			targetTicket, ok := e.mon.PreAllocate(targetReq, targetMissing)
			if !ok {
				attempts = multierr.Append(attempts,
					fmt.Errorf("%w: no landing space on %s", errs.ErrOutOfMemory, target))
				metrics.PagingAttemptsTotal.WithLabelValues("failed").Inc()
				return false
			}
			targetRctx := execctx.New(e.mon, 0, target, targetTicket)
			released := paging.Volunteer(v.Ticket, targetRctx)
			if released > 0 {
				metrics.PagingAttemptsTotal.WithLabelValues("volunteered").Inc()
				return true
			}
			targetRctx.ReleaseStaging()
		}
	}

	klog.V(2).InfoS("no donor volunteered, forcing eviction", "attempts", attempts)
	return e.forceEvict(entries, source)
}

// sessionUsage pairs a session with its observed usage of one resource
// tag, used to order paging donors/victims by descending consumption.
type sessionUsage struct {
	sess *session.Item
	used uint64
}

func (e *Executor) forceEvict(entries []sessionUsage, source resources.DeviceSpec) bool {
	if len(entries) == 0 {
		return false
	}
	top := entries[0].sess
	top.SetProtectOOM(false)
	top.Interrupt()
	metrics.PagingAttemptsTotal.WithLabelValues("forced_evict").Inc()
	metrics.ForcedEvictionsTotal.Inc()
	klog.InfoS("forced eviction", "session", top.SessHandle, "device", source)
	return true
}

func sortDescending(entries []sessionUsage) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].used > entries[j-1].used; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
