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

// Package engine implements the iteration-level scheduling engine:
// per-lane iteration queues, admission of iterations, selection by
// per-lane policy, and hand-off to the task-level executor via an
// iteration context.
package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/errs"
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
	laneIdleGC   = 10 * time.Second
	initialSleep = 10 * time.Millisecond
	boredSleep   = time.Second
)

// backoffPolicy returns a fresh exponential backoff that doubles the sleep
// from initialSleep up to boredSleep.
func backoffPolicy() wait.Backoff {
	return wait.Backoff{Duration: initialSleep, Factor: 2, Steps: 7, Cap: boredSleep}
}

// Engine is the iteration-level scheduling engine.
type Engine struct {
	args config.SchedulingArgs
	clk  clock.Clock

	stateMu sync.Mutex
	state   runState

	incomingMu sync.Mutex
	incoming   []*session.IterationItem

	lanesMu sync.Mutex
	lanes   map[string]*LaneQueue

	wake chan struct{}

	// lastProgress is per-engine state, not shared across instances.
	lastProgress time.Time
	sleepDur     time.Duration
	backoff      wait.Backoff

	sleepWarnLog rate.Sometimes

	wg sync.WaitGroup
}

// New constructs an Engine with args applied (SetDefaults is the caller's
// responsibility, following the package's explicit SetDefaults_X
// convention).
func New(args config.SchedulingArgs) *Engine {
	return &Engine{
		args:         args,
		clk:          clock.RealClock{},
		lanes:        make(map[string]*LaneQueue),
		wake:         make(chan struct{}, 1),
		lastProgress: time.Now(),
		sleepDur:     initialSleep,
		backoff:      backoffPolicy(),
		sleepWarnLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// ScheduleIteration enqueues item onto the global incoming queue and wakes
// the scheduling loop. item.LaneID and item.RegTicket must already be
// populated from the owning ExecutionContext.
func (e *Engine) ScheduleIteration(item *session.IterationItem) {
	e.incomingMu.Lock()
	e.incoming = append(e.incoming, item)
	e.incomingMu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// StartExecution spawns the scheduling goroutine.
func (e *Engine) StartExecution() {
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
func (e *Engine) StopExecution() {
	e.stateMu.Lock()
	if e.state == stateRunning {
		e.state = stateInterrupting
	}
	e.stateMu.Unlock()
	e.notify()
	e.wg.Wait()
}

func (e *Engine) isInterrupting() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state == stateInterrupting
}

func (e *Engine) run() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			klog.Fatalf("iteration scheduling loop panicked: %v", r)
		}
	}()

	for {
		// Step 1: swap in new iterations from the global queue.
		e.incomingMu.Lock()
		staged := e.incoming
		e.incoming = nil
		e.incomingMu.Unlock()

		now := e.clk.Now()

		// Step 2: route each staged item to its lane.
		for _, item := range staged {
			lane := e.laneFor(item.LaneID, now)
			lane.route(item, now)
		}

		// Step 3: if interrupting, exit once the incoming queue has been
		// drained into the lanes (no new scheduling is attempted).
		if e.isInterrupting() {
			return
		}

		// Step 4: garbage-collect inactive lanes.
		e.gcLanes(now)

		// Step 5: schedule each lane.
		scheduledAny := false
		totalRemaining := 0
		for _, lane := range e.snapshotLanes() {
			n := e.scheduleOnQueue(lane)
			if n > 0 {
				scheduledAny = true
			}
			totalRemaining += lane.pendingCount()
		}

		if scheduledAny {
			e.lastProgress = now
			e.backoff = backoffPolicy()
			e.sleepDur = initialSleep
		} else {
			e.sleepDur = e.backoff.Step()
		}
		if e.sleepDur >= boredSleep {
			e.sleepWarnLog.Do(func() {
				klog.ErrorS(nil, "execution engine idle, sleep capped", "sleep", e.sleepDur)
			})
		}

		// Step 6: block on the event counter if nothing remains; with
		// iterations still queued but none runnable, back off instead of
		// spinning on the expensive slot.
		if totalRemaining == 0 {
			e.waitForWork(e.sleepDur)
		} else if !scheduledAny {
			e.clk.Sleep(e.sleepDur)
		}
	}
}

func (e *Engine) waitForWork(d time.Duration) {
	t := e.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.wake:
	case <-t.C():
	}
}

func (e *Engine) laneFor(id string, now time.Time) *LaneQueue {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	lane, ok := e.lanes[id]
	if !ok {
		lane = newLaneQueue(id, now)
		e.lanes[id] = lane
	}
	return lane
}

// LaneSummary is a point-in-time snapshot of one lane, for debug reporting.
type LaneSummary struct {
	ID               string
	Pending          int
	ExpensiveRunning bool
}

// Lanes returns a debug snapshot of every currently-tracked lane.
func (e *Engine) Lanes() []LaneSummary {
	lanes := e.snapshotLanes()
	out := make([]LaneSummary, 0, len(lanes))
	for _, lane := range lanes {
		out = append(out, LaneSummary{
			ID:               lane.id,
			Pending:          lane.pendingCount(),
			ExpensiveRunning: lane.numExpensiveIterRunning.Load() > 0,
		})
	}
	return out
}

func (e *Engine) snapshotLanes() []*LaneQueue {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	out := make([]*LaneQueue, 0, len(e.lanes))
	for _, lane := range e.lanes {
		out = append(out, lane)
	}
	return out
}

func (e *Engine) gcLanes(now time.Time) {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	for id, lane := range e.lanes {
		idle, empty := lane.idleFor(now)
		if empty && idle > laneIdleGC && lane.numExpensiveIterRunning.Load() == 0 {
			delete(e.lanes, id)
			metrics.LaneQueueDepth.DeleteLabelValues(id)
			metrics.LaneExpensiveRunning.DeleteLabelValues(id)
		}
	}
}

// scheduleOnQueue implements the per-lane scheduling policy: inexpensive
// iterations always run immediately and independently; expensive
// iterations are ordered/filtered by selectExpensive and gated on the
// lane's single expensive slot, capped to one dispatch per pass when
// workConservative is false.
func (e *Engine) scheduleOnQueue(lane *LaneQueue) int {
	items := lane.takeQueue()
	if len(items) == 0 {
		return 0
	}

	scheduled := 0
	var requeue []*session.IterationItem
	var expensive []*session.IterationItem

	for _, item := range items {
		if item.Task.IsCanceled() {
			klog.V(5).InfoS("dropping iteration", "lane", lane.id, "reason", errs.ErrCancelled)
			continue
		}
		sess, alive := item.Sess.Lock()
		if !alive {
			klog.V(5).InfoS("dropping iteration", "lane", lane.id, "reason", errs.ErrSessionGone)
			continue
		}
		if !item.Task.IsExpensive() {
			if e.tryRunIteration(lane, sess, item, false) {
				scheduled++
			} else {
				requeue = append(requeue, item)
			}
			continue
		}
		expensive = append(expensive, item)
	}

	if len(expensive) > 0 {
		attempt, rest := selectExpensive(e.args.Scheduler, lane, expensive)
		requeue = append(requeue, rest...)

		ranExpensive := 0
		for _, item := range attempt {
			if !e.args.WorkConservative && ranExpensive > 0 {
				requeue = append(requeue, item)
				continue
			}
			if item.Task.IsCanceled() {
				continue
			}
			sess, alive := item.Sess.Lock()
			if !alive {
				continue
			}
			if e.tryRunIteration(lane, sess, item, true) {
				scheduled++
				ranExpensive++
			} else {
				requeue = append(requeue, item)
			}
		}
	}

	lane.putBack(requeue)
	metrics.LaneQueueDepth.WithLabelValues(lane.id).Set(float64(lane.pendingCount()))
	return scheduled
}

func (e *Engine) tryRunIteration(lane *LaneQueue, sess *session.Item, item *session.IterationItem, expensive bool) bool {
	if expensive {
		if !lane.numExpensiveIterRunning.CompareAndSwap(0, 1) {
			return false
		}
		metrics.LaneExpensiveRunning.WithLabelValues(lane.id).Set(1)
	}

	device := resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0}
	est := item.Task.EstimatedPeakAllocation(device)

	if !e.args.DisableAdmissionControl {
		if !sess.BeginIteration(item.Task.GraphID(), item.RegTicket, device, est) {
			klog.V(4).InfoS("iteration delayed", "lane", lane.id, "graph", item.Task.GraphID(),
				"reason", errs.ErrRejectedAdmission)
			if expensive {
				lane.numExpensiveIterRunning.Add(-1)
				metrics.LaneExpensiveRunning.WithLabelValues(lane.id).Set(0)
			}
			return false
		}
	}

	if !item.Task.Prepare() {
		if expensive {
			lane.numExpensiveIterRunning.Add(-1)
			metrics.LaneExpensiveRunning.WithLabelValues(lane.id).Set(0)
		}
		sess.EndIteration(item.Task.GraphID(), 0, est.Persist)
		return false
	}

	ctx := &iterContext{
		lane:      lane,
		sess:      sess,
		graphID:   item.Task.GraphID(),
		persist:   est.Persist,
		device:    device,
		start:     e.clk.Now(),
		expensive: expensive,
	}
	item.Task.RunAsync(ctx)
	return true
}

// iterContext implements task.IterationContext, letting the iteration
// signal completion back to the session and lane bookkeeping.
type iterContext struct {
	lane      *LaneQueue
	sess      *session.Item
	graphID   uint64
	persist   uint64
	device    resources.DeviceSpec
	start     time.Time
	expensive bool

	once sync.Once
}

func (c *iterContext) Done() {
	c.once.Do(func() {
		if c.expensive {
			c.sess.AddUsedRunningTime(time.Since(c.start))
			c.sess.IncrementFinishedIters()
			c.lane.numExpensiveIterRunning.Add(-1)
			metrics.LaneExpensiveRunning.WithLabelValues(c.lane.id).Set(0)
		}
		tag := resources.ResourceTag{Type: resources.Memory, Device: c.device}
		observedPeak := c.sess.ResourceUsage(tag).Load()
		c.sess.EndIteration(c.graphID, observedPeak, c.persist)
	})
}

var _ task.IterationContext = (*iterContext)(nil)
