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

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIterTask struct {
	graphID   uint64
	expensive bool
	canceled  bool
	prepareOK bool
	runAsync  func(task.IterationContext)
}

func (f *fakeIterTask) GraphID() uint64 { return f.graphID }
func (f *fakeIterTask) EstimatedPeakAllocation(resources.DeviceSpec) resources.ResStats {
	return resources.ResStats{Temporary: 10, Persist: 5, Count: 1}
}
func (f *fakeIterTask) IsExpensive() bool { return f.expensive }
func (f *fakeIterTask) Prepare() bool     { return f.prepareOK }
func (f *fakeIterTask) RunAsync(ctx task.IterationContext) {
	if f.runAsync != nil {
		f.runAsync(ctx)
	}
}
func (f *fakeIterTask) IsCanceled() bool { return f.canceled }
func (f *fakeIterTask) Cancel()          { f.canceled = true }

var _ task.IterationTask = (*fakeIterTask)(nil)

func newTestEngine(disableAdmission bool) *Engine {
	args := config.SchedulingArgs{WorkConservative: true, DisableAdmissionControl: disableAdmission}
	return New(args)
}

func TestScheduleOnQueueRunsInexpensiveIterationsIndependently(t *testing.T) {
	e := newTestEngine(true)
	lane := newLaneQueue("l0", time.Now())

	s1 := session.New()
	s2 := session.New()
	done1, done2 := false, false
	item1 := &session.IterationItem{Sess: s1.WeakRef(), Task: &fakeIterTask{prepareOK: true, runAsync: func(ctx task.IterationContext) { done1 = true; ctx.Done() }}}
	item2 := &session.IterationItem{Sess: s2.WeakRef(), Task: &fakeIterTask{prepareOK: true, runAsync: func(ctx task.IterationContext) { done2 = true; ctx.Done() }}}

	lane.route(item1, time.Now())
	lane.route(item2, time.Now())

	n := e.scheduleOnQueue(lane)
	assert.Equal(t, 2, n)
	assert.True(t, done1)
	assert.True(t, done2)
	assert.Equal(t, 0, lane.pendingCount())
}

func TestScheduleOnQueueGatesExpensiveIterationsToOneSlot(t *testing.T) {
	e := newTestEngine(true)
	lane := newLaneQueue("l0", time.Now())

	s1 := session.New()
	s2 := session.New()
	item1 := &session.IterationItem{Sess: s1.WeakRef(), Task: &fakeIterTask{expensive: true, prepareOK: true}}
	item2 := &session.IterationItem{Sess: s2.WeakRef(), Task: &fakeIterTask{expensive: true, prepareOK: true}}

	lane.route(item1, time.Now())
	lane.route(item2, time.Now())

	n := e.scheduleOnQueue(lane)
	// Neither fake task calls ctx.Done(), so the first to acquire the
	// lane's single expensive slot keeps holding it.
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lane.pendingCount())
	assert.EqualValues(t, 1, lane.numExpensiveIterRunning.Load())
}

func TestScheduleOnQueueSkipsCanceledIterations(t *testing.T) {
	e := newTestEngine(true)
	lane := newLaneQueue("l0", time.Now())

	sess := session.New()
	item := &session.IterationItem{Sess: sess.WeakRef(), Task: &fakeIterTask{canceled: true, prepareOK: true}}
	lane.route(item, time.Now())

	n := e.scheduleOnQueue(lane)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, lane.pendingCount())
}

func TestTryRunIterationReturnsFalseWhenPrepareRejects(t *testing.T) {
	e := newTestEngine(true)
	lane := newLaneQueue("l0", time.Now())
	sess := session.New()
	ft := &fakeIterTask{prepareOK: false}

	ok := e.tryRunIteration(lane, sess, &session.IterationItem{Sess: sess.WeakRef(), Task: ft}, false)
	assert.False(t, ok)
}

func TestTryRunIterationRejectedByAdmissionControl(t *testing.T) {
	e := newTestEngine(false)
	lane := newLaneQueue("l0", time.Now())
	sess := session.New()

	reg := resources.NewRegulator(resources.Resources{
		{Type: resources.Memory, Device: resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0}}: 5,
	})
	ft := &fakeIterTask{prepareOK: true}
	item := &session.IterationItem{Sess: sess.WeakRef(), Task: ft, RegTicket: reg.NewTicket()}

	// Estimated temporary usage (10) exceeds the regulator's limit (5).
	ok := e.tryRunIteration(lane, sess, item, false)
	assert.False(t, ok)
}

func TestStartAndStopExecutionExitsWithNoIncoming(t *testing.T) {
	e := newTestEngine(true)
	e.StartExecution()

	done := make(chan struct{})
	go func() {
		e.StopExecution()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopExecution did not return in time")
	}
}

func TestScheduleIterationRoutesIntoLane(t *testing.T) {
	e := newTestEngine(true)
	e.StartExecution()
	defer e.StopExecution()

	sess := session.New()
	done := make(chan struct{})
	item := &session.IterationItem{
		Sess:   sess.WeakRef(),
		LaneID: "lane-a",
		Task: &fakeIterTask{
			prepareOK: true,
			runAsync:  func(ctx task.IterationContext) { ctx.Done(); close(done) },
		},
	}
	e.ScheduleIteration(item)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration was never dispatched")
	}
}

func TestLanesReportsPendingAndExpensiveState(t *testing.T) {
	e := newTestEngine(true)
	lane := e.laneFor("lane-a", time.Now())
	sess := session.New()
	lane.route(&session.IterationItem{Sess: sess.WeakRef()}, time.Now())

	summaries := e.Lanes()
	require.Len(t, summaries, 1)
	assert.Equal(t, "lane-a", summaries[0].ID)
	assert.Equal(t, 1, summaries[0].Pending)
	assert.False(t, summaries[0].ExpensiveRunning)
}
