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

package taskexecutor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/apis/config"
	execctx "github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func gpu0() resources.DeviceSpec { return resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0} }
func cpu0() resources.DeviceSpec { return resources.DeviceSpec{Type: resources.DeviceCPU, ID: 0} }

func memTag(dev resources.DeviceSpec) resources.ResourceTag {
	return resources.ResourceTag{Type: resources.Memory, Device: dev}
}

// syncPool runs every submitted closure inline, immediately, on the
// calling goroutine, so tests don't need to coordinate with a real
// worker pool.
type syncPool struct {
	fail bool
}

func (p *syncPool) TryRun(c func(), fromWorker int) (func(), bool) {
	if p.fail {
		return c, false
	}
	c()
	return nil, true
}

func newTestExecutor(t *testing.T, pool poolLike) (*Executor, *resources.Monitor) {
	t.Helper()
	mon := resources.NewMonitor()
	mon.InitializeLimits()
	args := config.SchedulingArgs{}
	config.SetDefaults_SchedulingArgs(&args)
	return NewExecutor(args, mon, pool), mon
}

type fakeTask struct {
	runFn func(task.Callbacks)
	exact bool
}

func (f *fakeTask) EstimatedUsage(resources.DeviceSpec) resources.Resources { return nil }
func (f *fakeTask) HasExactEstimation(resources.DeviceSpec) bool            { return f.exact }
func (f *fakeTask) SupportedDeviceTypes() []resources.DeviceType {
	return []resources.DeviceType{resources.DeviceGPU}
}
func (f *fakeTask) Prepare(*execctx.ResourceContext) bool { return true }
func (f *fakeTask) Run(cb task.Callbacks)                 { f.runFn(cb) }
func (f *fakeTask) Cancel()                               {}
func (f *fakeTask) IsAsync() bool                          { return false }

func makeRctx(t *testing.T, mon *resources.Monitor, sess *session.Item, amount uint64) *execctx.ResourceContext {
	t.Helper()
	missing := make(resources.Resources)
	ticket, ok := mon.PreAllocate(resources.Resources{memTag(gpu0()): amount}, missing)
	require.True(t, ok)
	rctx := execctx.New(mon, 1, gpu0(), ticket)
	if sess != nil {
		rctx.AddListener(sess)
	}
	return rctx
}

func TestRunTaskInvokesOnDoneAndReleasesStaging(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	rctx := makeRctx(t, mon, sess, 100)

	ft := &fakeTask{}
	ft.runFn = func(cb task.Callbacks) { cb.Done() }
	item := &session.OperationItem{Sess: sess.WeakRef(), Task: ft, GraphID: 1}

	ok := e.RunTask(item, rctx)
	assert.True(t, ok)
	assert.EqualValues(t, 0, e.inFlight.Load())

	// Staging has already been released; the same capacity can be
	// preallocated again.
	missing := make(resources.Resources)
	_, ok2 := mon.PreAllocate(resources.Resources{memTag(gpu0()): 14 << 30}, missing)
	assert.True(t, ok2)
}

func TestRunTaskReturnsFalseAndUndoesInFlightWhenPoolFull(t *testing.T) {
	pool := &syncPool{fail: true}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	rctx := makeRctx(t, mon, sess, 100)

	ft := &fakeTask{runFn: func(task.Callbacks) {}}
	item := &session.OperationItem{Sess: sess.WeakRef(), Task: ft, GraphID: 1}

	ok := e.RunTask(item, rctx)
	assert.False(t, ok)
	assert.EqualValues(t, 0, e.inFlight.Load())
}

func TestOnMemFailureRequeuesWhenNotExactOrProtected(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	require.True(t, sess.ProtectOOM())
	rctx := makeRctx(t, mon, sess, 100)

	ft := &fakeTask{exact: false}
	item := &session.OperationItem{Sess: sess.WeakRef(), Task: ft, GraphID: 1}

	consumed := e.onMemFailure(item, rctx)
	assert.True(t, consumed, "inexact estimation must be absorbed and requeued, not surfaced")
	// The requeued item lands on the session's producer queue; the next
	// scheduling iteration's splice moves it into bgQueue.
	sess.SpliceQueueIntoBgQueue()
	require.Equal(t, 1, sess.BgQueue.Len())
	assert.Equal(t, item, sess.BgQueue.Front().Value)
}

func TestOnMemFailureSurfacesWhenExactAndUnprotected(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	sess.SetProtectOOM(false)
	rctx := makeRctx(t, mon, sess, 100)

	ft := &fakeTask{exact: true}
	item := &session.OperationItem{Sess: sess.WeakRef(), Task: ft, GraphID: 1}

	consumed := e.onMemFailure(item, rctx)
	assert.False(t, consumed)
	assert.Equal(t, 0, sess.BgQueue.Len())
}

func TestOnMemFailureReleasesStagingEvenWhenSessionGone(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	rctx := makeRctx(t, mon, sess, 100)
	sess.RunCleanup() // invalidates the weak reference

	ft := &fakeTask{exact: true}
	item := &session.OperationItem{Sess: sess.WeakRef(), Task: ft, GraphID: 1}

	consumed := e.onMemFailure(item, rctx)
	assert.True(t, consumed, "a gone session always absorbs the failure locally")

	missing := make(resources.Resources)
	_, ok := mon.PreAllocate(resources.Resources{memTag(gpu0()): 14 << 30}, missing)
	assert.True(t, ok)
}

func TestSortDescendingOrdersByUsage(t *testing.T) {
	entries := []sessionUsage{
		{used: 10},
		{used: 100},
		{used: 50},
	}
	sortDescending(entries)
	assert.EqualValues(t, 100, entries[0].used)
	assert.EqualValues(t, 50, entries[1].used)
	assert.EqualValues(t, 10, entries[2].used)
}

func TestDoPagingForcesEvictionWithFewerThanTwoSessions(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)
	sess := session.New()
	sess.NotifyAlloc(1, resources.Ticket(1), memTag(gpu0()), 100)
	e.sessions = []*session.Item{sess}

	ok := e.doPaging(gpu0(), cpu0())
	assert.True(t, ok)
	assert.True(t, sess.ForceEvicted)
	assert.False(t, sess.ProtectOOM())
	_ = mon
}

func TestDoPagingVolunteersFromDonorBeforeForcingEviction(t *testing.T) {
	pool := &syncPool{}
	e, mon := newTestExecutor(t, pool)

	top := session.New()
	top.NotifyAlloc(1, resources.Ticket(1), memTag(gpu0()), 1000)

	donor := session.New()
	donorTicket := resources.Ticket(2)
	donor.NotifyAlloc(1, donorTicket, memTag(gpu0()), 500)
	volunteered := false
	donor.InstallCallbacks(session.PagingCallbacks{
		Volunteer: func(v resources.Ticket, target *execctx.ResourceContext) uint64 {
			volunteered = true
			target.ReleaseStaging()
			return 500
		},
	})

	e.sessions = []*session.Item{top, donor}

	ok := e.doPaging(gpu0(), cpu0())
	assert.True(t, ok)
	assert.True(t, volunteered)
	assert.False(t, top.ForceEvicted, "the top consumer is spared when a donor volunteers")
	_ = mon
}

func TestStartAndStopExecutionExitsWithNoSessions(t *testing.T) {
	e, _ := newTestExecutor(t, &syncPool{})
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

func TestInsertAndDeleteSessionAreReflectedInSnapshot(t *testing.T) {
	e, _ := newTestExecutor(t, &syncPool{})
	e.StartExecution()
	defer e.StopExecution()

	sess := session.New()
	e.InsertSession(sess)

	require.Eventually(t, func() bool {
		for _, s := range e.Sessions() {
			if s == sess {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	e.DeleteSession(sess)
	require.Eventually(t, func() bool {
		for _, s := range e.Sessions() {
			if s == sess {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

var _ poolLike = (*syncPool)(nil)
