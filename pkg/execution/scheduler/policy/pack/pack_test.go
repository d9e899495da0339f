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

package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/execution/scheduler"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

type fakeExecutor struct {
	mon *resources.Monitor
}

func newFakeExecutor() *fakeExecutor {
	mon := resources.NewMonitor()
	mon.InitializeLimits()
	return &fakeExecutor{mon: mon}
}

func (f *fakeExecutor) Monitor() *resources.Monitor { return f.mon }
func (f *fakeExecutor) Pool() scheduler.Submitter   { return f }
func (f *fakeExecutor) UseGPU() bool                { return true }
func (f *fakeExecutor) WorkConservative() bool      { return true }
func (f *fakeExecutor) MaxHolWaiting() uint64       { return 50 }
func (f *fakeExecutor) UseFairnessCounter() bool    { return true }

func (f *fakeExecutor) MakeResourceContext(sess *session.Item, graphID uint64, spec resources.DeviceSpec, req resources.Resources) (*context.ResourceContext, bool, resources.Resources) {
	missing := make(resources.Resources)
	ticket, ok := f.mon.PreAllocate(req, missing)
	if !ok {
		return nil, false, missing
	}
	rctx := context.New(f.mon, graphID, spec, ticket)
	if sess != nil {
		rctx.AddListener(sess)
	}
	return rctx, true, nil
}

func (f *fakeExecutor) RunTask(item *session.OperationItem, rctx *context.ResourceContext) bool {
	return true
}

type noopOp struct{}

func (noopOp) EstimatedUsage(resources.DeviceSpec) resources.Resources { return nil }
func (noopOp) HasExactEstimation(resources.DeviceSpec) bool            { return false }
func (noopOp) SupportedDeviceTypes() []resources.DeviceType {
	return []resources.DeviceType{resources.DeviceGPU}
}
func (noopOp) Prepare(*context.ResourceContext) bool { return true }
func (noopOp) Run(task.Callbacks)                    {}
func (noopOp) Cancel()                               {}
func (noopOp) IsAsync() bool                          { return false }

func TestPackKeepsArrivalOrder(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec)

	s1 := session.New()
	s2 := session.New()
	s3 := session.New()

	candidates := sched.NotifyPreSchedulingIteration([]*session.Item{s1, s2, s3}, scheduler.ChangeSet{})
	require.Len(t, candidates, 3)
	assert.Same(t, s1, candidates[0])
	assert.Same(t, s2, candidates[1])
	assert.Same(t, s3, candidates[2])
}

func TestPackAlwaysContinues(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec)

	sess := session.New() // empty queue, nothing to schedule
	n, cont := sched.MaybeScheduleFrom(sess)
	assert.Equal(t, 0, n)
	assert.True(t, cont, "pack must always continue to the next session")
}

func TestPackSchedulesQueuedTasks(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec)

	sess := session.New()
	sess.Enqueue(&session.OperationItem{Sess: sess.WeakRef(), Task: noopOp{}})
	sess.SpliceQueueIntoBgQueue()

	n, cont := sched.MaybeScheduleFrom(sess)
	assert.Equal(t, 1, n)
	assert.True(t, cont)
}

func TestMixRegistersSameConstructorAsPack(t *testing.T) {
	exec := newFakeExecutor()
	mixPolicy, ok := scheduler.Instance().Create("mix", exec)
	require.True(t, ok)
	assert.Equal(t, "pack", mixPolicy.Name())
}
