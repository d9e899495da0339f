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

// Package task defines the external task and iteration contracts the
// scheduler dispatches against. The deep-learning framework's graph
// partitioning and kernel implementations live behind these interfaces;
// this package only names the surface the scheduler depends on.
package task

import (
	"github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

// Callbacks is handed to OperationTask.Run; the task must call exactly one
// of Done or MemFailure exactly once.
type Callbacks struct {
	Done       func()
	MemFailure func() (consumed bool)
}

// OperationTask is one kernel-level unit of work within an iteration.
type OperationTask interface {
	// EstimatedUsage returns the resource footprint this task expects to
	// need on device.
	EstimatedUsage(device resources.DeviceSpec) resources.Resources
	// HasExactEstimation reports whether EstimatedUsage is a hard
	// requirement (as opposed to a soft hint); exact estimations gate
	// the protectOOM bypass in TaskExecutor.
	HasExactEstimation(device resources.DeviceSpec) bool
	// SupportedDeviceTypes lists device types this task may run on, in
	// preference order.
	SupportedDeviceTypes() []resources.DeviceType
	// Prepare receives ownership of a ResourceContext sized for one
	// device choice; returns false to reject preparation.
	Prepare(rctx *context.ResourceContext) bool
	// Run executes the task, eventually invoking exactly one of cb.Done
	// or cb.MemFailure.
	Run(cb Callbacks)
	// Cancel requests cooperative cancellation.
	Cancel()
	// IsAsync reports whether Run returns before completion is signalled.
	IsAsync() bool
}

// IterationTask is one self-contained computational sub-graph submitted by
// a session.
type IterationTask interface {
	// GraphID identifies the sub-graph this iteration belongs to, used to
	// key the per-graph IterAllocTracker.
	GraphID() uint64
	// EstimatedPeakAllocation returns the predicted allocation profile on
	// device.
	EstimatedPeakAllocation(device resources.DeviceSpec) resources.ResStats
	// IsExpensive marks iterations that must be serialized against other
	// expensive iterations sharing a lane.
	IsExpensive() bool
	// Prepare performs iteration admission (memory admission via the
	// session); returns false to reject.
	Prepare() bool
	// RunAsync dispatches operation tasks into the owning session's
	// queue, using ctx to report completion.
	RunAsync(ctx IterationContext)
	// IsCanceled reports whether Cancel has been called.
	IsCanceled() bool
	// Cancel requests cooperative cancellation.
	Cancel()
}

// IterationContext is the façade handed to IterationTask.RunAsync,
// allowing the task to signal completion back to the ExecutionEngine.
type IterationContext interface {
	// Done reports iteration completion, with the wall-clock duration
	// spent running, used for usedRunningTime/numFinishedIters
	// bookkeeping.
	Done()
}
