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

// Package scheduler defines BaseScheduler, the task-level policy strategy
// interface, its registry, and the shared helpers policies use to
// preallocate and submit tasks.
package scheduler

import (
	"container/list"
	"reflect"
	"sync"

	"k8s.io/klog/v2"

	"github.com/aetf/gpu-execsched/pkg/errs"
	execctx "github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

// ChangeSet describes session membership changes observed since the
// previous scheduling iteration.
type ChangeSet struct {
	DeletedSessions map[*session.Item]struct{}
	AddedSessions   []*session.Item
}

// Executor is the subset of the task executor a BaseScheduler needs:
// resource preallocation and dispatch. Implemented by
// *taskexecutor.Executor; declared here (rather than imported) to avoid a
// scheduler<->taskexecutor import cycle.
type Executor interface {
	Monitor() *resources.Monitor
	Pool() Submitter
	UseGPU() bool
	WorkConservative() bool
	UseFairnessCounter() bool
	MaxHolWaiting() uint64
	MakeResourceContext(sess *session.Item, graphID uint64, spec resources.DeviceSpec, req resources.Resources) (*execctx.ResourceContext, bool, resources.Resources)
}

// Submitter is the minimal pool surface a policy needs to dispatch a
// prepared task. RunTask returns false if the thread pool's queue was
// full (PoolQueueFull); the caller must then release rctx's staging and
// treat the item as not submitted.
type Submitter interface {
	RunTask(item *session.OperationItem, rctx *execctx.ResourceContext) bool
}

// BaseScheduler is the per-TaskExecutor policy strategy.
type BaseScheduler interface {
	Name() string

	// NotifyPreSchedulingIteration populates candidates with the sessions
	// to consider, in the order they should be tried.
	NotifyPreSchedulingIteration(sessions []*session.Item, changeset ChangeSet) []*session.Item

	// MaybeScheduleFrom submits tasks from item's bgQueue, returning the
	// number scheduled and whether the caller should continue to the
	// next candidate.
	MaybeScheduleFrom(item *session.Item) (scheduled int, continueNext bool)

	// InsufficientMemory aggregates per-task prealloc failures recorded
	// this iteration for spec.
	InsufficientMemory(spec resources.DeviceSpec) bool

	// DebugStringFor returns per-session debug information.
	DebugStringFor(item *session.Item) string

	// DebugString returns policy-wide debug information.
	DebugString() string
}

// Base provides the shared helpers (maybePreAllocateFor, submitTask,
// submitAllTaskFromQueue) that every concrete policy embeds.
type Base struct {
	Exec Executor

	muRes      sync.Mutex
	missingRes map[*session.OperationItem]resources.Resources
}

// NewBase constructs the shared helper state for a policy bound to exec.
func NewBase(exec Executor) *Base {
	return &Base{Exec: exec, missingRes: make(map[*session.OperationItem]resources.Resources)}
}

// InsufficientMemory aggregates whether any op this iteration was missing
// Memory on spec.
func (b *Base) InsufficientMemory(spec resources.DeviceSpec) bool {
	b.muRes.Lock()
	defer b.muRes.Unlock()
	tag := resources.ResourceTag{Type: resources.Memory, Device: spec}
	for _, missing := range b.missingRes {
		if missing[tag] > 0 {
			return true
		}
	}
	return false
}

// ClearMissing drops the per-iteration missing-resource bookkeeping; call
// once at the top of each scheduling iteration.
func (b *Base) ClearMissing() {
	b.muRes.Lock()
	defer b.muRes.Unlock()
	b.missingRes = make(map[*session.OperationItem]resources.Resources)
}

func (b *Base) recordMissing(item *session.OperationItem, missing resources.Resources) {
	b.muRes.Lock()
	defer b.muRes.Unlock()
	b.missingRes[item] = missing
}

// MaybePreAllocateFor estimates usage for item on spec (adding one GPU
// stream slot for GPU devices), builds a ResourceContext, and on success
// calls item.Task.Prepare. On failure it records the deficit for
// InsufficientMemory. Returns the prepared context on success; the caller
// owns releasing it (via SubmitTask's dispatch or requeue path).
func (b *Base) MaybePreAllocateFor(item *session.OperationItem, spec resources.DeviceSpec) (*execctx.ResourceContext, bool) {
	req := item.Task.EstimatedUsage(spec)
	if spec.Type == resources.DeviceGPU {
		tag := resources.ResourceTag{Type: resources.GPUStream, Device: spec}
		req = req.Clone()
		req[tag]++
	}

	sess, alive := item.Sess.Lock()
	if !alive {
		klog.V(5).InfoS("dropping task item", "reason", errs.ErrSessionGone)
		return nil, false
	}

	rctx, ok, missing := b.Exec.MakeResourceContext(sess, item.GraphID, spec, req)
	if !ok {
		b.recordMissing(item, missing)
		return nil, false
	}

	if !item.Task.Prepare(rctx) {
		rctx.ReleaseStaging()
		return nil, false
	}
	return rctx, true
}

// SubmitTask attempts preallocation for each device type item supports
// (skipping GPU when UseGPU is false); on first success it dispatches via
// the pool. Returns the item back to the caller if every device type
// failed, so it can be put back on the queue.
func (b *Base) SubmitTask(item *session.OperationItem) (*session.OperationItem, bool) {
	for _, dt := range item.Task.SupportedDeviceTypes() {
		if dt == resources.DeviceGPU && !b.Exec.UseGPU() {
			continue
		}
		spec := resources.DeviceSpec{Type: dt, ID: 0}
		if rctx, ok := b.MaybePreAllocateFor(item, spec); ok {
			if b.Exec.Pool().RunTask(item, rctx) {
				return nil, true
			}
			klog.V(4).InfoS("task not dispatched", "device", spec, "reason", errs.ErrPoolQueueFull)
			rctx.ReleaseStaging()
			return item, false
		}
	}
	return item, false
}

// SubmitAllTaskFromQueue implements head-of-line handling over sess's
// bgQueue: if holWaiting exceeds the configured threshold, only the queue
// head is tried; otherwise every item is tried and failures are pushed
// back in original order.
func (b *Base) SubmitAllTaskFromQueue(sess *session.Item) int {
	q := sess.BgQueue
	if q.Len() == 0 {
		sess.RecordHOL(0, false, false)
		return 0
	}

	headOnly := sess.HOLWaiting() > b.Exec.MaxHolWaiting()

	var toTry []*list.Element
	if headOnly {
		toTry = []*list.Element{q.Front()}
	} else {
		for e := q.Front(); e != nil; e = e.Next() {
			toTry = append(toTry, e)
		}
	}

	scheduled := 0
	submittedPastHead := false

	var succeeded []*list.Element
	for i, e := range toTry {
		item := e.Value.(*session.OperationItem)
		if _, ok := b.SubmitTask(item); ok {
			scheduled++
			succeeded = append(succeeded, e)
			if i > 0 {
				submittedPastHead = true
			}
		}
		// items that fail to submit are left in place in q, which already
		// preserves their original relative order.
	}

	for _, e := range succeeded {
		q.Remove(e)
	}

	// Re-read the head after removals: submitting the head itself counts
	// as a head change and resets the waiting counter.
	if front := q.Front(); front != nil {
		sess.RecordHOL(hashOperationItem(front.Value.(*session.OperationItem)), true, submittedPastHead)
	} else {
		sess.RecordHOL(0, false, false)
	}
	return scheduled
}

func hashOperationItem(item *session.OperationItem) uint64 {
	return uint64(reflect.ValueOf(item).Pointer())
}

// Registry is a name -> constructor registry for BaseScheduler
// implementations.
type Registry struct {
	mu    sync.Mutex
	items map[string]func(Executor) BaseScheduler
}

var global = &Registry{items: make(map[string]func(Executor) BaseScheduler)}

// Instance returns the process-wide registry policies register into from
// their init functions.
func Instance() *Registry { return global }

// Register adds name to the registry, overwriting any prior entry, and is
// normally called from a policy package's init().
func (r *Registry) Register(name string, factory func(Executor) BaseScheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = factory
}

// Create instantiates the named policy bound to exec.
func (r *Registry) Create(name string, exec Executor) (BaseScheduler, bool) {
	r.mu.Lock()
	factory, ok := r.items[name]
	r.mu.Unlock()
	if !ok {
		klog.ErrorS(nil, "unknown scheduler policy", "name", name)
		return nil, false
	}
	return factory(exec), true
}
