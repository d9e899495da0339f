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

// Package session implements the per-session scheduling state and the
// weak-reference item wrappers queued against it.
package session

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/execution/alloctracker"
	execctx "github.com/aetf/gpu-execsched/pkg/execution/context"
	"github.com/aetf/gpu-execsched/pkg/metrics"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

// PagingCallbacks are installed on a session before it becomes observable
// to the scheduling loop; Volunteer implements actual tensor eviction,
// taking ownership of the target-device context it is handed.
type PagingCallbacks struct {
	Volunteer func(ticket resources.Ticket, target *execctx.ResourceContext) (bytesReleased uint64)
}

// OperationItem pairs an OperationTask with a weak reference to its owning
// session. If the session is gone when the item is dequeued, it is
// silently dropped (errs.ErrSessionGone).
type OperationItem struct {
	Sess    *WeakRef
	Task    task.OperationTask
	GraphID uint64
}

// IterationItem pairs an IterationTask with a weak reference to its owning
// ExecutionContext's session. Same drop rule as OperationItem.
type IterationItem struct {
	Sess *WeakRef
	Task task.IterationTask
	// LaneID names the lane this iteration was routed to at enqueue time,
	// cached from the owning ExecutionContext rather than looked up
	// dynamically on every engine pass.
	LaneID string
	// RegTicket is the owning ExecutionContext's admission-regulator
	// ticket, cached at enqueue time for IterAllocTracker admission.
	RegTicket *resources.RegulatorTicket
}

// Item is the per-session state: queues, usage counters, ticket set,
// callbacks, and scheduling accounting.
type Item struct {
	SessHandle string

	// mu guards queue, callbacks and trackers; may be accessed from both
	// the scheduling thread and a session-close thread.
	mu           sync.Mutex
	queue        *list.List // producer-side *OperationItem queue
	pagingCb     PagingCallbacks
	interruptCb  func()
	cleanupCb    func()
	allocTracker *gocache.Cache // graphID -> *alloctracker.Tracker

	lastScheduled int
	holWaiting    uint64
	queueHeadHash uint64

	ticketsMu sync.Mutex
	tickets   map[resources.Ticket]struct{}

	// protectOOM is accessed by multiple scheduling threads.
	protectOOM atomic.Bool

	// bgQueue is scheduler-owned: single-threaded access by convention,
	// not by lock (per the concurrency model).
	BgQueue *list.List

	ForceEvicted bool

	// Policy accounting. Iteration completion is reported from whatever
	// goroutine the IterationTask's own completion mechanism runs on
	// (not necessarily the ExecutionEngine's scheduling goroutine), so
	// these are atomics rather than plain fields guarded by the loop's
	// single-threaded convention.
	numFinishedIters   atomic.Uint64
	usedRunningTimeNs  atomic.Int64
	totalRunningTimeNs atomic.Int64

	resUsageMu sync.Mutex
	resUsage   map[resources.ResourceTag]*atomic.Uint64

	self *WeakRef
}

// New constructs a session with a fresh UUID handle and zeroed counters for
// GPU:0 and CPU:0 memory.
func New() *Item {
	s := &Item{
		SessHandle:   uuid.NewString(),
		queue:        list.New(),
		BgQueue:      list.New(),
		tickets:      make(map[resources.Ticket]struct{}),
		allocTracker: gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		resUsage:     make(map[resources.ResourceTag]*atomic.Uint64),
	}
	s.protectOOM.Store(true)
	s.self = newWeakRef(s)
	gpu0 := resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0}
	cpu0 := resources.DeviceSpec{Type: resources.DeviceCPU, ID: 0}
	s.resUsage[resources.ResourceTag{Type: resources.Memory, Device: gpu0}] = atomic.NewUint64(0)
	s.resUsage[resources.ResourceTag{Type: resources.Memory, Device: cpu0}] = atomic.NewUint64(0)
	return s
}

// WeakRef returns a weak reference to this session, for OperationItem and
// IterationItem construction.
func (s *Item) WeakRef() *WeakRef { return s.self }

// InstallCallbacks sets the paging callbacks; must be called before the
// session is made observable to the scheduler.
func (s *Item) InstallCallbacks(paging PagingCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pagingCb = paging
}

// InstallInterruptCallback sets the callback dispatched when the session
// is interrupted (forced eviction or engine shutdown); like the paging
// callbacks, it must be installed before the session is observable.
func (s *Item) InstallInterruptCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptCb = cb
}

// PagingCallbacks returns the installed paging callbacks.
func (s *Item) PagingCallbacks() PagingCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagingCb
}

// Enqueue appends an operation item to the producer-side queue.
func (s *Item) Enqueue(item *OperationItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.PushBack(item)
}

// SpliceQueueIntoBgQueue moves every item from the producer queue onto the
// scheduler-owned bgQueue, preserving order. Called once per scheduling
// iteration.
func (s *Item) SpliceQueueIntoBgQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BgQueue.PushBackList(s.queue)
	s.queue.Init()
}

// ResourceUsage returns the atomic counter for tag, creating it on first
// use.
func (s *Item) ResourceUsage(tag resources.ResourceTag) *atomic.Uint64 {
	s.resUsageMu.Lock()
	defer s.resUsageMu.Unlock()
	c, ok := s.resUsage[tag]
	if !ok {
		c = atomic.NewUint64(0)
		s.resUsage[tag] = c
	}
	return c
}

// NotifyAlloc implements context.AllocationListener: it bumps the usage
// counter and feeds the per-graph tracker.
func (s *Item) NotifyAlloc(graphID uint64, ticket resources.Ticket, tag resources.ResourceTag, amount uint64) {
	s.ResourceUsage(tag).Add(amount)
	s.touchTicket(ticket)
	if tr, ok := s.Tracker(graphID); ok {
		tr.Update(s.ResourceUsage(tag).Load())
	}
}

// NotifyDealloc implements context.AllocationListener.
func (s *Item) NotifyDealloc(graphID uint64, ticket resources.Ticket, tag resources.ResourceTag, amount uint64, last bool) {
	c := s.ResourceUsage(tag)
	cur := c.Load()
	if amount > cur {
		amount = cur
	}
	c.Sub(amount)
	if last {
		s.forgetTicket(ticket)
	}
}

func (s *Item) touchTicket(t resources.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	s.tickets[t] = struct{}{}
}

func (s *Item) forgetTicket(t resources.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	delete(s.tickets, t)
}

// Tickets returns a snapshot of the live ticket set, used by paging.
func (s *Item) Tickets() map[resources.Ticket]struct{} {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	out := make(map[resources.Ticket]struct{}, len(s.tickets))
	for t := range s.tickets {
		out[t] = struct{}{}
	}
	return out
}

// Tracker returns the IterAllocTracker for graphID if one has been
// registered via EnsureTracker.
func (s *Item) Tracker(graphID uint64) (*alloctracker.Tracker, bool) {
	v, ok := s.allocTracker.Get(trackerKey(graphID))
	if !ok {
		return nil, false
	}
	return v.(*alloctracker.Tracker), true
}

// EnsureTracker registers tr for graphID if absent, returning the tracker
// that is ultimately current for this graph (the existing one wins a
// race).
func (s *Item) EnsureTracker(graphID uint64, tr *alloctracker.Tracker) *alloctracker.Tracker {
	if existing, ok := s.Tracker(graphID); ok {
		return existing
	}
	s.allocTracker.Set(trackerKey(graphID), tr, gocache.NoExpiration)
	return tr
}

func trackerKey(graphID uint64) string {
	return fmt.Sprintf("graph:%d", graphID)
}

// ProtectOOM reports the current OOM-protection mode: true means a task
// running out of memory is requeued; false (forced eviction) means its
// OOM is reported to the caller.
func (s *Item) ProtectOOM() bool { return s.protectOOM.Load() }

// SetProtectOOM sets the OOM-protection mode.
func (s *Item) SetProtectOOM(v bool) { s.protectOOM.Store(v) }

// Interrupt marks the session force-evicted and releases the interrupt
// callback, invoking it exactly once so the session can cooperatively
// halt. OOM protection is left alone; forced eviction disables it
// separately, before calling Interrupt.
func (s *Item) Interrupt() {
	s.mu.Lock()
	s.ForceEvicted = true
	cb := s.interruptCb
	s.interruptCb = nil
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// PrepareDelete stores a cleanup callback and clears the paging callback.
func (s *Item) PrepareDelete(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCb = cb
	s.pagingCb = PagingCallbacks{}
}

// RunCleanup invokes and clears the cleanup callback, if any. Called by
// TaskExecutor after splicing a session out of the live list.
func (s *Item) RunCleanup() {
	s.mu.Lock()
	cb := s.cleanupCb
	s.cleanupCb = nil
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	s.self.invalidate()
}

// LastScheduled returns how many tasks the most recent scheduling pass
// submitted from this session.
func (s *Item) LastScheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScheduled
}

// SetLastScheduled records the per-pass scheduling count.
func (s *Item) SetLastScheduled(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScheduled = n
}

// HOLWaiting returns the current head-of-line waiting counter.
func (s *Item) HOLWaiting() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holWaiting
}

// RecordHOL updates holWaiting/queueHeadHash following the
// submitAllTaskFromQueue rule: accumulates while the head hash is
// unchanged, resets when the head changes or the queue empties.
func (s *Item) RecordHOL(headHash uint64, headPresent bool, submittedPastHead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !headPresent || headHash != s.queueHeadHash {
		s.holWaiting = 0
		s.queueHeadHash = headHash
	} else if submittedPastHead {
		s.holWaiting++
	}
	metrics.SessionHOLWaiting.WithLabelValues(s.SessHandle).Set(float64(s.holWaiting))
}

// NumFinishedIters returns the count of expensive iterations this session
// has completed.
func (s *Item) NumFinishedIters() uint64 { return s.numFinishedIters.Load() }

// IncrementFinishedIters bumps the finished-iteration counter, called from
// an iteration's completion callback.
func (s *Item) IncrementFinishedIters() { s.numFinishedIters.Add(1) }

// ResetFinishedIters zeroes the counter; called when a session rejoins a
// lane after having been idle.
func (s *Item) ResetFinishedIters() { s.numFinishedIters.Store(0) }

// UsedRunningTime returns the accumulated wall-clock time this session's
// expensive iterations have actually run.
func (s *Item) UsedRunningTime() time.Duration {
	return time.Duration(s.usedRunningTimeNs.Load())
}

// AddUsedRunningTime adds d to the accumulated running time.
func (s *Item) AddUsedRunningTime(d time.Duration) {
	s.usedRunningTimeNs.Add(int64(d))
}

// TotalRunningTime returns the session's allotted running-time budget, set
// externally by whatever admission/quota mechanism governs it; the
// scheduler only reads it (preempt comparator). Zero if never set.
func (s *Item) TotalRunningTime() time.Duration {
	return time.Duration(s.totalRunningTimeNs.Load())
}

// SetTotalRunningTime sets the allotted running-time budget.
func (s *Item) SetTotalRunningTime(d time.Duration) {
	s.totalRunningTimeNs.Store(int64(d))
}

// BeginIteration performs memory admission for one iteration of graphID:
// it ensures a tracker exists for the graph (creating one bound to ticket
// and device on first use) and delegates to IterAllocTracker.BeginIter.
// Returns false if the regulator rejects admission; the caller should
// delay the iteration.
func (s *Item) BeginIteration(graphID uint64, ticket *resources.RegulatorTicket, device resources.DeviceSpec, est resources.ResStats) bool {
	if ticket == nil {
		// No regulator governs this session; admit unconditionally.
		return true
	}
	tr, ok := s.Tracker(graphID)
	if !ok {
		tr = s.EnsureTracker(graphID, alloctracker.New(ticket, device))
	}
	return tr.BeginIter(est)
}

// EndIteration releases any outstanding admission hold for graphID and
// folds the observed peak into the tracker's running estimate. No-op if
// no tracker was ever created for this graph.
func (s *Item) EndIteration(graphID uint64, observedPeak, persist uint64) {
	tr, ok := s.Tracker(graphID)
	if !ok {
		return
	}
	tr.EndIter(observedPeak, persist)
}
