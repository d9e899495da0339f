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

// Package context implements ResourceContext and its OperationScope, the
// per-task allocation handle through which a prepared task reserves and
// later commits or rolls back device resources.
package context

import (
	"go.uber.org/atomic"

	"github.com/aetf/gpu-execsched/pkg/resources"
)

// AllocationListener observes allocate/free notifications for a ticket.
// SessionItem implements this to keep its resource-usage counters current.
type AllocationListener interface {
	NotifyAlloc(graphID uint64, ticket resources.Ticket, tag resources.ResourceTag, amount uint64)
	NotifyDealloc(graphID uint64, ticket resources.Ticket, tag resources.ResourceTag, amount uint64, last bool)
}

// ResourceContext is an owned handle representing one task's reservation.
// It is created holding staging for a preallocated request and is
// released exactly once, either explicitly via ReleaseStaging or by the
// owning TaskExecutor at task completion.
type ResourceContext struct {
	mon     *resources.Monitor
	graphID uint64
	spec    resources.DeviceSpec
	ticket  resources.Ticket

	hasStaging atomic.Bool

	listeners []AllocationListener
}

// New constructs a ResourceContext for an already-admitted ticket. Callers
// obtain the ticket via Monitor.PreAllocate (typically through
// taskexecutor.MakeResourceContext, which also wires the session as a
// listener).
func New(mon *resources.Monitor, graphID uint64, spec resources.DeviceSpec, ticket resources.Ticket) *ResourceContext {
	rc := &ResourceContext{mon: mon, graphID: graphID, spec: spec, ticket: ticket}
	rc.hasStaging.Store(true)
	return rc
}

// Spec returns the device this context is scoped to.
func (c *ResourceContext) Spec() resources.DeviceSpec { return c.spec }

// Ticket returns the ticket backing this context's reservation.
func (c *ResourceContext) Ticket() resources.Ticket { return c.ticket }

// GraphID returns the owning iteration's graph id.
func (c *ResourceContext) GraphID() uint64 { return c.graphID }

// AddListener registers l to receive allocate/free notifications for
// scopes created from this context. Not thread-safe; call before sharing
// the context across goroutines.
func (c *ResourceContext) AddListener(l AllocationListener) {
	c.listeners = append(c.listeners, l)
}

// ReleaseStaging returns any remaining staged amount for this context's
// ticket to the monitor. Idempotent.
func (c *ResourceContext) ReleaseStaging() {
	if !c.hasStaging.CompareAndSwap(true, false) {
		return
	}
	c.mon.FreeStaging(c.ticket)
}

// OperationScope is a per-call allocation sub-transaction acquired via
// Alloc. On Close, if not rolled back, it commits by notifying every
// listener attached to the owning context. On Rollback, the amount is
// returned to the monitor immediately and Close becomes a no-op.
// Callers must defer Close immediately after Alloc/AllocN.
type OperationScope struct {
	ctx       *ResourceContext
	proxy     *resources.LockedProxy
	res       resources.Resources
	valid     bool
	committed bool
	rolled    bool
}

// Valid reports whether the scope represents a successful allocation.
func (s *OperationScope) Valid() bool { return s.valid }

// Resources returns the amount this scope holds.
func (s *OperationScope) Resources() resources.Resources { return s.res }

// Rollback returns the held amount to the monitor immediately and
// suppresses the commit that Close would otherwise perform.
func (s *OperationScope) Rollback() {
	if s.rolled || !s.valid {
		return
	}
	s.rolled = true
	// Release the composite transaction's hold on the monitor mutex first:
	// Free acquires that mutex itself.
	if s.proxy != nil {
		s.proxy.Close()
		s.proxy = nil
	}
	for tag, amt := range s.res {
		s.ctx.mon.Free(s.ctx.ticket, resources.Resources{tag: amt})
	}
}

// Close commits the scope (notifying listeners) unless Rollback was
// already called. Safe to call multiple times; callers should defer it
// immediately after a successful Alloc.
func (s *OperationScope) Close() {
	if s.proxy != nil {
		s.proxy.Close()
		s.proxy = nil
	}
	if s.committed || s.rolled || !s.valid {
		return
	}
	s.committed = true
	for tag, amt := range s.res {
		for _, l := range s.ctx.listeners {
			l.NotifyAlloc(s.ctx.graphID, s.ctx.ticket, tag, amt)
		}
	}
}

// Alloc consumes all remaining staged amount of the given type from
// staging within a composite transaction acquired via mon.Lock, returning
// an OperationScope.
func (c *ResourceContext) Alloc(typ resources.ResourceType) *OperationScope {
	return c.allocInternal(typ, nil)
}

// AllocN requests num of the given resource type, either from staging or
// (if insufficient) fresh from the monitor's limits.
func (c *ResourceContext) AllocN(typ resources.ResourceType, num uint64) *OperationScope {
	return c.allocInternal(typ, &num)
}

func (c *ResourceContext) allocInternal(typ resources.ResourceType, num *uint64) *OperationScope {
	tag := resources.ResourceTag{Type: typ, Device: c.spec}
	proxy := c.mon.Lock()

	amount := uint64(0)
	if num == nil {
		amount = proxy.PeekStaging(c.ticket, tag)
	} else {
		amount = *num
	}
	if amount == 0 {
		return &OperationScope{ctx: c, proxy: proxy, valid: false}
	}

	ok := proxy.Allocate(c.ticket, resources.Resources{tag: amount})
	if !ok {
		return &OperationScope{ctx: c, proxy: proxy, valid: false}
	}
	return &OperationScope{
		ctx:   c,
		proxy: proxy,
		res:   resources.Resources{tag: amount},
		valid: true,
	}
}

// Dealloc frees num of typ into the monitor and notifies listeners with
// NotifyDealloc, reflecting the monitor's "using now empty" signal as
// last.
func (c *ResourceContext) Dealloc(typ resources.ResourceType, num uint64) {
	tag := resources.ResourceTag{Type: typ, Device: c.spec}
	last := c.mon.Free(c.ticket, resources.Resources{tag: num})
	for _, l := range c.listeners {
		l.NotifyDealloc(c.graphID, c.ticket, tag, num, last)
	}
}
