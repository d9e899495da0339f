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

package resources

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/aetf/gpu-execsched/pkg/metrics"
)

const (
	defaultGPUMemoryBytes = 14 << 30
	defaultCPUMemoryBytes = 100 << 30
	defaultGPUStreams     = 128
)

// Monitor is the process-wide bookkeeper of per-device capacities. It
// tracks limits (remaining capacity), staging (reserved but not yet
// charged per ticket) and using (charged per ticket), all keyed by
// ResourceTag. A single mutex guards all three maps; LockedProxy exposes
// PreAllocate, Allocate and PeekStaging without re-locking so composite
// transactions (used by OperationScope and by paging) can be built on top.
type Monitor struct {
	mu sync.Mutex

	limits  Resources
	staging map[Ticket]Resources
	using   map[Ticket]Resources

	nextTicket atomic.Uint64
}

// NewMonitor constructs a monitor with zeroed limits; call InitializeLimits
// to populate device capacities.
func NewMonitor() *Monitor {
	m := &Monitor{
		limits:  make(Resources),
		staging: make(map[Ticket]Resources),
		using:   make(map[Ticket]Resources),
	}
	m.nextTicket.Store(1)
	return m
}

// InitializeLimits sets the built-in per-device defaults: 14 GiB memory and
// 128 stream slots on GPU:0, 100 GiB memory on CPU:0.
func (m *Monitor) InitializeLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	cpu0 := DeviceSpec{Type: DeviceCPU, ID: 0}
	m.limits[ResourceTag{Type: Memory, Device: gpu0}] = defaultGPUMemoryBytes
	m.limits[ResourceTag{Type: GPUStream, Device: gpu0}] = defaultGPUStreams
	m.limits[ResourceTag{Type: Memory, Device: cpu0}] = defaultCPUMemoryBytes
}

// InitializeLimitsWithCap sets defaults then caps every tag at the
// corresponding value in cap, if present and smaller.
func (m *Monitor) InitializeLimitsWithCap(cap Resources) {
	m.InitializeLimits()
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag, v := range cap {
		if cur, ok := m.limits[tag]; !ok || v < cur {
			m.limits[tag] = v
		}
	}
}

// LockedProxy exposes Monitor's operations while holding the monitor's
// mutex once, for composing several operations atomically. Obtained via
// Monitor.Lock, released via Close.
type LockedProxy struct {
	m      *Monitor
	closed bool
}

// Lock acquires the monitor-wide mutex and returns a proxy. Callers must
// call Close exactly once.
func (m *Monitor) Lock() *LockedProxy {
	m.mu.Lock()
	return &LockedProxy{m: m}
}

// Close releases the underlying mutex. Safe to call at most once.
func (p *LockedProxy) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.m.mu.Unlock()
}

// PreAllocate atomically checks that limits contains req; on success it
// subtracts req from limits, creates a new ticket, records req into
// staging[ticket], and returns the ticket. On failure it writes the
// per-tag deficit into missing (if non-nil) and returns the invalid
// ticket.
func (p *LockedProxy) PreAllocate(req Resources, missing Resources) (Ticket, bool) {
	return p.m.preAllocateLocked(req, missing)
}

func (m *Monitor) preAllocateLocked(req Resources, missing Resources) (Ticket, bool) {
	ok := true
	for tag, want := range req {
		have := m.limits[tag]
		if have < want {
			ok = false
			if missing != nil {
				missing[tag] = want - have
			}
		}
	}
	if !ok {
		return 0, false
	}
	ticket := Ticket(m.nextTicket.Add(1) - 1)
	metrics.TicketsIssued.Inc()
	for tag, want := range req {
		m.limits[tag] -= want
		metrics.ResourceLimitBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Set(float64(m.limits[tag]))
	}
	staged := req.Clone()
	staged.Prune()
	m.staging[ticket] = staged
	for tag, amt := range staged {
		metrics.ResourceStagingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Add(float64(amt))
	}
	return ticket, true
}

// PreAllocate is the unlocked convenience wrapper around PreAllocate that
// acquires and releases the mutex itself.
func (m *Monitor) PreAllocate(req Resources, missing Resources) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preAllocateLocked(req, missing)
}

// Allocate moves res from staging[ticket] to using[ticket] when staging
// contains res; otherwise, if staging is insufficient, it attempts to
// deduct the shortfall from live limits and charge the full amount into
// using. If even that fails, no state changes.
func (m *Monitor) Allocate(ticket Ticket, res Resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(ticket, res)
}

// Allocate is LockedProxy's unlocked counterpart of Monitor.Allocate, for
// use within a composite transaction already holding the monitor mutex.
func (p *LockedProxy) Allocate(ticket Ticket, res Resources) bool {
	return p.m.allocateLocked(ticket, res)
}

// PeekStaging returns the currently staged amount for one tag, without
// modifying anything. Used by ResourceContext.Alloc(type) (no explicit
// num) to consume "all of that type from staging".
func (p *LockedProxy) PeekStaging(ticket Ticket, tag ResourceTag) uint64 {
	return p.m.staging[ticket][tag]
}

func (m *Monitor) allocateLocked(ticket Ticket, res Resources) bool {
	staged := m.staging[ticket]
	if staged.Contains(res) {
		for tag, amt := range res {
			staged[tag] -= amt
			metrics.ResourceStagingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Sub(float64(amt))
		}
		staged.Prune()
		if len(staged) == 0 {
			delete(m.staging, ticket)
		} else {
			m.staging[ticket] = staged
		}
		m.charge(ticket, res)
		return true
	}

	// staging insufficient: compute shortfall per tag and try limits.
	shortfall := make(Resources, len(res))
	for tag, want := range res {
		have := staged[tag]
		if have < want {
			shortfall[tag] = want - have
		}
	}
	for tag, need := range shortfall {
		if m.limits[tag] < need {
			return false
		}
	}
	for tag, need := range shortfall {
		m.limits[tag] -= need
	}
	for tag, want := range res {
		have := staged[tag]
		if have > 0 {
			use := have
			if use > want {
				use = want
			}
			staged[tag] -= use
			metrics.ResourceStagingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Sub(float64(use))
		}
	}
	staged.Prune()
	if len(staged) == 0 {
		delete(m.staging, ticket)
	} else {
		m.staging[ticket] = staged
	}
	m.charge(ticket, res)
	return true
}

func (m *Monitor) charge(ticket Ticket, res Resources) {
	using := m.using[ticket]
	if using == nil {
		using = make(Resources, len(res))
	}
	using.Add(res)
	m.using[ticket] = using
	for tag := range res {
		metrics.ResourceUsingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Set(float64(using[tag]))
	}
}

// Free subtracts res from using[ticket] (bounded: never goes negative;
// amounts not present are ignored) and returns it to limits. Reports
// whether using[ticket] became empty.
func (m *Monitor) Free(ticket Ticket, res Resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	using, ok := m.using[ticket]
	if !ok {
		return true
	}
	for tag, want := range res {
		have := using[tag]
		give := want
		if give > have {
			give = have
		}
		using[tag] -= give
		m.limits[tag] += give
		metrics.ResourceUsingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Set(float64(using[tag]))
		metrics.ResourceLimitBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Set(float64(m.limits[tag]))
	}
	using.Prune()
	if len(using) == 0 {
		delete(m.using, ticket)
		return true
	}
	m.using[ticket] = using
	return false
}

// FreeStaging returns all remaining staging[ticket] to limits and erases
// the staging entry. Idempotent.
func (m *Monitor) FreeStaging(ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeStagingLocked(ticket)
}

func (m *Monitor) freeStagingLocked(ticket Ticket) {
	staged, ok := m.staging[ticket]
	if !ok {
		return
	}
	for tag, amt := range staged {
		m.limits[tag] += amt
		metrics.ResourceLimitBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Set(float64(m.limits[tag]))
		metrics.ResourceStagingBytes.WithLabelValues(tag.Device.String(), tag.Type.String()).Sub(float64(amt))
	}
	delete(m.staging, ticket)
}

// QueryUsage returns the currently-charged amounts for one ticket.
func (m *Monitor) QueryUsage(ticket Ticket) Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.using[ticket].Clone()
}

// QueryUsages aggregates QueryUsage across a set of tickets.
func (m *Monitor) QueryUsages(tickets map[Ticket]struct{}) Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Resources)
	for t := range tickets {
		out.Add(m.using[t])
	}
	return out
}

// VictimUsage pairs a ticket with its memory usage on one device, used for
// sortVictim ordering.
type VictimUsage struct {
	Ticket Ticket
	Usage  uint64
}

// SortVictim returns (usage, ticket) pairs for the given tickets, sorted by
// descending usage of Memory on device.
func (m *Monitor) SortVictim(tickets map[Ticket]struct{}, device DeviceSpec) []VictimUsage {
	m.mu.Lock()
	tag := ResourceTag{Type: Memory, Device: device}
	out := make([]VictimUsage, 0, len(tickets))
	for t := range tickets {
		out = append(out, VictimUsage{Ticket: t, Usage: m.using[t][tag]})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Usage > out[j].Usage })
	return out
}

// HasUsage reports whether ticket currently has any charged amount at all.
func (m *Monitor) HasUsage(ticket Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.using[ticket]) > 0
}

// DebugString renders the current limits table. Per the concurrency model,
// never call this while holding any other lock (the monitor mutex is
// briefly held during formatting).
func (m *Monitor) DebugString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := "limits:"
	for tag, v := range m.limits {
		s += fmt.Sprintf(" %s=%d", tag, v)
	}
	return s
}
