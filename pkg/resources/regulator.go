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

import "sync"

// Regulator is a thin registry of "live job" tickets used to gate
// iteration starts. It is distinct from Monitor: the monitor accounts
// live kernel allocations, while the regulator gates iteration starts
// based on a session's predicted ceiling.
type Regulator struct {
	mu      sync.Mutex
	limits  Resources
	inUse   map[Ticket]Resources
	nextTic atomic64
}

type atomic64 uint64

// NewRegulator constructs a regulator with the given per-tag admission
// limits (independent from Monitor.limits).
func NewRegulator(limits Resources) *Regulator {
	return &Regulator{
		limits: limits.Clone(),
		inUse:  make(map[Ticket]Resources),
	}
}

// RegulatorTicket is a handle into the regulator, separate from a
// resources.Ticket, though both share the Ticket type to keep call sites
// uniform.
type RegulatorTicket struct {
	r  *Regulator
	id Ticket
}

// NewTicket allocates a fresh regulator-scoped ticket.
func (r *Regulator) NewTicket() *RegulatorTicket {
	r.mu.Lock()
	r.nextTic++
	id := Ticket(r.nextTic)
	r.mu.Unlock()
	return &RegulatorTicket{r: r, id: id}
}

// BeginAllocation admits res if doing so keeps this ticket's resident
// amount within the regulator's limits. On success the amount is recorded
// as in-use for this ticket.
func (t *RegulatorTicket) BeginAllocation(res Resources) bool {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	cur := t.r.inUse[t.id]
	for tag, want := range res {
		if cur[tag]+want > t.r.limits[tag] {
			return false
		}
	}
	if cur == nil {
		cur = make(Resources, len(res))
	}
	cur.Add(res)
	t.r.inUse[t.id] = cur
	return true
}

// EndAllocation releases a previously admitted amount.
func (t *RegulatorTicket) EndAllocation(res Resources) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	cur := t.r.inUse[t.id]
	if cur == nil {
		return
	}
	for tag, amt := range res {
		have := cur[tag]
		if amt > have {
			amt = have
		}
		cur[tag] -= amt
	}
	cur.Prune()
	if len(cur) == 0 {
		delete(t.r.inUse, t.id)
	} else {
		t.r.inUse[t.id] = cur
	}
}

// FinishJob releases any remaining in-use amount for this ticket.
func (t *RegulatorTicket) FinishJob() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	delete(t.r.inUse, t.id)
}
