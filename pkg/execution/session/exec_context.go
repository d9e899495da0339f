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

package session

import (
	"sync"

	"github.com/aetf/gpu-execsched/internal/task"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

// ExecutionContext is the per-session public façade used by the
// ExecutionEngine layer: it owns one regulator ticket and a strong
// reference to the SessionItem (items hold only weak references, breaking
// the reference cycle between a session and its queued iterations).
type ExecutionContext struct {
	mu sync.Mutex

	sess   *Item
	ticket *resources.RegulatorTicket
	laneID string
}

// NewExecutionContext constructs a context strongly owning sess.
func NewExecutionContext(sess *Item, ticket *resources.RegulatorTicket, laneID string) *ExecutionContext {
	return &ExecutionContext{sess: sess, ticket: ticket, laneID: laneID}
}

// Session returns the strongly-owned session.
func (c *ExecutionContext) Session() *Item { return c.sess }

// Ticket returns the regulator ticket this context owns.
func (c *ExecutionContext) Ticket() *resources.RegulatorTicket { return c.ticket }

// LaneID returns the lane this context's iterations currently route to.
func (c *ExecutionContext) LaneID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.laneID
}

// SetLaneID updates the owning lane, e.g. on session migration.
func (c *ExecutionContext) SetLaneID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.laneID = id
}

// NewIterationItem packages t as an IterationItem bound to this context's
// session, current lane, and regulator ticket, ready to be handed to
// Engine.ScheduleIteration.
func (c *ExecutionContext) NewIterationItem(t task.IterationTask) *IterationItem {
	return &IterationItem{
		Sess:      c.sess.WeakRef(),
		Task:      t,
		LaneID:    c.LaneID(),
		RegTicket: c.ticket,
	}
}
