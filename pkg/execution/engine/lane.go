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
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/aetf/gpu-execsched/pkg/execution/session"
)

// LaneQueue is one lane's iteration queue and session-membership
// bookkeeping: a logical serialization point shared by iterations that
// target the same execution context. At most one expensive iteration runs
// per lane concurrently, enforced by numExpensiveIterRunning.
type LaneQueue struct {
	id string

	mu       sync.Mutex
	queue    []*session.IterationItem
	lastSeen time.Time

	sessions  map[string]*session.WeakRef
	fifoQueue []*session.WeakRef

	numExpensiveIterRunning atomic.Int32
}

func newLaneQueue(id string, now time.Time) *LaneQueue {
	return &LaneQueue{
		id:       id,
		lastSeen: now,
		sessions: make(map[string]*session.WeakRef),
	}
}

// route appends item to the lane's staged queue, bumps lastSeen, and
// updates session membership: a session new to this lane joins sessions
// and fifoQueue and has its finished-iteration counter reset (it is
// rejoining after having been idle or new altogether).
func (l *LaneQueue) route(item *session.IterationItem, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, item)
	l.lastSeen = now

	sess, alive := item.Sess.Lock()
	if !alive {
		return
	}
	if _, known := l.sessions[sess.SessHandle]; !known {
		l.sessions[sess.SessHandle] = item.Sess
		l.fifoQueue = append(l.fifoQueue, item.Sess)
		sess.ResetFinishedIters()
	}

	for handle, ref := range l.sessions {
		if _, alive := ref.Lock(); !alive {
			delete(l.sessions, handle)
		}
	}
}

// takeQueue atomically swaps out the staged queue for processing by
// scheduleOnQueue, leaving an empty queue behind for newly-routed items.
func (l *LaneQueue) takeQueue() []*session.IterationItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.queue
	l.queue = nil
	return items
}

// putBack prepends items not run this pass back onto the queue, ahead of
// anything routed while scheduleOnQueue was running.
func (l *LaneQueue) putBack(items []*session.IterationItem) {
	if len(items) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(items, l.queue...)
}

// oldestLiveSession returns the front-most still-alive session in
// fifoQueue arrival order, pruning dead entries as it goes. Used by the
// fifo comparator.
func (l *LaneQueue) oldestLiveSession() *session.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.fifoQueue) > 0 {
		s, alive := l.fifoQueue[0].Lock()
		if alive {
			return s
		}
		l.fifoQueue = l.fifoQueue[1:]
	}
	return nil
}

// idleFor reports how long this lane has had an empty queue, and whether
// it is currently empty at all.
func (l *LaneQueue) idleFor(now time.Time) (idle time.Duration, empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastSeen), len(l.queue) == 0
}

// pendingCount returns the number of staged iterations not yet run.
func (l *LaneQueue) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
