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

// Package preempt implements the "preempt" BaseScheduler policy and its
// "rr"/"fifo" aliases at the task-executor layer: each newly added session
// receives a monotonically increasing priority, and candidates are sorted
// descending by priority so the newest session preempts older ones. At the
// lane layer, rr/fifo/preempt select genuinely different comparators; see
// pkg/execution/engine.
package preempt

import (
	"sort"
	"sync"

	"github.com/aetf/gpu-execsched/pkg/execution/scheduler"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
)

func init() {
	scheduler.Instance().Register("preempt", New)
	scheduler.Instance().Register("rr", New)
	scheduler.Instance().Register("fifo", New)
}

// Scheduler is the preempt policy.
type Scheduler struct {
	*scheduler.Base

	workConservative bool

	mu              sync.Mutex
	priorities      map[string]int
	priorityCounter int
}

// New constructs a preempt Scheduler bound to exec.
func New(exec scheduler.Executor) scheduler.BaseScheduler {
	return &Scheduler{
		Base:             scheduler.NewBase(exec),
		workConservative: exec.WorkConservative(),
		priorities:       make(map[string]int),
	}
}

func (s *Scheduler) Name() string { return "preempt" }

func (s *Scheduler) NotifyPreSchedulingIteration(sessions []*session.Item, changeset scheduler.ChangeSet) []*session.Item {
	s.ClearMissing()
	s.mu.Lock()
	defer s.mu.Unlock()

	for sess := range changeset.DeletedSessions {
		delete(s.priorities, sess.SessHandle)
	}
	for _, sess := range changeset.AddedSessions {
		s.priorities[sess.SessHandle] = s.priorityCounter
		s.priorityCounter++
	}

	candidates := make([]*session.Item, len(sessions))
	copy(candidates, sessions)

	sort.SliceStable(candidates, func(i, j int) bool {
		return s.priorities[candidates[i].SessHandle] > s.priorities[candidates[j].SessHandle]
	})
	return candidates
}

func (s *Scheduler) MaybeScheduleFrom(item *session.Item) (int, bool) {
	scheduled := s.SubmitAllTaskFromQueue(item)
	return scheduled, scheduled > 0 || s.workConservative
}

func (s *Scheduler) DebugStringFor(item *session.Item) string { return "" }

func (s *Scheduler) DebugString() string { return "policy: preempt" }

var _ scheduler.BaseScheduler = (*Scheduler)(nil)
