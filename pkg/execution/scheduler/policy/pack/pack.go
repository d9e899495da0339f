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

// Package pack implements the "pack" (and "mix" alias) BaseScheduler
// policy: every session is a candidate in arrival order, and scheduling
// always continues to the next session.
package pack

import (
	"github.com/aetf/gpu-execsched/pkg/execution/scheduler"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
)

func init() {
	scheduler.Instance().Register("pack", New)
	scheduler.Instance().Register("mix", New)
}

// Scheduler is the pack policy.
type Scheduler struct {
	*scheduler.Base
}

// New constructs a pack Scheduler bound to exec.
func New(exec scheduler.Executor) scheduler.BaseScheduler {
	return &Scheduler{Base: scheduler.NewBase(exec)}
}

func (s *Scheduler) Name() string { return "pack" }

func (s *Scheduler) NotifyPreSchedulingIteration(sessions []*session.Item, changeset scheduler.ChangeSet) []*session.Item {
	s.ClearMissing()
	out := make([]*session.Item, len(sessions))
	copy(out, sessions)
	return out
}

func (s *Scheduler) MaybeScheduleFrom(item *session.Item) (int, bool) {
	scheduled := s.SubmitAllTaskFromQueue(item)
	return scheduled, true
}

func (s *Scheduler) DebugStringFor(item *session.Item) string { return "" }

func (s *Scheduler) DebugString() string { return "policy: pack" }

var _ scheduler.BaseScheduler = (*Scheduler)(nil)
