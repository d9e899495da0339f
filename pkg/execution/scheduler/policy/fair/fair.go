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

// Package fair implements the "fair" BaseScheduler policy: candidates are
// ordered by ascending memory-time product accumulated since the last
// pre-scheduling call.
package fair

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/aetf/gpu-execsched/pkg/execution/scheduler"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
	"github.com/aetf/gpu-execsched/pkg/resources"
)

func init() {
	scheduler.Instance().Register("fair", New)
}

// Scheduler is the fair policy.
type Scheduler struct {
	*scheduler.Base

	workConservative   bool
	useFairnessCounter bool

	mu           sync.Mutex
	lastSnapshot time.Time
	aggResUsages map[string]float64
}

// New constructs a fair Scheduler bound to exec.
func New(exec scheduler.Executor) scheduler.BaseScheduler {
	return &Scheduler{
		Base:               scheduler.NewBase(exec),
		workConservative:   exec.WorkConservative(),
		useFairnessCounter: exec.UseFairnessCounter(),
		lastSnapshot:       time.Now(),
		aggResUsages:       make(map[string]float64),
	}
}

func (s *Scheduler) Name() string { return "fair" }

func (s *Scheduler) NotifyPreSchedulingIteration(sessions []*session.Item, changeset scheduler.ChangeSet) []*session.Item {
	s.ClearMissing()
	s.mu.Lock()
	defer s.mu.Unlock()

	for sess := range changeset.DeletedSessions {
		delete(s.aggResUsages, sess.SessHandle)
	}

	candidates := make([]*session.Item, 0, len(sessions))

	if len(changeset.AddedSessions) == 0 {
		now := time.Now()
		elapsed := now.Sub(s.lastSnapshot).Seconds()
		s.lastSnapshot = now

		gpu0 := resources.DeviceSpec{Type: resources.DeviceGPU, ID: 0}
		tag := resources.ResourceTag{Type: resources.Memory, Device: gpu0}
		for _, sess := range sessions {
			candidates = append(candidates, sess)
			mem := sess.ResourceUsage(tag).Load()
			s.aggResUsages[sess.SessHandle] += float64(mem) * elapsed
		}

		if s.useFairnessCounter {
			sort.SliceStable(candidates, func(i, j int) bool {
				return s.aggResUsages[candidates[i].SessHandle] < s.aggResUsages[candidates[j].SessHandle]
			})
		}
	} else {
		for _, sess := range changeset.AddedSessions {
			klog.V(4).InfoS("adding session", "session", sess.SessHandle)
		}
		s.aggResUsages = make(map[string]float64, len(sessions))
		for _, sess := range sessions {
			candidates = append(candidates, sess)
			s.aggResUsages[sess.SessHandle] = 0
		}
	}

	return candidates
}

func (s *Scheduler) MaybeScheduleFrom(item *session.Item) (int, bool) {
	scheduled := s.SubmitAllTaskFromQueue(item)
	// Move on to the next candidate if this session scheduled anything, or
	// always in work-conservative mode; otherwise stop the pass here.
	return scheduled, scheduled > 0 || s.workConservative
}

func (s *Scheduler) DebugStringFor(item *session.Item) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("counter: %f", s.aggResUsages[item.SessHandle])
}

func (s *Scheduler) DebugString() string { return "policy: fair" }

var _ scheduler.BaseScheduler = (*Scheduler)(nil)
