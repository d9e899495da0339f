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
	"sort"

	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
)

// selectExpensive orders and/or filters the expensive iterations staged
// this pass for one lane, according to the configured scheduler policy.
// attempt is the (possibly reordered, possibly single-session-filtered)
// list to try this pass; rest is put back on the lane queue untouched.
//
// fair and rr reorder across all sessions present; pack/mix leave arrival
// order alone (FIFO across sessions); fifo and preempt restrict the pass
// to one chosen session's iterations.
func selectExpensive(policy config.SchedulerPolicy, lane *LaneQueue, items []*session.IterationItem) (attempt, rest []*session.IterationItem) {
	switch policy {
	case config.SchedulerFair:
		return sortByKey(items, func(s *session.Item) int64 { return int64(s.UsedRunningTime()) }), nil
	case config.SchedulerRR:
		return sortByKey(items, func(s *session.Item) int64 { return int64(s.NumFinishedIters()) }), nil
	case config.SchedulerFIFO:
		return restrictToSession(items, lane.oldestLiveSession())
	case config.SchedulerPreempt:
		return restrictToSession(items, pickPreemptSession(items))
	case config.SchedulerPack, config.SchedulerMix:
		fallthrough
	default:
		return items, nil
	}
}

func sortByKey(items []*session.IterationItem, key func(*session.Item) int64) []*session.IterationItem {
	out := append([]*session.IterationItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		si, aliveI := out[i].Sess.Lock()
		sj, aliveJ := out[j].Sess.Lock()
		if !aliveI || !aliveJ {
			return false
		}
		return key(si) < key(sj)
	})
	return out
}

func restrictToSession(items []*session.IterationItem, chosen *session.Item) (attempt, rest []*session.IterationItem) {
	if chosen == nil {
		return nil, items
	}
	for _, item := range items {
		sess, alive := item.Sess.Lock()
		if alive && sess == chosen {
			attempt = append(attempt, item)
		} else {
			rest = append(rest, item)
		}
	}
	return attempt, rest
}

// pickPreemptSession returns the distinct session, among those with
// iterations in items, with the smallest totalRunningTime-usedRunningTime
// remaining budget.
func pickPreemptSession(items []*session.IterationItem) *session.Item {
	var best *session.Item
	var bestRemaining int64
	seen := make(map[string]bool)
	for _, item := range items {
		sess, alive := item.Sess.Lock()
		if !alive || seen[sess.SessHandle] {
			continue
		}
		seen[sess.SessHandle] = true
		remaining := int64(sess.TotalRunningTime() - sess.UsedRunningTime())
		if best == nil || remaining < bestRemaining {
			best = sess
			bestRemaining = remaining
		}
	}
	return best
}
