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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetf/gpu-execsched/pkg/apis/config"
	"github.com/aetf/gpu-execsched/pkg/execution/session"
)

func itemFor(sess *session.Item) *session.IterationItem {
	return &session.IterationItem{Sess: sess.WeakRef()}
}

func TestSelectExpensiveFairSortsByUsedRunningTimeAscending(t *testing.T) {
	lane := newLaneQueue("l0", time.Now())

	busy := session.New()
	busy.AddUsedRunningTime(10 * time.Second)
	idle := session.New()
	idle.AddUsedRunningTime(time.Second)

	items := []*session.IterationItem{itemFor(busy), itemFor(idle)}
	attempt, rest := selectExpensive(config.SchedulerFair, lane, items)
	assert.Nil(t, rest)
	require.Len(t, attempt, 2)
	assert.Same(t, idle, mustLock(t, attempt[0]))
	assert.Same(t, busy, mustLock(t, attempt[1]))
}

func TestSelectExpensiveRRSortsByFinishedItersAscending(t *testing.T) {
	lane := newLaneQueue("l0", time.Now())

	many := session.New()
	many.IncrementFinishedIters()
	many.IncrementFinishedIters()
	few := session.New()
	few.IncrementFinishedIters()

	items := []*session.IterationItem{itemFor(many), itemFor(few)}
	attempt, rest := selectExpensive(config.SchedulerRR, lane, items)
	assert.Nil(t, rest)
	require.Len(t, attempt, 2)
	assert.Same(t, few, mustLock(t, attempt[0]))
	assert.Same(t, many, mustLock(t, attempt[1]))
}

func TestSelectExpensiveFifoRestrictsToOldestSession(t *testing.T) {
	lane := newLaneQueue("l0", time.Now())
	first := session.New()
	second := session.New()
	firstItem := itemFor(first)
	secondItem := itemFor(second)
	lane.route(firstItem, time.Now())
	lane.route(secondItem, time.Now())

	attempt, rest := selectExpensive(config.SchedulerFIFO, lane, []*session.IterationItem{firstItem, secondItem})
	require.Len(t, attempt, 1)
	assert.Same(t, first, mustLock(t, attempt[0]))
	require.Len(t, rest, 1)
	assert.Same(t, second, mustLock(t, rest[0]))
}

func TestSelectExpensivePreemptRestrictsToSmallestRemainingBudget(t *testing.T) {
	lane := newLaneQueue("l0", time.Now())

	starved := session.New()
	starved.SetTotalRunningTime(10 * time.Second)
	starved.AddUsedRunningTime(9 * time.Second) // remaining: 1s

	satisfied := session.New()
	satisfied.SetTotalRunningTime(10 * time.Second)
	satisfied.AddUsedRunningTime(time.Second) // remaining: 9s

	items := []*session.IterationItem{itemFor(satisfied), itemFor(starved)}
	attempt, rest := selectExpensive(config.SchedulerPreempt, lane, items)
	require.Len(t, attempt, 1)
	assert.Same(t, starved, mustLock(t, attempt[0]))
	require.Len(t, rest, 1)
	assert.Same(t, satisfied, mustLock(t, rest[0]))
}

func TestSelectExpensivePackLeavesOrderAlone(t *testing.T) {
	lane := newLaneQueue("l0", time.Now())
	s1 := session.New()
	s2 := session.New()
	items := []*session.IterationItem{itemFor(s1), itemFor(s2)}

	attempt, rest := selectExpensive(config.SchedulerPack, lane, items)
	assert.Nil(t, rest)
	require.Len(t, attempt, 2)
	assert.Same(t, s1, mustLock(t, attempt[0]))
	assert.Same(t, s2, mustLock(t, attempt[1]))
}

func mustLock(t *testing.T, item *session.IterationItem) *session.Item {
	t.Helper()
	sess, alive := item.Sess.Lock()
	require.True(t, alive)
	return sess
}
