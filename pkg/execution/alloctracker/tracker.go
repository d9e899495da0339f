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

// Package alloctracker implements the per-session, per-graph predictor
// that detects when an iteration's peak memory has passed so its
// regulator hold can be released early.
package alloctracker

import (
	"sync"
	"time"

	"github.com/aetf/gpu-execsched/pkg/resources"
)

const (
	minWindowSize = 50
	windowDivisor = 50
	peakThreshold = 0.9
)

type sample struct {
	at   time.Time
	used uint64
}

// Tracker holds a sliding window of recent allocation samples for one
// (session, graphID) pair and the regulator ticket backing its admission
// hold.
type Tracker struct {
	mu sync.Mutex

	regTicket  *resources.RegulatorTicket
	device     resources.DeviceSpec
	windowSize int

	estimation resources.ResStats
	haveEst    bool

	window  []sample
	holding bool

	countSeen uint64
	numIters  uint64
}

// New constructs a tracker bound to one regulator ticket and device.
func New(regTicket *resources.RegulatorTicket, device resources.DeviceSpec) *Tracker {
	return &Tracker{regTicket: regTicket, device: device}
}

func windowSizeFor(count uint64) int {
	w := int(count) / windowDivisor
	if w < minWindowSize {
		w = minWindowSize
	}
	return w
}

// BeginIter saves the estimation on first use, then attempts to admit the
// iteration's estimated temporary working set via the regulator ticket.
// Returns false if the regulator rejects (the iteration should be
// delayed); on true, the iteration holds a reservation until Update
// observes the peak has passed.
func (t *Tracker) BeginIter(est resources.ResStats) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveEst {
		t.estimation = est
		t.haveEst = true
		t.windowSize = windowSizeFor(est.Count)
		// The caller-provided estimation is the first sample of the
		// running averages folded in by EndIter.
		t.numIters = 1
	}

	if t.regTicket != nil {
		ok := t.regTicket.BeginAllocation(resources.Resources{
			{Type: resources.Memory, Device: t.device}: t.estimation.Temporary,
		})
		if !ok {
			return false
		}
		t.holding = true
	}
	t.window = t.window[:0]
	t.countSeen = 0
	return true
}

// Update appends a new (now, currentAllocated) sample. If the slope across
// the window is negative and the current value exceeds
// peakThreshold*estimation.Temporary, the hold is released.
func (t *Tracker) Update(currentAllocated uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.countSeen++
	t.window = append(t.window, sample{at: time.Now(), used: currentAllocated})
	if len(t.window) > t.windowSize {
		t.window = t.window[len(t.window)-t.windowSize:]
	}
	if len(t.window) < 2 {
		return
	}

	if t.slopeLocked() < 0 && float64(currentAllocated) > peakThreshold*float64(t.estimation.Temporary) {
		t.releaseAllocationHoldLocked()
	}
}

func (t *Tracker) slopeLocked() float64 {
	first, last := t.window[0], t.window[len(t.window)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return (float64(last.used) - float64(first.used)) / dt
}

func (t *Tracker) releaseAllocationHoldLocked() {
	if !t.holding || t.regTicket == nil {
		return
	}
	t.regTicket.EndAllocation(resources.Resources{
		{Type: resources.Memory, Device: t.device}: t.estimation.Temporary,
	})
	t.holding = false
}

// ReleaseAllocationHold is the exported, lock-guarded form, for callers
// outside Update. Idempotent once the hold is released.
func (t *Tracker) ReleaseAllocationHold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseAllocationHoldLocked()
}

// EndIter always releases the hold if still held, then folds the
// observed peak into the count-weighted running-average estimation.
func (t *Tracker) EndIter(observedPeak, persist uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.releaseAllocationHoldLocked()

	newTemp := uint64(0)
	if observedPeak > persist {
		newTemp = observedPeak - persist
	}
	t.numIters++
	t.estimation.Temporary = runningAvg(t.estimation.Temporary, newTemp, t.numIters)
	t.estimation.Count = runningAvg(t.estimation.Count, t.countSeen, t.numIters)
}

// runningAvg folds current into a mean over newCount samples, weighting
// the prior average by the newCount-1 samples it already represents.
func runningAvg(lastAvg, current, newCount uint64) uint64 {
	if newCount == 0 {
		return current
	}
	return (lastAvg*(newCount-1) + current) / newCount
}

// Estimation returns the current running estimate.
func (t *Tracker) Estimation() resources.ResStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimation
}
