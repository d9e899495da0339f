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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegulatorBeginAllocationWithinLimit(t *testing.T) {
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	r := NewRegulator(Resources{memTag(gpu0): 1000})

	ticket := r.NewTicket()
	assert.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 400}))
	assert.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 600}))
	assert.False(t, ticket.BeginAllocation(Resources{memTag(gpu0): 1}))
}

func TestRegulatorTicketsAreIndependent(t *testing.T) {
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	r := NewRegulator(Resources{memTag(gpu0): 500})

	a := r.NewTicket()
	b := r.NewTicket()

	require.True(t, a.BeginAllocation(Resources{memTag(gpu0): 500}))
	// b has its own independent ceiling.
	assert.True(t, b.BeginAllocation(Resources{memTag(gpu0): 500}))
}

func TestRegulatorEndAllocationFreesRoom(t *testing.T) {
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	r := NewRegulator(Resources{memTag(gpu0): 100})

	ticket := r.NewTicket()
	require.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 100}))
	assert.False(t, ticket.BeginAllocation(Resources{memTag(gpu0): 1}))

	ticket.EndAllocation(Resources{memTag(gpu0): 50})
	assert.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 50}))
	assert.False(t, ticket.BeginAllocation(Resources{memTag(gpu0): 1}))
}

func TestRegulatorEndAllocationClampsToInUse(t *testing.T) {
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	r := NewRegulator(Resources{memTag(gpu0): 100})

	ticket := r.NewTicket()
	require.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 30}))

	// Releasing more than is in use must not underflow into negative room.
	ticket.EndAllocation(Resources{memTag(gpu0): 1000})
	assert.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 100}))
}

func TestRegulatorFinishJobReleasesEverything(t *testing.T) {
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	r := NewRegulator(Resources{memTag(gpu0): 100})

	ticket := r.NewTicket()
	require.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 100}))

	ticket.FinishJob()
	assert.True(t, ticket.BeginAllocation(Resources{memTag(gpu0): 100}))
}
