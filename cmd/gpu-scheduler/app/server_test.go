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

package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerCommandHasFairDefault(t *testing.T) {
	cmd := NewSchedulerCommand()
	assert.Equal(t, "gpu-scheduler", cmd.Use)

	v, err := cmd.Flags().GetString("scheduler")
	require.NoError(t, err)
	assert.Equal(t, "fair", v)

	hol, err := cmd.Flags().GetUint64("max-hol-waiting")
	require.NoError(t, err)
	assert.EqualValues(t, 50, hol)
}

func TestNewSchedulerCommandFlagsBindIntoOptions(t *testing.T) {
	cmd := NewSchedulerCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--scheduler=pack",
		"--threads=4",
		"--use-gpu=false",
		"--disable-admission-control=true",
	}))

	scheduler, err := cmd.Flags().GetString("scheduler")
	require.NoError(t, err)
	assert.Equal(t, "pack", scheduler)

	threads, err := cmd.Flags().GetInt("threads")
	require.NoError(t, err)
	assert.Equal(t, 4, threads)

	useGPU, err := cmd.Flags().GetBool("use-gpu")
	require.NoError(t, err)
	assert.False(t, useGPU)

	disableAdmission, err := cmd.Flags().GetBool("disable-admission-control")
	require.NoError(t, err)
	assert.True(t, disableAdmission)
}

func TestNewOptionsAppliesSchedulingArgDefaults(t *testing.T) {
	o := newOptions()
	assert.Equal(t, ":9090", o.DebugAddr)
	assert.Equal(t, 256, o.QueueDepth)
	assert.True(t, o.Args.WorkConservative)
}
