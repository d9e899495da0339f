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
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/klog/v2"
)

// InitializeLimitsFromDevice sets per-device defaults the same way
// InitializeLimits does, but first attempts to query the real GPU:0
// memory capacity via NVML. Falls back to the static defaults when NVML
// is unavailable (no driver, no GPU, running in CI).
func (m *Monitor) InitializeLimitsFromDevice() {
	m.InitializeLimits()

	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		klog.V(2).InfoS("nvml unavailable, using static GPU memory default", "reason", nvml.ErrorString(ret))
		return
	}
	defer func() {
		if shutdownRet := nvml.Shutdown(); shutdownRet != nvml.SUCCESS {
			klog.ErrorS(nil, "nvml shutdown failed", "reason", nvml.ErrorString(shutdownRet))
		}
	}()

	dev, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		klog.V(2).InfoS("nvml has no GPU:0, using static memory default", "reason", nvml.ErrorString(ret))
		return
	}
	memInfo, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		klog.ErrorS(nil, "nvml memory query failed, using static default", "reason", nvml.ErrorString(ret))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	gpu0 := DeviceSpec{Type: DeviceGPU, ID: 0}
	tag := ResourceTag{Type: Memory, Device: gpu0}
	m.limits[tag] = memInfo.Total
	klog.InfoS("queried GPU:0 memory capacity via nvml", "bytes", memInfo.Total)
}
