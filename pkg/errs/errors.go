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

// Package errs defines the sentinel error kinds used throughout the
// execution scheduler. Callers compare with errors.Is rather than type
// assertions.
package errs

import "errors"

var (
	// ErrRejectedAdmission is returned when preAllocate fails for a
	// non-memory reason (device or stream slot unavailable), or when an
	// iteration estimate is missing required fields (protocol mismatch).
	ErrRejectedAdmission = errors.New("execsched: admission rejected")

	// ErrOutOfMemory is returned when preAllocate fails specifically for
	// MEMORY on a GPU device.
	ErrOutOfMemory = errors.New("execsched: out of memory")

	// ErrCancelled is returned for an iteration cancelled before or during
	// dispatch.
	ErrCancelled = errors.New("execsched: cancelled")

	// ErrSessionGone is returned when an item's weak reference to its
	// session has expired; the item must be silently dropped by the
	// caller, not logged as a failure.
	ErrSessionGone = errors.New("execsched: session gone")

	// ErrPoolQueueFull is returned when ThreadPool.TryRun could not
	// enqueue the closure because the target queue was saturated.
	ErrPoolQueueFull = errors.New("execsched: pool queue full")
)
