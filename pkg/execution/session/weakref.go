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

package session

import "go.uber.org/atomic"

// WeakRef is a non-owning reference to a session Item, letting queued work
// silently drop when the session it belongs to is torn down. Liveness is
// tracked with an explicit flag flipped once, at deletion.
type WeakRef struct {
	sess *Item
	dead atomic.Bool
}

func newWeakRef(s *Item) *WeakRef {
	return &WeakRef{sess: s}
}

// Lock returns the referenced session and true if it is still alive.
func (w *WeakRef) Lock() (*Item, bool) {
	if w.dead.Load() {
		return nil, false
	}
	return w.sess, true
}

// invalidate marks the reference dead; called once by Item.RunCleanup.
func (w *WeakRef) invalidate() {
	w.dead.Store(true)
}
