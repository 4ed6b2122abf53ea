// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resv implements reservation objects: the per-buffer record of the
// fences of its last writer and current readers, used for implicit
// synchronization between jobs touching the same buffer.
//
// Lock ordering:
//
//	Object.WWMutex (acquired through sync.LockAll)
//	  Object.mu
package resv

import (
	"context"
	"fmt"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
)

// DefaultMaxShared is the shared fence limit used by New when max is zero.
const DefaultMaxShared = 64

// Class is the wound-wait class all reservation objects belong to.
var Class = sync.NewWWClass("reservation")

// Object is a reservation object. Mutators take the transaction that holds
// the embedded WWMutex; readers only take the internal lock and may run
// concurrently with a locked transaction.
type Object struct {
	sync.WWMutex

	maxShared int

	mu sync.Mutex
	// exclusive is the fence of the last writer.
	// +checklocks:mu
	exclusive fence.Fence
	// shared are the fences of readers since the last writer.
	// +checklocks:mu
	shared []fence.Fence
	// reserved is the number of shared slots reserved by the current holder.
	// +checklocks:mu
	reserved int
}

// New returns an object that accepts at most maxShared concurrent reader
// fences.
func New(maxShared int) *Object {
	if maxShared <= 0 {
		maxShared = DefaultMaxShared
	}
	return &Object{maxShared: maxShared}
}

// MaxShared returns the shared fence limit.
func (o *Object) MaxShared() int {
	return o.maxShared
}

// assertHeld panics unless a holds o.
func (o *Object) assertHeld(a *sync.WWAcquireCtx, op string) {
	if !o.HeldBy(a) {
		log.Traceback("reservation %p: %s without holding the lock", o, op)
		panic(fmt.Sprintf("reservation %p: %s without holding the lock", o, op))
	}
}

// +checklocks:o.mu
func (o *Object) pruneLocked() {
	live := o.shared[:0]
	for _, f := range o.shared {
		if !f.Signaled() {
			live = append(live, f)
		}
	}
	for i := len(live); i < len(o.shared); i++ {
		o.shared[i] = nil
	}
	o.shared = live
}

// ReserveShared makes room for n shared fences to be added by the current
// holder. Signaled fences are dropped first; if the list is still too long
// to take n more, it returns ENOSPC.
func (o *Object) ReserveShared(a *sync.WWAcquireCtx, n int) error {
	o.assertHeld(a, "ReserveShared")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()
	if len(o.shared)+n > o.maxShared {
		return linuxerr.ENOSPC
	}
	o.reserved = n
	return nil
}

// AddShared adds a reader fence into a slot reserved with ReserveShared.
func (o *Object) AddShared(a *sync.WWAcquireCtx, f fence.Fence) {
	o.assertHeld(a, "AddShared")
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reserved == 0 {
		log.Traceback("reservation %p: AddShared without a reserved slot", o)
		panic("AddShared without a reserved slot")
	}
	o.reserved--
	o.shared = append(o.shared, f)
}

// AddExclusive makes f the only fence of the object. The previous writer and
// readers are dropped; the new writer must already depend on them.
func (o *Object) AddExclusive(a *sync.WWAcquireCtx, f fence.Fence) {
	o.assertHeld(a, "AddExclusive")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exclusive = f
	for i := range o.shared {
		o.shared[i] = nil
	}
	o.shared = o.shared[:0]
	o.reserved = 0
}

// Exclusive returns the last writer fence, or nil.
func (o *Object) Exclusive() fence.Fence {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exclusive
}

// Shared returns a copy of the reader fences.
func (o *Object) Shared() []fence.Fence {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]fence.Fence(nil), o.shared...)
}

// ImplicitFences returns the unsignaled fences a new access must wait for. A
// writer waits for the last writer and every reader; a reader only waits for
// the last writer.
func (o *Object) ImplicitFences(write bool) []fence.Fence {
	o.mu.Lock()
	defer o.mu.Unlock()
	fences := []fence.Fence{o.exclusive}
	if write {
		fences = append(fences, o.shared...)
	}
	return fence.Unsignaled(fences)
}

// WaitIdle waits until every fence ImplicitFences(write) returns at the time
// of the call has signaled.
func (o *Object) WaitIdle(ctx context.Context, write bool) error {
	for _, f := range o.ImplicitFences(write) {
		if err := f.Wait(ctx); err != nil && !f.Signaled() {
			return err
		}
	}
	return nil
}
