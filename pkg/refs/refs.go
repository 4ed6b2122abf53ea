// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"fmt"
	"sync/atomic"
)

// enableLogging indicates whether reference-related events should be logged (with
// stack traces). This is false by default and should only be set to true for
// debugging purposes, as it can generate an extremely large amount of output
// and drastically degrade performance.
const enableLogging = false

// Refs implements RefCounter semantics for embedding in jobs, channels,
// mappings and buffers. It keeps a reference count using atomic operations
// and calls the destructor passed to DecRef when the count reaches zero.
//
// The zero value is not usable; InitRefs must be called first.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a CompareAndSwap
	// loop. See IncRef, DecRef and TryIncRef for details of how these fields are
	// used.
	refCount atomic.Int64

	// owner names the embedding type in leak reports.
	owner string
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking. owner is used in leak reports.
func (r *Refs) InitRefs(owner string) {
	r.owner = owner
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *Refs) RefType() string {
	return r.owner
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *Refs) LogRefs() bool {
	return enableLogging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	if enableLogging {
		logRefChange(r, "IncRef", v)
	}
	if int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef increments the reference count unless it has already dropped to
// zero.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to distinguish
// other TryIncRef calls from genuine references held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if enableLogging {
		logRefChange(r, "TryIncRef", v)
	}
	return true
}

// DecRef drops a reference. When the last reference is dropped, destroy is
// called exactly once.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references.
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if enableLogging {
		logRefChange(r, "DecRef", v)
	}
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case int32(v) == 0:
		Unregister(r)
		// Call the destructor.
		if destroy != nil {
			destroy()
		}
	}
}
