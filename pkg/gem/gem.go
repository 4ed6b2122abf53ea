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

// Package gem provides in-memory buffer objects for the submission engine.
//
// Each object is given a fixed device address when it is created, the way an
// IOMMU domain would map it, and carries the reservation object used for
// implicit synchronization between jobs.
package gem

import (
	"fmt"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/resv"
	"gvisor.dev/host1x/pkg/sync"
)

const (
	pageSize = 4096

	// DefaultIOVABase is the first device address handed out by an
	// Allocator. It lies above 4 GiB so relocations exercise the 40-bit
	// address path.
	DefaultIOVABase = 1 << 32
	// DefaultIOVALimit bounds the addresses handed out by an Allocator.
	DefaultIOVALimit = 1 << 40

	// MaxSize is the largest object an Allocator creates.
	MaxSize = 64 << 20
)

// Allocator creates buffer objects with a bump-allocated device address
// range. Addresses are never reused.
type Allocator struct {
	limit     uint64
	maxShared int

	mu sync.Mutex
	// +checklocks:mu
	next uint64
	// +checklocks:mu
	live int
}

// NewAllocator returns an allocator handing out addresses in [base, limit).
// Reservation objects accept up to maxShared reader fences; zero selects the
// default.
func NewAllocator(base, limit uint64, maxShared int) *Allocator {
	return &Allocator{
		next:      base,
		limit:     limit,
		maxShared: maxShared,
	}
}

// New returns a zero-filled object of size bytes with one reference.
func (a *Allocator) New(size uint64) (*Object, error) {
	if size == 0 || size > MaxSize {
		return nil, linuxerr.EINVAL
	}
	span := (size + pageSize - 1) &^ (pageSize - 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next+span > a.limit {
		return nil, linuxerr.ENOMEM
	}
	o := &Object{
		alloc: a,
		iova:  a.next,
		data:  make([]byte, size),
		resv:  resv.New(a.maxShared),
	}
	o.InitRefs("gem.Object")
	a.next += span
	a.live++
	return o, nil
}

// Live returns the number of objects that have not been released.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *Allocator) release() {
	a.mu.Lock()
	a.live--
	a.mu.Unlock()
}

// Object is a buffer object backed by host memory.
type Object struct {
	refs.Refs

	alloc *Allocator
	iova  uint64
	resv  *resv.Object

	mu sync.Mutex
	// +checklocks:mu
	data []byte
	// +checklocks:mu
	pins int
}

// Get implements host1x.BO.Get.
func (o *Object) Get() {
	o.IncRef()
}

// Put implements host1x.BO.Put.
func (o *Object) Put() {
	o.DecRef(func() {
		o.mu.Lock()
		pins := o.pins
		o.data = nil
		o.mu.Unlock()
		if pins != 0 {
			panic(fmt.Sprintf("gem object %#x released with %d pins", o.iova, pins))
		}
		o.alloc.release()
	})
}

// Size implements host1x.BO.Size.
func (o *Object) Size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint64(len(o.data))
}

// ReadAt implements host1x.BO.ReadAt.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(o.data)) {
		return 0, linuxerr.EFAULT
	}
	return copy(p, o.data[off:]), nil
}

// WriteAt copies p into the object at byte offset off.
func (o *Object) WriteAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(o.data)) {
		return 0, linuxerr.EFAULT
	}
	return copy(o.data[off:], p), nil
}

// Pin implements host1x.BO.Pin. The object is always mapped at its own
// device address.
func (o *Object) Pin(as *host1x.AddressSpace) (uint64, error) {
	if err := as.Insert(o.iova, o); err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.pins++
	o.mu.Unlock()
	return o.iova, nil
}

// Unpin implements host1x.BO.Unpin.
func (o *Object) Unpin(as *host1x.AddressSpace, iova uint64) {
	as.Remove(iova)
	o.mu.Lock()
	o.pins--
	o.mu.Unlock()
}

// IOVA returns the device address of the object.
func (o *Object) IOVA() uint64 {
	return o.iova
}

// Resv returns the reservation object of o.
func (o *Object) Resv() *resv.Object {
	return o.resv
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	return fmt.Sprintf("gem:%#x", o.iova)
}
