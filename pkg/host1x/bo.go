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

package host1x

import (
	"github.com/google/btree"
	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/sync"
)

// BO is a buffer object the engine can read through DMA.
type BO interface {
	// Get takes a reference on the object.
	Get()
	// Put drops a reference on the object.
	Put()
	// Size returns the size of the object in bytes.
	Size() uint64
	// ReadAt copies object contents at byte offset off into p, as the
	// engine sees them.
	ReadAt(p []byte, off int64) (int, error)
	// Pin makes the object visible to the engine in as and returns its
	// device address.
	Pin(as *AddressSpace) (uint64, error)
	// Unpin undoes one Pin.
	Unpin(as *AddressSpace, iova uint64)
}

const pageSize = 4096

type dmaRange struct {
	start uint64
	end   uint64
	bo    BO
	pins  int
}

func dmaRangeLess(a, b *dmaRange) bool {
	return a.start < b.start
}

// AddressSpace is the device address space through which the engine fetches
// gathers. Ranges are kept in a btree keyed by start address.
type AddressSpace struct {
	// Alloc hands out addresses in [base, limit).
	base  uint64
	limit uint64

	mu sync.Mutex
	// +checklocks:mu
	ranges *btree.BTreeG[*dmaRange]
}

// NewAddressSpace returns an empty address space that allocates in
// [base, limit).
func NewAddressSpace(base, limit uint64) *AddressSpace {
	return &AddressSpace{
		base:   base,
		limit:  limit,
		ranges: btree.NewG(16, dmaRangeLess),
	}
}

func pageRoundUp(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// +checklocks:as.mu
func (as *AddressSpace) overlapsLocked(start, end uint64) *dmaRange {
	var found *dmaRange
	as.ranges.DescendLessOrEqual(&dmaRange{start: end - 1}, func(r *dmaRange) bool {
		if r.end > start {
			found = r
		}
		return false
	})
	return found
}

// Alloc maps bo at the lowest free page-aligned address of the allocation
// window. It returns ENOMEM when the window is full.
func (as *AddressSpace) Alloc(bo BO) (uint64, error) {
	size := pageRoundUp(bo.Size())
	if size == 0 {
		size = pageSize
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	next := as.base
	var addr uint64
	found := false
	as.ranges.AscendGreaterOrEqual(&dmaRange{start: as.base}, func(r *dmaRange) bool {
		if r.start >= next+size {
			addr, found = next, true
			return false
		}
		if r.end > next {
			next = pageRoundUp(r.end)
		}
		return true
	})
	if !found {
		if next+size > as.limit || next+size < next {
			return 0, linuxerr.ENOMEM
		}
		addr = next
	}
	if addr+size > as.limit {
		return 0, linuxerr.ENOMEM
	}
	as.ranges.ReplaceOrInsert(&dmaRange{start: addr, end: addr + size, bo: bo, pins: 1})
	return addr, nil
}

// Insert maps bo at iova. Mapping the same object at the same address again
// only counts another pin; any other overlap fails with EBUSY.
func (as *AddressSpace) Insert(iova uint64, bo BO) error {
	size := bo.Size()
	if size == 0 || iova+size < iova {
		return linuxerr.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if r := as.overlapsLocked(iova, iova+size); r != nil {
		if r.start == iova && r.bo == bo {
			r.pins++
			return nil
		}
		return linuxerr.EBUSY
	}
	as.ranges.ReplaceOrInsert(&dmaRange{start: iova, end: iova + size, bo: bo, pins: 1})
	return nil
}

// Remove drops one pin of the range starting at iova and unmaps it when no
// pins remain.
func (as *AddressSpace) Remove(iova uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.ranges.Get(&dmaRange{start: iova})
	if !ok {
		panic("unmapping unknown DMA address")
	}
	r.pins--
	if r.pins == 0 {
		as.ranges.Delete(r)
	}
}

// Lookup returns the object mapped at addr and the offset of addr in it.
func (as *AddressSpace) Lookup(addr uint64) (BO, uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r := as.overlapsLocked(addr, addr+1); r != nil {
		return r.bo, addr - r.start, true
	}
	return nil, 0, false
}

// Read fetches n words at addr as the engine would. The whole access must
// fall inside one mapping, or it fails with EFAULT.
func (as *AddressSpace) Read(addr uint64, n uint32) ([]uint32, error) {
	bo, off, ok := as.Lookup(addr)
	if !ok {
		return nil, linuxerr.EFAULT
	}
	length := 4 * uint64(n)
	if off+length > bo.Size() {
		return nil, linuxerr.EFAULT
	}
	buf := make([]byte, length)
	if _, err := bo.ReadAt(buf, int64(off)); err != nil {
		return nil, linuxerr.EFAULT
	}
	return binary.BytesToWords(buf), nil
}

// Len returns the number of mapped ranges.
func (as *AddressSpace) Len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.ranges.Len()
}
