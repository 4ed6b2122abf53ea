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

package tegra

import (
	"context"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/sync"
	"gvisor.dev/host1x/pkg/usermem"
)

// blocklinearBit marks a block-linear surface in a 40-bit device address.
const blocklinearBit = 1 << 39

// maxRelocShift is the largest shift that keeps a bit of a 40-bit address.
const maxRelocShift = 39

// gatherBO is the kernel copy of a submission's gather data. It is patched
// with relocations before the job is pinned and is immutable afterwards.
type gatherBO struct {
	refs.Refs

	mu sync.Mutex
	// +checklocks:mu
	words []uint32
	// +checklocks:mu
	pins int
}

// copyGather copies words gather words from addr. It fails with EINVAL if
// words is zero or above max, and EFAULT if the copy fails.
func copyGather(ctx context.Context, mem usermem.IO, addr usermem.Addr, words, max uint32) (*gatherBO, error) {
	if words == 0 || words > max {
		return nil, linuxerr.EINVAL
	}
	data, err := usermem.CopyWordsIn(ctx, mem, addr, words)
	if err != nil {
		return nil, linuxerr.EFAULT
	}
	g := &gatherBO{words: data}
	g.InitRefs("tegra.gatherBO")
	return g, nil
}

// Get implements host1x.BO.Get.
func (g *gatherBO) Get() {
	g.IncRef()
}

// Put implements host1x.BO.Put.
func (g *gatherBO) Put() {
	g.DecRef(func() {
		g.mu.Lock()
		g.words = nil
		g.mu.Unlock()
	})
}

// Size implements host1x.BO.Size.
func (g *gatherBO) Size() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return 4 * uint64(len(g.words))
}

// Len returns the number of gather words.
func (g *gatherBO) Len() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint32(len(g.words))
}

// ReadAt implements host1x.BO.ReadAt.
func (g *gatherBO) ReadAt(p []byte, off int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	size := 4 * int64(len(g.words))
	if off < 0 || off+int64(len(p)) > size {
		return 0, linuxerr.EFAULT
	}
	buf := binary.WordsToBytes(make([]byte, 0, size), g.words)
	return copy(p, buf[off:]), nil
}

// Pin implements host1x.BO.Pin.
func (g *gatherBO) Pin(as *host1x.AddressSpace) (uint64, error) {
	iova, err := as.Alloc(g)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.pins++
	g.mu.Unlock()
	return iova, nil
}

// Unpin implements host1x.BO.Unpin.
func (g *gatherBO) Unpin(as *host1x.AddressSpace, iova uint64) {
	as.Remove(iova)
	g.mu.Lock()
	g.pins--
	g.mu.Unlock()
}

// Words returns a copy of the gather words.
func (g *gatherBO) Words() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint32(nil), g.words...)
}

// arrayIndexMask returns all ones if index < size and zero otherwise,
// without a conditional branch.
func arrayIndexMask(index, size uint64) uint64 {
	return uint64(^int64(index|(size-1-index)) >> 63)
}

// arrayIndexNospec clamps index to zero when it is out of bounds, so that a
// mispredicted bounds check cannot be used to read past the array.
func arrayIndexNospec(index, size uint32) uint32 {
	return index & uint32(arrayIndexMask(uint64(index), uint64(size)))
}

// applyRelocation writes the device address of m described by buf into the
// gather word buf.Reloc.GatherOffsetWords.
func (g *gatherBO) applyRelocation(m *Mapping, buf *abi.SubmitBuf) error {
	r := &buf.Reloc
	if r.Shift > maxRelocShift || r.TargetOffset >= m.Size() {
		return linuxerr.EINVAL
	}
	iova := m.IOVA() + r.TargetOffset
	if buf.Flags&abi.SubmitBufRelocBlocklinear != 0 {
		iova |= blocklinearBit
	}
	value := uint32(iova >> r.Shift)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pins != 0 {
		return linuxerr.EBUSY
	}
	n := uint32(len(g.words))
	if r.GatherOffsetWords >= n {
		return linuxerr.EINVAL
	}
	g.words[arrayIndexNospec(r.GatherOffsetWords, n)] = value
	return nil
}
