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
	"fmt"

	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/resv"
)

// Buffer is a buffer object that can be mapped into a channel context.
type Buffer interface {
	host1x.BO

	// Resv returns the reservation object used for implicit
	// synchronization of jobs accessing the buffer.
	Resv() *resv.Object
}

// Mapping is a buffer pinned for a channel context. Jobs hold references on
// the mappings they use, so a mapping outlives its removal from the context
// until those jobs are released.
type Mapping struct {
	refs.Refs

	id    uint32
	buf   Buffer
	as    *host1x.AddressSpace
	iova  uint64
	size  uint64
	flags uint32
}

// newMapping pins buf into as. The mapping holds a reference on buf.
func newMapping(as *host1x.AddressSpace, buf Buffer, flags uint32) (*Mapping, error) {
	iova, err := buf.Pin(as)
	if err != nil {
		return nil, err
	}
	buf.Get()
	m := &Mapping{
		buf:   buf,
		as:    as,
		iova:  iova,
		size:  buf.Size(),
		flags: flags,
	}
	m.InitRefs("tegra.Mapping")
	return m, nil
}

// Get takes a reference on m.
func (m *Mapping) Get() {
	m.IncRef()
}

// Put drops a reference on m. The last reference unpins the buffer.
func (m *Mapping) Put() {
	m.DecRef(func() {
		m.buf.Unpin(m.as, m.iova)
		m.buf.Put()
	})
}

// ID returns the context-local id of m.
func (m *Mapping) ID() uint32 {
	return m.id
}

// IOVA returns the device address of the mapped buffer.
func (m *Mapping) IOVA() uint64 {
	return m.iova
}

// Size returns the size of the mapped buffer in bytes.
func (m *Mapping) Size() uint64 {
	return m.size
}

// Buffer returns the mapped buffer.
func (m *Mapping) Buffer() Buffer {
	return m.buf
}

// Flags returns the MapRead and MapWrite flags m was created with.
func (m *Mapping) Flags() uint32 {
	return m.flags
}

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %d (%#x+%#x, flags %#x)", m.id, m.iova, m.size, m.flags)
}
