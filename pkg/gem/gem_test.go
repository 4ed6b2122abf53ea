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

package gem

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
)

func TestAllocatorNew(t *testing.T) {
	a := NewAllocator(DefaultIOVABase, DefaultIOVABase+3*pageSize, 0)
	for _, size := range []uint64{0, MaxSize + 1} {
		if _, err := a.New(size); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("New(%d) = %v, want EINVAL", size, err)
		}
	}

	small, err := a.New(16)
	if err != nil {
		t.Fatalf("New(16) = %v", err)
	}
	big, err := a.New(pageSize + 1)
	if err != nil {
		t.Fatalf("New(%d) = %v", pageSize+1, err)
	}
	if got, want := []uint64{small.IOVA(), big.IOVA()}, []uint64{DefaultIOVABase, DefaultIOVABase + pageSize}; !cmp.Equal(got, want) {
		t.Errorf("IOVAs = %#x, want %#x", got, want)
	}
	if _, err := a.New(1); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("New() past the limit = %v, want ENOMEM", err)
	}
	if got := small.Resv().MaxShared(); got != 64 {
		t.Errorf("MaxShared() = %d, want the default 64", got)
	}

	if a.Live() != 2 {
		t.Errorf("Live() = %d, want 2", a.Live())
	}
	small.Put()
	big.Put()
	if a.Live() != 0 {
		t.Errorf("Live() after Put = %d, want 0", a.Live())
	}
}

func TestObjectReadWrite(t *testing.T) {
	a := NewAllocator(DefaultIOVABase, DefaultIOVALimit, 0)
	o, err := a.New(8)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer o.Put()

	if _, err := o.WriteAt([]byte{1, 2, 3}, 6); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("WriteAt() past the end = %v, want EFAULT", err)
	}
	if _, err := o.WriteAt([]byte{1, 2, 3}, 4); err != nil {
		t.Fatalf("WriteAt() = %v", err)
	}
	buf := make([]byte, 8)
	if _, err := o.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() = %v", err)
	}
	if want := []byte{0, 0, 0, 0, 1, 2, 3, 0}; !cmp.Equal(buf, want) {
		t.Errorf("contents = %v, want %v", buf, want)
	}
}

func TestObjectPin(t *testing.T) {
	a := NewAllocator(DefaultIOVABase, DefaultIOVALimit, 0)
	o, err := a.New(64)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer o.Put()
	as := host1x.NewAddressSpace(host1x.CarveoutBase, host1x.CarveoutLimit)

	for i := 0; i < 2; i++ {
		iova, err := o.Pin(as)
		if err != nil || iova != o.IOVA() {
			t.Fatalf("Pin() = %#x, %v, want %#x", iova, err, o.IOVA())
		}
	}
	words, err := as.Read(o.IOVA()+4, 2)
	if err != nil || !cmp.Equal(words, []uint32{0, 0}) {
		t.Errorf("Read() = %v, %v", words, err)
	}
	o.Unpin(as, o.IOVA())
	o.Unpin(as, o.IOVA())
	if as.Len() != 0 {
		t.Errorf("address space has %d mappings after unpinning", as.Len())
	}
}
