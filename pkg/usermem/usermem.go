// Copyright 2018 The gVisor Authors.
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

// Package usermem governs access to the memory of the process issuing ioctls.
// Every pointer carried by a submission argument is resolved through an IO.
package usermem

import (
	"context"
	"fmt"
	"math"

	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
)

// Addr is a user virtual address.
type Addr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IO provides access to the contents of a user address space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr Addr, dst []byte) (int, error)
}

// CopyObjectOut marshals src and copies it to addr.
func CopyObjectOut(ctx context.Context, uio IO, addr Addr, src any) error {
	buf := binary.Marshal(nil, src)
	if _, err := uio.CopyOut(ctx, addr, buf); err != nil {
		return err
	}
	return nil
}

// CopyObjectIn copies a fixed-size object from addr and unmarshals it into
// dst, which must be a pointer.
func CopyObjectIn(ctx context.Context, uio IO, addr Addr, dst any) error {
	buf := make([]byte, binary.Size(dst))
	if _, err := uio.CopyIn(ctx, addr, buf); err != nil {
		return err
	}
	if err := binary.Unmarshal(buf, dst); err != nil {
		return fmt.Errorf("%w: %v", linuxerr.EFAULT, err)
	}
	return nil
}

// CopyObjectsIn copies count consecutive fixed-size objects starting at addr.
// newObj returns a pointer to the next destination.
func CopyObjectsIn(ctx context.Context, uio IO, addr Addr, count uint32, size uintptr, newObj func(i uint32) any) error {
	total := uint64(count) * uint64(size)
	if size != 0 && total/uint64(size) != uint64(count) {
		return linuxerr.EINVAL
	}
	if _, ok := addr.AddLength(total); !ok {
		return linuxerr.EFAULT
	}
	buf := make([]byte, total)
	if _, err := uio.CopyIn(ctx, addr, buf); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		off := uintptr(i) * size
		if err := binary.Unmarshal(buf[off:off+size], newObj(i)); err != nil {
			return fmt.Errorf("%w: %v", linuxerr.EFAULT, err)
		}
	}
	return nil
}

// CopyWordsIn copies n 32-bit words from addr.
func CopyWordsIn(ctx context.Context, uio IO, addr Addr, n uint32) ([]uint32, error) {
	if uint64(n) > math.MaxUint64/4 {
		return nil, linuxerr.EINVAL
	}
	buf := make([]byte, 4*uint64(n))
	if _, err := uio.CopyIn(ctx, addr, buf); err != nil {
		return nil, err
	}
	return binary.BytesToWords(buf), nil
}

// BytesIO implements IO using a byte slice. Addresses start at Base. Reads or
// writes outside the slice fail with EFAULT after transferring the bytes that
// are in range.
type BytesIO struct {
	Bytes []byte
	Base  Addr
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr Addr, src []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	off := int(addr - b.Base)
	return copy(b.Bytes[off:off+rngN], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr Addr, dst []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	off := int(addr - b.Base)
	return copy(dst[:rngN], b.Bytes[off:off+rngN]), rngErr
}

// rangeCheck returns the number of bytes of [addr, addr+length) that are in
// range, and EFAULT if that is fewer than length.
func (b *BytesIO) rangeCheck(addr Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if addr < b.Base || addr-b.Base >= Addr(len(b.Bytes)) {
		return 0, linuxerr.EFAULT
	}
	off := addr - b.Base
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return int(Addr(len(b.Bytes)) - off), linuxerr.EFAULT
	}
	if end := off + Addr(length); end > Addr(len(b.Bytes)) {
		return int(Addr(len(b.Bytes)) - off), linuxerr.EFAULT
	}
	return length, nil
}

// Stage appends data to the end of the slice, aligned to 8 bytes, and returns
// its address. It is used to lay out ioctl arguments.
func (b *BytesIO) Stage(data []byte) Addr {
	for len(b.Bytes)%8 != 0 {
		b.Bytes = append(b.Bytes, 0)
	}
	addr := b.Base + Addr(len(b.Bytes))
	b.Bytes = append(b.Bytes, data...)
	return addr
}

// StageObject marshals obj and stages it.
func (b *BytesIO) StageObject(obj any) Addr {
	return b.Stage(binary.Marshal(nil, obj))
}
