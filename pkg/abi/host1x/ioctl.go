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

// Package host1x contains the user-facing ABI of the host1x submission
// engine: ioctl numbers and argument structs, and the hardware command
// stream encoding.
package host1x

// ioctl(2) request encoding, from include/uapi/asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

// IOC outputs the result of _IOC in the Linux headers.
func IOC(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IOWR outputs the result of _IOWR in the Linux headers.
func IOWR(typ, nr, size uint32) uint32 {
	return IOC(iocRead|iocWrite, typ, nr, size)
}

// IOW outputs the result of _IOW in the Linux headers.
func IOW(typ, nr, size uint32) uint32 {
	return IOC(iocWrite, typ, nr, size)
}

// IOCNR outputs the result of _IOC_NR in the Linux headers.
func IOCNR(cmd uint32) uint32 {
	return (cmd >> iocNRShift) & (1<<iocNRBits - 1)
}

// IOCSize outputs the result of _IOC_SIZE in the Linux headers.
func IOCSize(cmd uint32) uint32 {
	return (cmd >> iocSizeShift) & (1<<iocSizeBits - 1)
}

// IOCType outputs the result of _IOC_TYPE in the Linux headers.
func IOCType(cmd uint32) uint32 {
	return (cmd >> iocTypeShift) & (1<<iocTypeBits - 1)
}
