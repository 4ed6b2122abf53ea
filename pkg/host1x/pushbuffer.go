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
	"fmt"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
)

// pushBuffer is the ring of command words a channel fetches from. It holds
// slots of two words; one extra slot at the end holds a RESTART back to the
// start. One slot is always left free so that a full ring is never mistaken
// for an empty one.
//
// pushBuffer is protected by the owning cdma's mutex. The engine only reads
// slots between its get pointer and the put pointer published by Kick.
type pushBuffer struct {
	words []uint32
	// slots is the number of usable slots.
	slots uint32
	// pos is the next slot to write.
	pos uint32
	// free is the number of slots that may be written.
	free uint32
}

func (pb *pushBuffer) init(slots uint32) {
	if pb.words == nil {
		pb.words = make([]uint32, 2*(slots+1))
		pb.slots = slots
		pb.words[2*slots] = abi.OpcodeRestart(0)
		pb.words[2*slots+1] = abi.OpcodeNop()
	}
	pb.reset()
}

func (pb *pushBuffer) reset() {
	pb.pos = 0
	pb.free = pb.slots - 1
}

// capacity is the largest number of slots a single job may use.
func (pb *pushBuffer) capacity() uint32 {
	return pb.slots - 1
}

func (pb *pushBuffer) space() uint32 {
	return pb.free
}

// push writes one slot.
func (pb *pushBuffer) push(op1, op2 uint32) {
	if pb.free == 0 {
		panic("push buffer overflow")
	}
	pb.words[2*pb.pos] = op1
	pb.words[2*pb.pos+1] = op2
	pb.pos = (pb.pos + 1) % pb.slots
	pb.free--
}

// pop frees n slots consumed by the engine, oldest first.
func (pb *pushBuffer) pop(n uint32) {
	if pb.free+n > pb.slots-1 {
		panic(fmt.Sprintf("push buffer underflow: freeing %d slots with %d free of %d", n, pb.free, pb.slots))
	}
	pb.free += n
}

// put returns the word offset the engine may fetch up to.
func (pb *pushBuffer) put() uint32 {
	return 2 * pb.pos
}

// wordAt returns the word at offset, which may be the RESTART slot.
func (pb *pushBuffer) wordAt(offset uint32) uint32 {
	return pb.words[offset]
}

// size returns the number of words including the RESTART slot.
func (pb *pushBuffer) size() uint32 {
	return uint32(len(pb.words))
}
