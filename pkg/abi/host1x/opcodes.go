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

// Host1x classes.
const (
	CLASS_HOST1X = 0x01
	CLASS_NVENC  = 0x21
	CLASS_GR2D   = 0x51
	CLASS_VIC    = 0x5D
	CLASS_GR3D   = 0x60
	CLASS_NVDEC  = 0xF0
)

// Host1x class methods, from hw_host1x_uclass.h.
const (
	UCLASS_INCR_SYNCPT = 0x00
	UCLASS_WAIT_SYNCPT = 0x08
)

// Conditions for UCLASS_INCR_SYNCPT.
const (
	SYNCPT_COND_IMMEDIATE = 0
	SYNCPT_COND_OP_DONE   = 1
)

// Opcode is the top nibble of a command stream word.
type Opcode uint32

// Command stream opcodes.
const (
	OpSetClass  Opcode = 0x0
	OpIncr      Opcode = 0x1
	OpNonIncr   Opcode = 0x2
	OpMask      Opcode = 0x3
	OpImm       Opcode = 0x4
	OpRestart   Opcode = 0x5
	OpGather    Opcode = 0x6
	OpSetStrmID Opcode = 0x7
	OpSetAppID  Opcode = 0x8
	OpSetPyld   Opcode = 0x9
	OpIncrW     Opcode = 0xa
	OpNonIncrW  Opcode = 0xb
	OpGatherW   Opcode = 0xc
	OpRestartW  Opcode = 0xd
	OpExtend    Opcode = 0xe
	OpNop       Opcode = 0xf
)

const opcodeShift = 28

// OpcodeSetClass selects class for the following methods, writing val to the
// registers selected by mask starting at offset.
func OpcodeSetClass(class, offset, mask uint32) uint32 {
	return uint32(OpSetClass)<<opcodeShift | (offset&0xfff)<<16 | (class&0x3ff)<<6 | mask&0x3f
}

// OpcodeIncr writes count words to consecutive registers starting at offset.
func OpcodeIncr(offset, count uint32) uint32 {
	return uint32(OpIncr)<<opcodeShift | (offset&0xfff)<<16 | count&0xffff
}

// OpcodeNonIncr writes count words to the register at offset.
func OpcodeNonIncr(offset, count uint32) uint32 {
	return uint32(OpNonIncr)<<opcodeShift | (offset&0xfff)<<16 | count&0xffff
}

// OpcodeMask writes one word per bit set in mask to registers offset+bit.
func OpcodeMask(offset, mask uint32) uint32 {
	return uint32(OpMask)<<opcodeShift | (offset&0xfff)<<16 | mask&0xffff
}

// OpcodeImm writes the 16-bit value to the register at offset.
func OpcodeImm(offset, value uint32) uint32 {
	return uint32(OpImm)<<opcodeShift | (offset&0xfff)<<16 | value&0xffff
}

// OpcodeRestart jumps back to the start of the push buffer at address.
func OpcodeRestart(address uint32) uint32 {
	return uint32(OpRestart)<<opcodeShift | address>>4
}

// OpcodeGather fetches count words from the address in the following word.
func OpcodeGather(count uint32) uint32 {
	return uint32(OpGather)<<opcodeShift | count&0x3fff
}

// OpcodeGatherWide is the 64-bit address form of OpcodeGather; it is followed
// by the low and high address words.
func OpcodeGatherWide(count uint32) uint32 {
	return uint32(OpGatherW)<<opcodeShift | count&0x3fff
}

// OpcodeNop does nothing.
func OpcodeNop() uint32 {
	return uint32(OpNop) << opcodeShift
}

// MaxGatherWords is the largest count an OpcodeGather can carry.
const MaxGatherWords = 0x3fff

// ClassHostIncrSyncpt is the payload of UCLASS_INCR_SYNCPT.
func ClassHostIncrSyncpt(cond, id uint32) uint32 {
	return (cond&0xff)<<8 | id&0xff
}

// ClassHostWaitSyncpt is the payload of UCLASS_WAIT_SYNCPT. Only the low 24
// bits of the threshold are encoded; the engine compares them against the
// low 24 bits of the counter.
func ClassHostWaitSyncpt(id, threshold uint32) uint32 {
	return (id&0xff)<<24 | threshold&0xffffff
}

// DecodedWord is a command word split into its fields.
type DecodedWord struct {
	Op     Opcode
	Offset uint32
	// Class is set for OpSetClass.
	Class uint32
	// Count is the number of words following the opcode that belong to it,
	// or the register mask for OpSetClass and OpMask, or the immediate for
	// OpImm.
	Count uint32
}

// DecodeOpcode splits a command word into its fields.
func DecodeOpcode(word uint32) DecodedWord {
	d := DecodedWord{Op: Opcode(word >> opcodeShift)}
	switch d.Op {
	case OpSetClass:
		d.Offset = (word >> 16) & 0xfff
		d.Class = (word >> 6) & 0x3ff
		d.Count = word & 0x3f
	case OpIncr, OpNonIncr, OpMask, OpImm:
		d.Offset = (word >> 16) & 0xfff
		d.Count = word & 0xffff
	case OpRestart:
		d.Offset = (word & 0x0fffffff) << 4
	case OpGather, OpGatherW:
		d.Count = word & 0x3fff
	}
	return d
}
