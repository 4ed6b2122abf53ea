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

// DRM_IOCTL_BASE is the IOC_TYPE of every engine ioctl.
const DRM_IOCTL_BASE = uint32('d')

// DRM_COMMAND_BASE is the first driver-private IOC_NR.
const DRM_COMMAND_BASE = 0x40

// Driver-private ioctl numbers (IOC_NR minus DRM_COMMAND_BASE).
const (
	TEGRA_CHANNEL_OPEN    = 0x10
	TEGRA_CHANNEL_CLOSE   = 0x11
	TEGRA_CHANNEL_MAP     = 0x12
	TEGRA_CHANNEL_UNMAP   = 0x13
	TEGRA_CHANNEL_SUBMIT  = 0x14
	TEGRA_SYNCPT_ALLOC    = 0x20
	TEGRA_SYNCPT_FREE     = 0x21
	TEGRA_SYNCPT_READ     = 0x22
	TEGRA_SYNCPT_INCR     = 0x23
	TEGRA_SYNCPT_WAIT     = 0x24
	TEGRA_SYNC_FILE_WAIT  = 0x30
	TEGRA_SYNC_FILE_CLOSE = 0x31
)

// ChannelOpen is the parameter type for TEGRA_CHANNEL_OPEN.
type ChannelOpen struct {
	// Class is the host1x class of the engine to open.
	Class uint32
	// Flags must be zero or ChannelOpenNoWait.
	Flags uint32
	// Context is the returned channel context id.
	Context uint32
	// Version is the returned hardware version.
	Version uint32
	// Capabilities is the returned capability mask.
	Capabilities uint32
	Pad          uint32
}

// Flags for ChannelOpen.Flags.
const (
	// ChannelOpenNoWait fails with EBUSY instead of waiting when the engine
	// has no channel yet and the channel pool is exhausted.
	ChannelOpenNoWait = 1 << 0
)

// Capabilities returned in ChannelOpen.Capabilities.
const (
	// CapCacheCoherent reports that buffers need no cache maintenance.
	CapCacheCoherent = 1 << 0
)

// ChannelClose is the parameter type for TEGRA_CHANNEL_CLOSE.
type ChannelClose struct {
	Context uint32
	Pad     uint32
}

// ChannelMap is the parameter type for TEGRA_CHANNEL_MAP.
type ChannelMap struct {
	Context uint32
	// Handle is the buffer handle to map.
	Handle uint32
	// Flags is a combination of MapRead and MapWrite.
	Flags uint32
	// Mapping is the returned mapping id.
	Mapping uint32
}

// Flags for ChannelMap.Flags.
const (
	MapRead      = 1 << 0
	MapWrite     = 1 << 1
	MapReadWrite = MapRead | MapWrite
)

// ChannelUnmap is the parameter type for TEGRA_CHANNEL_UNMAP.
type ChannelUnmap struct {
	Context uint32
	Mapping uint32
}

// Reloc describes the patch applied by a SubmitBuf.
type Reloc struct {
	// TargetOffset is added to the mapping's device address.
	TargetOffset uint64
	// GatherOffsetWords is the index of the gather word to patch.
	GatherOffsetWords uint32
	// Shift is the right shift applied to the address before the write.
	Shift uint32
}

// SubmitBuf is one buffer descriptor of a TEGRA_CHANNEL_SUBMIT.
type SubmitBuf struct {
	Mapping  uint32
	Flags    uint32
	Reloc    Reloc
	Reserved [2]uint32
}

// Flags for SubmitBuf.Flags.
const (
	SubmitBufRelocBlocklinear = 1 << 0
	SubmitBufResvRead         = 1 << 1
	SubmitBufResvWrite        = 1 << 2

	SubmitBufFlagsMask = SubmitBufRelocBlocklinear | SubmitBufResvRead | SubmitBufResvWrite
)

// SubmitCmd types.
const (
	SubmitCmdGatherUptr   = 0
	SubmitCmdWaitSyncpt   = 1
	SubmitCmdWaitSyncFile = 2
)

// SubmitCmd is one command record of a TEGRA_CHANNEL_SUBMIT. Payload is
// interpreted according to Type; see the Gather, WaitSyncpt and WaitSyncFile
// accessors.
type SubmitCmd struct {
	Type    uint32
	Flags   uint32
	Payload [4]uint32
}

// SubmitCmdGather is the payload of a SubmitCmdGatherUptr command.
type SubmitCmdGather struct {
	Words    uint32
	Reserved [3]uint32
}

// SubmitCmdWaitSyncptArgs is the payload of a SubmitCmdWaitSyncpt command.
type SubmitCmdWaitSyncptArgs struct {
	ID        uint32
	Threshold uint32
	Reserved  [2]uint32
}

// SubmitCmdWaitSyncFileArgs is the payload of a SubmitCmdWaitSyncFile
// command.
type SubmitCmdWaitSyncFileArgs struct {
	FD       int32
	Reserved [3]uint32
}

// Gather interprets the payload as a gather.
func (c *SubmitCmd) Gather() SubmitCmdGather {
	return SubmitCmdGather{Words: c.Payload[0], Reserved: [3]uint32{c.Payload[1], c.Payload[2], c.Payload[3]}}
}

// WaitSyncpt interprets the payload as a syncpoint wait.
func (c *SubmitCmd) WaitSyncpt() SubmitCmdWaitSyncptArgs {
	return SubmitCmdWaitSyncptArgs{ID: c.Payload[0], Threshold: c.Payload[1], Reserved: [2]uint32{c.Payload[2], c.Payload[3]}}
}

// WaitSyncFile interprets the payload as a sync file wait.
func (c *SubmitCmd) WaitSyncFile() SubmitCmdWaitSyncFileArgs {
	return SubmitCmdWaitSyncFileArgs{FD: int32(c.Payload[0]), Reserved: [3]uint32{c.Payload[1], c.Payload[2], c.Payload[3]}}
}

// NewGatherCmd returns a gather command of the given length.
func NewGatherCmd(words uint32) SubmitCmd {
	return SubmitCmd{Type: SubmitCmdGatherUptr, Payload: [4]uint32{words}}
}

// NewWaitSyncptCmd returns a syncpoint wait command.
func NewWaitSyncptCmd(id, threshold uint32) SubmitCmd {
	return SubmitCmd{Type: SubmitCmdWaitSyncpt, Payload: [4]uint32{id, threshold}}
}

// NewWaitSyncFileCmd returns a sync file wait command.
func NewWaitSyncFileCmd(fd int32) SubmitCmd {
	return SubmitCmd{Type: SubmitCmdWaitSyncFile, Payload: [4]uint32{uint32(fd)}}
}

// SubmitSyncptIncr describes the syncpoint increments a job performs on
// completion.
type SubmitSyncptIncr struct {
	SyncptID uint32
	NumIncrs uint32
	Flags    uint32
	Reserved [3]uint32
	// FenceValue is the returned threshold the syncpoint reaches once the
	// job completes.
	FenceValue uint32
	// SyncFileFD is the returned sync file, when requested.
	SyncFileFD int32
}

// Flags for SubmitSyncptIncr.Flags.
const (
	SubmitSyncptIncrCreateSyncFile = 1 << 0

	SubmitSyncptIncrFlagsMask = SubmitSyncptIncrCreateSyncFile
)

// ChannelSubmit is the parameter type for TEGRA_CHANNEL_SUBMIT.
type ChannelSubmit struct {
	Context         uint32
	NumBufs         uint32
	NumCmds         uint32
	GatherDataWords uint32
	BufsPtr         uint64
	CmdsPtr         uint64
	GatherDataPtr   uint64
	// TimeoutMs bounds the job's execution; zero selects the default.
	TimeoutMs uint32
	Reserved  uint32
	// SyncptIncrs describe the completion increments. Only the first entry
	// may be used; the second must have zero increments.
	SyncptIncrs [2]SubmitSyncptIncr
}

// SyncptAlloc is the parameter type for TEGRA_SYNCPT_ALLOC.
type SyncptAlloc struct {
	// ID is the returned syncpoint id.
	ID  uint32
	Pad uint32
}

// SyncptFree is the parameter type for TEGRA_SYNCPT_FREE.
type SyncptFree struct {
	ID  uint32
	Pad uint32
}

// SyncptRead is the parameter type for TEGRA_SYNCPT_READ.
type SyncptRead struct {
	ID uint32
	// Value is the returned minimum value.
	Value uint32
}

// SyncptIncr is the parameter type for TEGRA_SYNCPT_INCR.
type SyncptIncr struct {
	ID  uint32
	Pad uint32
}

// SyncptWait is the parameter type for TEGRA_SYNCPT_WAIT.
type SyncptWait struct {
	ID        uint32
	Threshold uint32
	// TimeoutNs bounds the wait; negative waits forever, zero polls.
	TimeoutNs int64
	// Value is the returned minimum value.
	Value uint32
	Pad   uint32
}

// SyncFileWait is the parameter type for TEGRA_SYNC_FILE_WAIT.
type SyncFileWait struct {
	FD  int32
	Pad uint32
	// TimeoutNs bounds the wait; negative waits forever, zero polls.
	TimeoutNs int64
	// Status is the returned fence status: 1 signaled, 0 active, negative
	// errno on error.
	Status int32
	Pad2   uint32
}

// SyncFileClose is the parameter type for TEGRA_SYNC_FILE_CLOSE.
type SyncFileClose struct {
	FD  int32
	Pad uint32
}

// Sizes of the argument structs, in bytes.
const (
	SizeofChannelOpen   = 24
	SizeofChannelClose  = 8
	SizeofChannelMap    = 16
	SizeofChannelUnmap  = 8
	SizeofSubmitBuf     = 32
	SizeofSubmitCmd     = 24
	SizeofSubmitSyncpt  = 32
	SizeofChannelSubmit = 48 + 2*SizeofSubmitSyncpt
	SizeofSyncptAlloc   = 8
	SizeofSyncptFree    = 8
	SizeofSyncptRead    = 8
	SizeofSyncptIncr    = 8
	SizeofSyncptWait    = 24
	SizeofSyncFileWait  = 24
	SizeofSyncFileClose = 8
)

func drmIOWR(nr, size uint32) uint32 {
	return IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+nr, size)
}

// Ioctl requests.
var (
	IoctlChannelOpen   = drmIOWR(TEGRA_CHANNEL_OPEN, SizeofChannelOpen)
	IoctlChannelClose  = drmIOWR(TEGRA_CHANNEL_CLOSE, SizeofChannelClose)
	IoctlChannelMap    = drmIOWR(TEGRA_CHANNEL_MAP, SizeofChannelMap)
	IoctlChannelUnmap  = drmIOWR(TEGRA_CHANNEL_UNMAP, SizeofChannelUnmap)
	IoctlChannelSubmit = drmIOWR(TEGRA_CHANNEL_SUBMIT, SizeofChannelSubmit)
	IoctlSyncptAlloc   = drmIOWR(TEGRA_SYNCPT_ALLOC, SizeofSyncptAlloc)
	IoctlSyncptFree    = drmIOWR(TEGRA_SYNCPT_FREE, SizeofSyncptFree)
	IoctlSyncptRead    = drmIOWR(TEGRA_SYNCPT_READ, SizeofSyncptRead)
	IoctlSyncptIncr    = drmIOWR(TEGRA_SYNCPT_INCR, SizeofSyncptIncr)
	IoctlSyncptWait    = drmIOWR(TEGRA_SYNCPT_WAIT, SizeofSyncptWait)
	IoctlSyncFileWait  = drmIOWR(TEGRA_SYNC_FILE_WAIT, SizeofSyncFileWait)
	IoctlSyncFileClose = drmIOWR(TEGRA_SYNC_FILE_CLOSE, SizeofSyncFileClose)
)
