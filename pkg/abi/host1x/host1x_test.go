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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/host1x/pkg/binary"
)

func TestStructSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		v    any
		want uintptr
	}{
		{"ChannelOpen", &ChannelOpen{}, SizeofChannelOpen},
		{"ChannelClose", &ChannelClose{}, SizeofChannelClose},
		{"ChannelMap", &ChannelMap{}, SizeofChannelMap},
		{"ChannelUnmap", &ChannelUnmap{}, SizeofChannelUnmap},
		{"SubmitBuf", &SubmitBuf{}, SizeofSubmitBuf},
		{"SubmitCmd", &SubmitCmd{}, SizeofSubmitCmd},
		{"SubmitSyncptIncr", &SubmitSyncptIncr{}, SizeofSubmitSyncpt},
		{"ChannelSubmit", &ChannelSubmit{}, SizeofChannelSubmit},
		{"SyncptAlloc", &SyncptAlloc{}, SizeofSyncptAlloc},
		{"SyncptFree", &SyncptFree{}, SizeofSyncptFree},
		{"SyncptRead", &SyncptRead{}, SizeofSyncptRead},
		{"SyncptIncr", &SyncptIncr{}, SizeofSyncptIncr},
		{"SyncptWait", &SyncptWait{}, SizeofSyncptWait},
		{"SyncFileWait", &SyncFileWait{}, SizeofSyncFileWait},
		{"SyncFileClose", &SyncFileClose{}, SizeofSyncFileClose},
	} {
		if got := binary.Size(tc.v); got != tc.want {
			t.Errorf("Size(%s) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestIoctlEncoding(t *testing.T) {
	if got, want := IOCNR(IoctlChannelSubmit), uint32(DRM_COMMAND_BASE+TEGRA_CHANNEL_SUBMIT); got != want {
		t.Errorf("IOCNR(IoctlChannelSubmit) = %#x, want %#x", got, want)
	}
	if got := IOCSize(IoctlChannelSubmit); got != SizeofChannelSubmit {
		t.Errorf("IOCSize(IoctlChannelSubmit) = %d, want %d", got, SizeofChannelSubmit)
	}
	if got := IOCType(IoctlSyncptWait); got != DRM_IOCTL_BASE {
		t.Errorf("IOCType(IoctlSyncptWait) = %#x, want %#x", got, DRM_IOCTL_BASE)
	}
}

func TestOpcodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		word uint32
		want uint32
	}{
		{"setclass host1x", OpcodeSetClass(CLASS_HOST1X, 0, 0), 0x00000040},
		{"setclass vic", OpcodeSetClass(CLASS_VIC, 0, 0), 0x00001740},
		{"incr", OpcodeIncr(0x10, 2), 0x10100002},
		{"nonincr", OpcodeNonIncr(0x2b, 1), 0x202b0001},
		{"mask", OpcodeMask(0x2b, 0x5), 0x302b0005},
		{"imm incr syncpt", OpcodeImm(UCLASS_INCR_SYNCPT, ClassHostIncrSyncpt(SYNCPT_COND_OP_DONE, 3)), 0x40000103},
		{"restart", OpcodeRestart(0x1000), 0x50000100},
		{"gather", OpcodeGather(4), 0x60000004},
		{"gather wide", OpcodeGatherWide(4), 0xc0000004},
		{"nop", OpcodeNop(), 0xf0000000},
		{"wait payload", ClassHostWaitSyncpt(3, 0x12345678), 0x03345678},
	} {
		if tc.word != tc.want {
			t.Errorf("%s = %#08x, want %#08x", tc.name, tc.word, tc.want)
		}
	}
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		word uint32
		want DecodedWord
	}{
		{OpcodeSetClass(CLASS_GR3D, 0x12, 3), DecodedWord{Op: OpSetClass, Offset: 0x12, Class: CLASS_GR3D, Count: 3}},
		{OpcodeImm(UCLASS_WAIT_SYNCPT, 7), DecodedWord{Op: OpImm, Offset: UCLASS_WAIT_SYNCPT, Count: 7}},
		{OpcodeGather(9), DecodedWord{Op: OpGather, Count: 9}},
		{OpcodeRestart(0x2000), DecodedWord{Op: OpRestart, Offset: 0x2000}},
	} {
		if diff := cmp.Diff(tc.want, DecodeOpcode(tc.word)); diff != "" {
			t.Errorf("DecodeOpcode(%#08x) mismatch (-want +got):\n%s", tc.word, diff)
		}
	}
}

func TestSubmitCmdViews(t *testing.T) {
	g := NewGatherCmd(12)
	if got := g.Gather(); got.Words != 12 || got.Reserved != [3]uint32{} {
		t.Errorf("Gather() = %+v", got)
	}
	w := NewWaitSyncptCmd(5, 100)
	if got := w.WaitSyncpt(); got.ID != 5 || got.Threshold != 100 {
		t.Errorf("WaitSyncpt() = %+v", got)
	}
	f := NewWaitSyncFileCmd(-1)
	if got := f.WaitSyncFile(); got.FD != -1 {
		t.Errorf("WaitSyncFile() = %+v", got)
	}
}
