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
	"testing"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/usermem"
)

// ioctl stages params, issues cmd and reads params back.
func ioctl(t *testing.T, f *File, mem *usermem.BytesIO, cmd uint32, params any) int {
	t.Helper()
	ctx := context.Background()
	addr := mem.StageObject(params)
	ret := f.Ioctl(ctx, mem, cmd, addr)
	if err := usermem.CopyObjectIn(ctx, mem, addr, params); err != nil {
		t.Fatalf("CopyObjectIn() = %v", err)
	}
	return ret
}

func errno(e *errors.Error) int {
	return linuxerr.ToErrno(e)
}

func TestIoctlUnknown(t *testing.T) {
	fx := newFixture(t)
	f := fx.dev.Open()
	defer f.Close()
	mem := &usermem.BytesIO{Base: 0x10000}

	for _, cmd := range []uint32{
		abi.IOWR('x', abi.DRM_COMMAND_BASE+abi.TEGRA_CHANNEL_OPEN, abi.SizeofChannelOpen),
		abi.IOWR(abi.DRM_IOCTL_BASE, abi.DRM_COMMAND_BASE+0x3f, 8),
		// Right number, wrong size.
		abi.IOWR(abi.DRM_IOCTL_BASE, abi.DRM_COMMAND_BASE+abi.TEGRA_SYNCPT_ALLOC, 16),
	} {
		if got, want := f.Ioctl(context.Background(), mem, cmd, 0), errno(linuxerr.ENOTTY); got != want {
			t.Errorf("Ioctl(%#x) = %d, want %d", cmd, got, want)
		}
	}
}

func TestIoctlBadAddress(t *testing.T) {
	fx := newFixture(t)
	f := fx.dev.Open()
	defer f.Close()
	mem := &usermem.BytesIO{Base: 0x10000}
	if got, want := f.Ioctl(context.Background(), mem, abi.IoctlSyncptAlloc, 0x8), errno(linuxerr.EFAULT); got != want {
		t.Errorf("Ioctl(SyncptAlloc) = %d, want %d", got, want)
	}
}

func TestIoctlPanicIsEIO(t *testing.T) {
	fx := newFixture(t)
	f := fx.dev.Open()
	defer f.Close()
	mem := &usermem.BytesIO{Base: 0x10000}

	cmd := abi.IOWR(abi.DRM_IOCTL_BASE, abi.DRM_COMMAND_BASE+0x3e, 8)
	ioctlHandlers[cmd] = func(*ioctlState) error { panic("broken invariant") }
	defer delete(ioctlHandlers, cmd)
	if got, want := f.Ioctl(context.Background(), mem, cmd, 0), errno(linuxerr.EIO); got != want {
		t.Errorf("Ioctl() = %d, want %d", got, want)
	}
	// The file is still usable.
	var alloc abi.SyncptAlloc
	if got := ioctl(t, f, mem, abi.IoctlSyncptAlloc, &alloc); got != 0 {
		t.Errorf("Ioctl(SyncptAlloc) = %d after a panic", got)
	}
}

func TestIoctlSubmitFlow(t *testing.T) {
	fx := newFixture(t)
	obj := fx.newObject(t, 4096)
	f := fx.dev.Open()
	defer f.Close()
	mem := &usermem.BytesIO{Base: 0x10000}

	open := abi.ChannelOpen{Class: 0x1234}
	if got, want := ioctl(t, f, mem, abi.IoctlChannelOpen, &open), errno(linuxerr.ENODEV); got != want {
		t.Fatalf("Ioctl(ChannelOpen, unknown class) = %d, want %d", got, want)
	}
	if open.Context != 0 {
		t.Errorf("failed ChannelOpen wrote context %d", open.Context)
	}
	open = abi.ChannelOpen{Class: abi.CLASS_VIC}
	if got := ioctl(t, f, mem, abi.IoctlChannelOpen, &open); got != 0 {
		t.Fatalf("Ioctl(ChannelOpen) = %d", got)
	}
	if open.Context == 0 || open.Version != vicVersion || open.Capabilities != abi.CapCacheCoherent {
		t.Errorf("ChannelOpen returned %+v", open)
	}

	obj.Get()
	handle, err := f.AddBuffer(obj)
	if err != nil {
		t.Fatalf("AddBuffer() = %v", err)
	}
	cm := abi.ChannelMap{Context: open.Context, Handle: handle, Flags: abi.MapReadWrite}
	if got := ioctl(t, f, mem, abi.IoctlChannelMap, &cm); got != 0 {
		t.Fatalf("Ioctl(ChannelMap) = %d", got)
	}

	alloc := abi.SyncptAlloc{}
	if got := ioctl(t, f, mem, abi.IoctlSyncptAlloc, &alloc); got != 0 {
		t.Fatalf("Ioctl(SyncptAlloc) = %d", got)
	}
	read := abi.SyncptRead{ID: alloc.ID}
	if got := ioctl(t, f, mem, abi.IoctlSyncptRead, &read); got != 0 {
		t.Fatalf("Ioctl(SyncptRead) = %d", got)
	}

	s := &session{f: f, ctxID: open.Context, sp: alloc.ID, mapID: cm.Mapping, mem: mem}
	req := s.writeReq()
	req.flags = abi.SubmitSyncptIncrCreateSyncFile
	args := s.stage(req)
	if got := ioctl(t, f, mem, abi.IoctlChannelSubmit, args); got != 0 {
		t.Fatalf("Ioctl(ChannelSubmit) = %d", got)
	}
	incr := args.SyncptIncrs[0]
	if incr.FenceValue != read.Value+1 {
		t.Errorf("FenceValue = %d, want %d", incr.FenceValue, read.Value+1)
	}

	wait := abi.SyncFileWait{FD: incr.SyncFileFD}
	if got, want := ioctl(t, f, mem, abi.IoctlSyncFileWait, &wait), errno(linuxerr.EAGAIN); got != want {
		t.Errorf("Ioctl(SyncFileWait, poll) = %d, want %d", got, want)
	}
	spWait := abi.SyncptWait{ID: alloc.ID, Threshold: incr.FenceValue}
	if got, want := ioctl(t, f, mem, abi.IoctlSyncptWait, &spWait), errno(linuxerr.EAGAIN); got != want {
		t.Errorf("Ioctl(SyncptWait, poll) = %d, want %d", got, want)
	}

	if got := ioctl(t, f, mem, abi.IoctlSyncptIncr, &abi.SyncptIncr{ID: alloc.ID}); got != 0 {
		t.Fatalf("Ioctl(SyncptIncr) = %d", got)
	}
	wait = abi.SyncFileWait{FD: incr.SyncFileFD, TimeoutNs: -1}
	if got := ioctl(t, f, mem, abi.IoctlSyncFileWait, &wait); got != 0 || wait.Status != 1 {
		t.Errorf("Ioctl(SyncFileWait) = %d, status %d, want 0, 1", got, wait.Status)
	}
	spWait = abi.SyncptWait{ID: alloc.ID, Threshold: incr.FenceValue, TimeoutNs: -1}
	if got := ioctl(t, f, mem, abi.IoctlSyncptWait, &spWait); got != 0 || spWait.Value != incr.FenceValue {
		t.Errorf("Ioctl(SyncptWait) = %d, value %d, want 0, %d", got, spWait.Value, incr.FenceValue)
	}

	closeFD := abi.SyncFileClose{FD: incr.SyncFileFD}
	if got := ioctl(t, f, mem, abi.IoctlSyncFileClose, &closeFD); got != 0 {
		t.Errorf("Ioctl(SyncFileClose) = %d", got)
	}
	if got, want := ioctl(t, f, mem, abi.IoctlSyncFileClose, &closeFD), errno(linuxerr.EBADF); got != want {
		t.Errorf("second Ioctl(SyncFileClose) = %d, want %d", got, want)
	}
	unmap := abi.ChannelUnmap{Context: open.Context, Mapping: cm.Mapping}
	if got := ioctl(t, f, mem, abi.IoctlChannelUnmap, &unmap); got != 0 {
		t.Errorf("Ioctl(ChannelUnmap) = %d", got)
	}
	if got := ioctl(t, f, mem, abi.IoctlChannelClose, &abi.ChannelClose{Context: open.Context}); got != 0 {
		t.Errorf("Ioctl(ChannelClose) = %d", got)
	}
	if got := ioctl(t, f, mem, abi.IoctlSyncptFree, &abi.SyncptFree{ID: alloc.ID}); got != 0 {
		t.Errorf("Ioctl(SyncptFree) = %d", got)
	}
}
