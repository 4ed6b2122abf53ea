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
	"runtime/debug"
	"time"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/usermem"
)

// ioctlState holds the state of a call to File.Ioctl.
type ioctlState struct {
	f    *File
	ctx  context.Context
	mem  usermem.IO
	addr usermem.Addr
}

type ioctlHandler func(is *ioctlState) error

var ioctlHandlers = map[uint32]ioctlHandler{
	abi.IoctlChannelOpen:   channelOpenIoctl,
	abi.IoctlChannelClose:  channelCloseIoctl,
	abi.IoctlChannelMap:    channelMapIoctl,
	abi.IoctlChannelUnmap:  channelUnmapIoctl,
	abi.IoctlChannelSubmit: channelSubmitIoctl,
	abi.IoctlSyncptAlloc:   syncptAllocIoctl,
	abi.IoctlSyncptFree:    syncptFreeIoctl,
	abi.IoctlSyncptRead:    syncptReadIoctl,
	abi.IoctlSyncptIncr:    syncptIncrIoctl,
	abi.IoctlSyncptWait:    syncptWaitIoctl,
	abi.IoctlSyncFileWait:  syncFileWaitIoctl,
	abi.IoctlSyncFileClose: syncFileCloseIoctl,
}

// Ioctl decodes the argument struct of cmd at addr in mem, performs the
// request and writes the results back. It returns 0 or a negative errno.
//
// An internal invariant violation fails the request with EIO; it does not
// take down the engine.
func (f *File) Ioctl(ctx context.Context, mem usermem.IO, cmd uint32, addr usermem.Addr) (ret int) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("tegra: ioctl %#x panicked: %v\n%s", cmd, r, debug.Stack())
			ret = linuxerr.ToErrno(linuxerr.EIO)
		}
	}()

	if abi.IOCType(cmd) != abi.DRM_IOCTL_BASE {
		return linuxerr.ToErrno(linuxerr.ENOTTY)
	}
	handler, ok := ioctlHandlers[cmd]
	if !ok {
		log.Debugf("tegra: unknown ioctl nr %#x (size %d)", abi.IOCNR(cmd), abi.IOCSize(cmd))
		return linuxerr.ToErrno(linuxerr.ENOTTY)
	}
	is := ioctlState{f: f, ctx: ctx, mem: mem, addr: addr}
	return linuxerr.ToErrno(handler(&is))
}

// ioctlInvoke copies in the parameters of the ioctl, runs fn on them and
// copies them back out if fn succeeds.
func ioctlInvoke[Params any](is *ioctlState, fn func(*Params) error) error {
	var params Params
	if err := usermem.CopyObjectIn(is.ctx, is.mem, is.addr, &params); err != nil {
		return err
	}
	if err := fn(&params); err != nil {
		return err
	}
	return usermem.CopyObjectOut(is.ctx, is.mem, is.addr, &params)
}

func channelOpenIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.ChannelOpen) error {
		id, client, err := is.f.ChannelOpen(is.ctx, p.Class, p.Flags)
		if err != nil {
			return err
		}
		p.Context = id
		p.Version = client.Version()
		p.Capabilities = abi.CapCacheCoherent
		return nil
	})
}

func channelCloseIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.ChannelClose) error {
		return is.f.ChannelClose(p.Context)
	})
}

func channelMapIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.ChannelMap) error {
		id, err := is.f.ChannelMap(p.Context, p.Handle, p.Flags)
		p.Mapping = id
		return err
	})
}

func channelUnmapIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.ChannelUnmap) error {
		return is.f.ChannelUnmap(p.Context, p.Mapping)
	})
}

func channelSubmitIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.ChannelSubmit) error {
		return is.f.ChannelSubmit(is.ctx, is.mem, p)
	})
}

func syncptAllocIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncptAlloc) error {
		id, err := is.f.SyncptAllocate()
		p.ID = id
		return err
	})
}

func syncptFreeIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncptFree) error {
		return is.f.SyncptFree(p.ID)
	})
}

func syncptReadIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncptRead) error {
		v, err := is.f.SyncptRead(p.ID)
		p.Value = v
		return err
	})
}

func syncptIncrIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncptIncr) error {
		return is.f.SyncptIncr(p.ID)
	})
}

func syncptWaitIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncptWait) error {
		v, err := is.f.SyncptWait(is.ctx, p.ID, p.Threshold, time.Duration(p.TimeoutNs))
		p.Value = v
		return err
	})
}

func syncFileWaitIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncFileWait) error {
		status, err := is.f.SyncFileWait(is.ctx, p.FD, time.Duration(p.TimeoutNs))
		p.Status = status
		return err
	})
}

func syncFileCloseIoctl(is *ioctlState) error {
	return ioctlInvoke(is, func(p *abi.SyncFileClose) error {
		return is.f.SyncFileClose(p.FD)
	})
}
