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

// Package cmd holds implementations of the host1xctl commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/host1xctl/config"
	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/gem"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/tegra"
	"gvisor.dev/host1x/pkg/usermem"
)

// engineClients are the engines registered on every device.
var engineClients = []struct {
	name    string
	class   uint32
	version uint32
}{
	{name: "vic", class: abi.CLASS_VIC, version: 0x40},
	{name: "nvdec", class: abi.CLASS_NVDEC, version: 0x21},
}

// classByName returns the class of the engine called name.
func classByName(name string) (uint32, error) {
	for _, c := range engineClients {
		if c.name == name {
			return c.class, nil
		}
	}
	return 0, fmt.Errorf("unknown engine %q", name)
}

// engine is an in-process host1x with a device and a buffer allocator.
type engine struct {
	host  *host1x.Host1x
	dev   *tegra.Device
	alloc *gem.Allocator
}

func newEngine(conf *config.Config) (*engine, error) {
	ho, to := conf.EngineOptions()
	host, err := host1x.New(ho, conf.NewHardware())
	if err != nil {
		return nil, fmt.Errorf("creating host1x: %w", err)
	}
	dev, err := tegra.NewDevice(host, to)
	if err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}
	for _, c := range engineClients {
		if _, err := dev.RegisterClient(c.class, c.name, c.version); err != nil {
			return nil, fmt.Errorf("registering %s: %w", c.name, err)
		}
	}
	return &engine{
		host:  host,
		dev:   dev,
		alloc: gem.NewAllocator(gem.DefaultIOVABase, gem.DefaultIOVALimit, conf.MaxSharedFences),
	}, nil
}

// client drives a device file through its ioctl interface, the way a
// userspace driver would.
type client struct {
	f   *tegra.File
	mem usermem.BytesIO

	ctxID  uint32
	syncpt uint32
}

// openClient opens a file on e with a channel to class and one syncpoint.
func (e *engine) openClient(ctx context.Context, class uint32) (*client, error) {
	c := &client{
		f:   e.dev.Open(),
		mem: usermem.BytesIO{Base: 0x10000},
	}
	open := abi.ChannelOpen{Class: class}
	if err := c.call(ctx, abi.IoctlChannelOpen, &open); err != nil {
		c.f.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	c.ctxID = open.Context
	alloc := abi.SyncptAlloc{}
	if err := c.call(ctx, abi.IoctlSyncptAlloc, &alloc); err != nil {
		c.f.Close()
		return nil, fmt.Errorf("allocating syncpoint: %w", err)
	}
	c.syncpt = alloc.ID
	return c, nil
}

// call stages params after anything already staged, runs the ioctl and
// copies params back.
func (c *client) call(ctx context.Context, cmd uint32, params any) error {
	defer func() { c.mem.Bytes = c.mem.Bytes[:0] }()
	addr := c.mem.StageObject(params)
	if ret := c.f.Ioctl(ctx, &c.mem, cmd, addr); ret < 0 {
		return linuxerr.ErrorFromUnix(unix.Errno(-ret))
	}
	return usermem.CopyObjectIn(ctx, &c.mem, addr, params)
}

// mapBuffer adds obj to the file and maps it into the client's channel. The
// client takes over the caller's reference on obj.
func (c *client) mapBuffer(ctx context.Context, obj *gem.Object) (uint32, error) {
	handle, err := c.f.AddBuffer(obj)
	if err != nil {
		obj.Put()
		return 0, err
	}
	cm := abi.ChannelMap{Context: c.ctxID, Handle: handle, Flags: abi.MapReadWrite}
	if err := c.call(ctx, abi.IoctlChannelMap, &cm); err != nil {
		return 0, fmt.Errorf("mapping buffer: %w", err)
	}
	return cm.Mapping, nil
}

// job is one submission of a client.
type job struct {
	class   uint32
	words   uint32
	mapping uint32
	write   bool
	incrs   uint32
	timeout time.Duration
	// waitFD, if not negative, is a sync file the job waits for.
	waitFD  int32
}

// submit submits j and returns its fence value and sync file.
func (c *client) submit(ctx context.Context, j job) (uint32, int32, error) {
	gather := make([]uint32, j.words)
	gather[0] = abi.OpcodeSetClass(j.class, 0, 0)
	var cmds []abi.SubmitCmd
	if j.waitFD >= 0 {
		cmds = append(cmds, abi.NewWaitSyncFileCmd(j.waitFD))
	}
	cmds = append(cmds, abi.NewGatherCmd(j.words))
	flags := uint32(abi.SubmitBufResvRead)
	if j.write {
		flags = abi.SubmitBufResvWrite
	}
	bufs := []abi.SubmitBuf{{
		Mapping: j.mapping,
		Flags:   flags,
		Reloc:   abi.Reloc{GatherOffsetWords: 1, Shift: 8},
	}}

	args := abi.ChannelSubmit{
		Context:         c.ctxID,
		NumBufs:         uint32(len(bufs)),
		NumCmds:         uint32(len(cmds)),
		GatherDataWords: j.words,
		BufsPtr:         uint64(c.mem.StageObject(bufs)),
		CmdsPtr:         uint64(c.mem.StageObject(cmds)),
		GatherDataPtr:   uint64(c.mem.Stage(binary.WordsToBytes(nil, gather))),
		TimeoutMs:       uint32(j.timeout / time.Millisecond),
	}
	args.SyncptIncrs[0] = abi.SubmitSyncptIncr{
		SyncptID: c.syncpt,
		NumIncrs: j.incrs,
		Flags:    abi.SubmitSyncptIncrCreateSyncFile,
	}
	if err := c.call(ctx, abi.IoctlChannelSubmit, &args); err != nil {
		return 0, -1, err
	}
	return args.SyncptIncrs[0].FenceValue, args.SyncptIncrs[0].SyncFileFD, nil
}

// wait waits for sync file fd and returns its status.
func (c *client) wait(ctx context.Context, fd int32, timeout time.Duration) (int32, error) {
	w := abi.SyncFileWait{FD: fd, TimeoutNs: int64(timeout)}
	if err := c.call(ctx, abi.IoctlSyncFileWait, &w); err != nil {
		return 0, err
	}
	return w.Status, nil
}

// closeFD closes sync file fd.
func (c *client) closeFD(ctx context.Context, fd int32) error {
	return c.call(ctx, abi.IoctlSyncFileClose, &abi.SyncFileClose{FD: fd})
}

// close releases everything the client holds.
func (c *client) close() {
	c.f.Close()
}
